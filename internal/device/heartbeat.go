package device

import (
	"context"
	"sync"
	"time"
)

// Heartbeat defaults.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultFailureThreshold  = 1
)

// stopper is satisfied by *time.Timer.
type stopper interface {
	Stop() bool
}

// afterFunc schedules f after d. Replaced in tests.
type afterFunc func(d time.Duration, f func()) stopper

func realAfterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

// heartbeatHooks connect the monitor to its device.
type heartbeatHooks struct {
	// ping issues a liveness request and blocks until it resolves.
	ping func(ctx context.Context) error

	// status returns the device's current online status.
	status func() OnlineStatus

	// markOffline transitions the device to OFFLINE.
	markOffline func(reason string)
}

// heartbeat polls a device when it has been silent and drives the
// ONLINE → OFFLINE transition. It never moves a device back online; only
// a status report from the device does that.
type heartbeat struct {
	interval  time.Duration
	threshold int
	hooks     heartbeatHooks
	now       func() time.Time
	after     afterFunc
	logger    Logger

	mu           sync.Mutex
	running      bool
	startedAt    time.Time
	lastResponse time.Time
	failures     int
	delay        time.Duration
	timer        stopper
	cancel       context.CancelFunc
	ctx          context.Context
}

func newHeartbeat(interval time.Duration, threshold int, hooks heartbeatHooks, logger Logger) *heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &heartbeat{
		interval:  interval,
		threshold: threshold,
		hooks:     hooks,
		now:       time.Now,
		after:     realAfterFunc,
		logger:    logger,
		delay:     interval / 2,
	}
}

// start begins polling. Calling start on a running monitor does nothing.
func (h *heartbeat) start() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return
	}
	h.running = true
	h.startedAt = h.now()
	h.failures = 0
	h.delay = h.interval / 2
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.scheduleLocked(h.interval)
}

// stop cancels the pending timer and any ping in flight.
func (h *heartbeat) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return
	}
	h.running = false
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	if h.cancel != nil {
		h.cancel()
	}
}

// recordResponse notes an accepted response or push from the device.
func (h *heartbeat) recordResponse() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastResponse = h.now()
	h.failures = 0
	h.delay = h.interval / 2
}

// tick runs one scheduled check.
func (h *heartbeat) tick() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	ctx := h.ctx
	now := h.now()
	last := h.lastResponse
	h.mu.Unlock()

	status := h.hooks.status()

	since := last
	if since.IsZero() {
		since = h.startedAtValue()
	}
	if status == StatusOnline && now.Sub(since) > 2*h.interval {
		h.hooks.markOffline("no traffic for " + now.Sub(since).Truncate(time.Second).String())
		status = h.hooks.status()
	}

	if !last.IsZero() && now.Sub(last) < h.interval {
		h.reschedule(ctx, status)
		return
	}

	err := h.hooks.ping(ctx)

	h.mu.Lock()
	// A stop, or a stop and restart, while the ping was in flight makes
	// this tick stale.
	if !h.running || h.ctx != ctx || ctx.Err() != nil {
		h.mu.Unlock()
		return
	}
	flip := false
	if err != nil {
		h.failures++
		flip = h.failures >= h.threshold
		h.logger.Debug("heartbeat ping failed", "failures", h.failures, "error", err)
	}
	h.mu.Unlock()

	status = h.hooks.status()
	if flip && status == StatusOnline {
		h.hooks.markOffline("heartbeat ping failed")
		status = h.hooks.status()
	}
	h.reschedule(ctx, status)
}

func (h *heartbeat) startedAtValue() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startedAt
}

// reschedule arms the next tick: the full interval while online, a
// doubling delay capped at the interval otherwise. The delay starts at
// interval/2, so it grows once and then stays at the interval.
// Ticks from an earlier start (ctx no longer current) arm nothing.
func (h *heartbeat) reschedule(ctx context.Context, status OnlineStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running || h.ctx != ctx {
		return
	}
	if status == StatusOnline {
		h.scheduleLocked(h.interval)
		return
	}
	d := h.delay
	h.delay *= 2
	if h.delay > h.interval {
		h.delay = h.interval
	}
	h.scheduleLocked(d)
}

func (h *heartbeat) scheduleLocked(d time.Duration) {
	h.timer = h.after(d, h.tick)
}

// snapshot returns counters for diagnostics and tests.
func (h *heartbeat) snapshot() (failures int, delay time.Duration, lastResponse time.Time, running bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failures, h.delay, h.lastResponse, h.running
}
