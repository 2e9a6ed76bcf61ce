package transport

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/nerrad567/meross-core/internal/protocol"
)

// RouterOptions configures a Router.
type RouterOptions struct {
	// LAN is the HTTP transport, or nil when LAN access is disabled.
	LAN Transport

	// Cloud is the MQTT transport, or nil when no broker is configured.
	Cloud Transport

	// Mode is used for requests that do not carry their own mode.
	Mode Mode

	// RateLimit is the sustained number of requests per second across all
	// devices. Zero disables throttling.
	RateLimit float64

	// Burst is the token bucket size. Defaults to 1 when RateLimit is set.
	Burst int

	Logger Logger
}

// Router dispatches requests to the LAN or cloud transport.
//
// Thread Safety: safe for concurrent use.
type Router struct {
	lan     Transport
	cloud   Transport
	mode    Mode
	limiter *rate.Limiter
	logger  Logger
}

// NewRouter creates a Router from opts.
func NewRouter(opts RouterOptions) *Router {
	r := &Router{
		lan:    opts.LAN,
		cloud:  opts.Cloud,
		mode:   opts.Mode,
		logger: opts.Logger,
	}
	if r.mode == ModeDefault {
		r.mode = ModeLANHTTPFirst
	}
	if r.logger == nil {
		r.logger = noopLogger{}
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return r
}

// Request sends req over the preferred channel for its mode.
//
// LAN failures fall back to the cloud transport when one is configured.
// ErrNoRoute is returned when neither channel is usable.
func (r *Router) Request(ctx context.Context, req Request) ([]byte, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	if r.preferLAN(req) {
		reply, err := r.lan.Request(ctx, req)
		if err == nil {
			return reply, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		if r.cloud == nil {
			return nil, fmt.Errorf("%w: %w", ErrNoRoute, err)
		}
		r.logger.Debug("LAN request failed, falling back to MQTT",
			"uuid", req.UUID,
			"namespace", req.Namespace,
			"error", err,
		)
	}

	if r.cloud == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, req.UUID)
	}
	return r.cloud.Request(ctx, req)
}

func (r *Router) preferLAN(req Request) bool {
	if r.lan == nil || req.LANIP == "" {
		return false
	}
	mode := req.Mode
	if mode == ModeDefault {
		mode = r.mode
	}
	switch mode {
	case ModeLANHTTPFirst:
		return true
	case ModeLANHTTPFirstOnlyGET:
		return req.Method == protocol.MethodGet
	default:
		return false
	}
}
