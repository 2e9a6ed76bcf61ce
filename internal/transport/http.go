package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// defaultLANTimeout bounds a single LAN HTTP exchange.
	defaultLANTimeout = 10 * time.Second

	// maxReplySize caps the body read from a device.
	maxReplySize = 1 << 20
)

// HTTPTransport talks to devices over their LAN /config endpoint.
//
// Thread Safety: safe for concurrent use.
type HTTPTransport struct {
	httpClient *http.Client
}

// NewHTTPTransport creates a LAN transport. A zero timeout selects the
// default of 10 seconds.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = defaultLANTimeout
	}
	return &HTTPTransport{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Request POSTs the envelope to the device and returns its reply.
//
// When req.Cipher is set the body is encrypted and base64 encoded and the
// reply is decoded and decrypted the same way.
func (t *HTTPTransport) Request(ctx context.Context, req Request) ([]byte, error) {
	if req.LANIP == "" {
		return nil, ErrNoLANAddress
	}

	body := req.Body
	contentType := "application/json"
	if req.Cipher != nil {
		body = req.Cipher.EncryptToBase64(req.Body)
		contentType = "text/plain"
	}

	url := fmt.Sprintf("http://%s/config", req.LANIP)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating LAN request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("LAN request to %s: %w", req.LANIP, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %d from %s", ErrBadStatus, resp.StatusCode, req.LANIP)
	}

	reply, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if err != nil {
		return nil, fmt.Errorf("reading LAN reply: %w", err)
	}

	if req.Cipher != nil {
		plain, err := req.Cipher.DecryptFromBase64(reply)
		if err != nil {
			return nil, fmt.Errorf("decrypting LAN reply: %w", err)
		}
		return plain, nil
	}
	return reply, nil
}
