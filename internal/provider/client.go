package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/anyulbade/vpos-engine/internal/metrics"
	"github.com/anyulbade/vpos-engine/internal/model"
)

const (
	DefaultTimeout    = 30 * time.Second
	maxResponseBytes  = 1 << 20
	maxNeverSentRetry = 2
)

// gatewayClient posts one request per call. A failed call is retried only
// when it provably never left this host (dial or DNS failure) and the
// operation is idempotent at the gateway.
type gatewayClient struct {
	provider string
	http     *http.Client
	timeout  time.Duration
	backoff  time.Duration
}

func newGatewayClient(provider string, hc *http.Client, timeout time.Duration) *gatewayClient {
	if hc == nil {
		hc = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &gatewayClient{provider: provider, http: hc, timeout: timeout, backoff: 200 * time.Millisecond}
}

type call struct {
	op          string
	url         string
	contentType string
	body        []byte
	idempotent  bool
}

func (c *gatewayClient) do(ctx context.Context, cl call) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	var (
		body []byte
		err  error
	)
	for attempt := 0; ; attempt++ {
		body, err = c.once(ctx, cl)
		if err == nil || !cl.idempotent || !neverSent(err) || attempt >= maxNeverSentRetry {
			break
		}
		log.Warn().Err(err).Str("provider", c.provider).Str("op", cl.op).Int("attempt", attempt+1).
			Msg("gateway unreachable, retrying")
		timer := time.NewTimer(c.backoff * time.Duration(attempt+1))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
		if ctx.Err() != nil {
			break
		}
	}

	result := "ok"
	if err != nil {
		err = c.classify(cl.op, err)
		result = string(model.KindOf(err))
	}
	metrics.ObserveGatewayCall(c.provider, cl.op, result, time.Since(start))
	return body, err
}

func (c *gatewayClient) once(ctx context.Context, cl call) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cl.url, bytes.NewReader(cl.body))
	if err != nil {
		return nil, &unsentError{err: err}
	}
	req.Header.Set("Content-Type", cl.contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, &statusError{code: resp.StatusCode}
	}
	if resp.StatusCode >= 400 {
		return nil, &rejectedError{code: resp.StatusCode}
	}
	return body, nil
}

// classify maps transport failures onto the error taxonomy. Anything that may
// have reached the gateway is ambiguous and becomes GatewayTimeout.
func (c *gatewayClient) classify(op string, err error) error {
	var rej *rejectedError
	switch {
	case neverSent(err):
		return model.WrapError(model.KindGatewayError, c.provider+" "+op, err)
	case errors.As(err, &rej):
		return model.WrapError(model.KindGatewayError, c.provider+" "+op, err)
	default:
		return model.WrapError(model.KindGatewayTimeout, c.provider+" "+op, err)
	}
}

// ambiguous wraps a reply that arrived but could not be understood. The
// gateway may have acted on the request.
func (c *gatewayClient) ambiguous(op string, err error) error {
	return model.WrapError(model.KindGatewayTimeout, c.provider+" "+op, fmt.Errorf("unreadable response: %w", err))
}

type unsentError struct{ err error }

func (e *unsentError) Error() string { return "request not sent: " + e.err.Error() }
func (e *unsentError) Unwrap() error { return e.err }

type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("gateway returned HTTP %d", e.code) }

type rejectedError struct{ code int }

func (e *rejectedError) Error() string { return fmt.Sprintf("gateway rejected request with HTTP %d", e.code) }

func neverSent(err error) bool {
	var unsent *unsentError
	if errors.As(err, &unsent) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return false
}
