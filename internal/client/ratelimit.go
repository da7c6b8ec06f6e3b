package client

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/wenwu/saas-platform/edge-provisioner/internal/metrics"
)

// RateGate enforces a minimum delay between consecutive requests of one
// adapter instance.
type RateGate struct {
	limiter *rate.Limiter
}

// NewRateGate returns a gate letting one request through every minInterval.
// A non-positive interval disables the gate.
func NewRateGate(minInterval time.Duration) *RateGate {
	if minInterval <= 0 {
		return &RateGate{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &RateGate{limiter: rate.NewLimiter(rate.Every(minInterval), 1)}
}

// Wait blocks until the next request may be sent or ctx is done
func (g *RateGate) Wait(ctx context.Context) error {
	return g.limiter.Wait(ctx)
}

// gatedTransport waits on a RateGate before every round trip and counts
// outcomes per provider.
type gatedTransport struct {
	base     http.RoundTripper
	gate     *RateGate
	provider string
}

func newGatedHTTPClient(provider string, gate *RateGate, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &gatedTransport{
			base:     http.DefaultTransport,
			gate:     gate,
			provider: provider,
		},
	}
}

func (t *gatedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.gate.Wait(req.Context()); err != nil {
		return nil, err
	}

	resp, err := t.base.RoundTrip(req)
	outcome := "error"
	if err == nil {
		outcome = strconv.Itoa(resp.StatusCode)
	}
	metrics.ProviderRequestsTotal.WithLabelValues(t.provider, req.Method, outcome).Inc()
	return resp, err
}
