package connectivity

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// HTTPProbe polls a URL and treats any HTTP response below 500 as reachability.
type HTTPProbe struct {
	*Manual
	url      string
	interval time.Duration
	client   *http.Client
}

func NewHTTPProbe(url string, interval, timeout time.Duration) *HTTPProbe {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPProbe{
		Manual:   NewManual(false),
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
	}
}

// Run probes once immediately and then every interval until ctx is done.
func (p *HTTPProbe) Run(ctx context.Context) {
	t := time.NewTicker(p.interval)
	defer t.Stop()

	p.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.check(ctx)
		}
	}
}

func (p *HTTPProbe) check(ctx context.Context) {
	online := p.Probe(ctx)
	if p.SetOnline(online) {
		log.Info().Str("url", p.url).Bool("online", online).Msg("connectivity changed")
	}
}

// Probe performs a single request without touching the signal state.
func (p *HTTPProbe) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
