// Package connectivity decides whether the remote API is reachable and
// through which base address.
package connectivity

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/okian/fieldsync/pkg/logger"
	"github.com/okian/fieldsync/pkg/metrics"
)

const (
	defaultHealthPath = "/health"
	maxDrainBytes     = 4 << 10
)

// Result is the outcome of a probe. BaseURL is empty when unreachable.
type Result struct {
	Reachable bool   `json:"reachable"`
	BaseURL   string `json:"baseUrl,omitempty"`
}

// Option applies a configuration option to the Prober.
type Option func(*Prober)

// WithHTTPClient sets the client used for health checks.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Prober) {
		if c != nil {
			p.client = c
		}
	}
}

// WithHealthPath sets the path appended to each candidate.
func WithHealthPath(path string) Option {
	return func(p *Prober) {
		if path != "" {
			p.healthPath = "/" + strings.TrimLeft(path, "/")
		}
	}
}

// WithLogger sets the prober logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Prober) {
		if l != nil {
			p.log = l
		}
	}
}

// Prober races health checks against candidate base URLs.
type Prober struct {
	client     *http.Client
	healthPath string
	log        logger.Logger
}

// NewProber creates a prober with configuration options.
func NewProber(opts ...Option) *Prober {
	p := &Prober{
		client:     &http.Client{},
		healthPath: defaultHealthPath,
		log:        logger.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe checks every candidate concurrently and returns the first one that
// answers 2xx within perRequest. It gives up after budget. Network errors,
// timeouts and non-2xx statuses all count as failure for that candidate.
func (p *Prober) Probe(ctx context.Context, candidates []string, perRequest, budget time.Duration) Result {
	start := time.Now()
	res := p.race(ctx, candidates, perRequest, budget)
	metrics.RecordProbe(res.Reachable, float64(time.Since(start).Milliseconds()))
	p.log.Debug(ctx, "connectivity probe settled",
		logger.Bool("reachable", res.Reachable),
		logger.String("base_url", res.BaseURL),
		logger.Int("candidates", len(candidates)),
		logger.Duration("elapsed", time.Since(start)))
	return res
}

func (p *Prober) race(ctx context.Context, candidates []string, perRequest, budget time.Duration) Result {
	if len(candidates) == 0 {
		return Result{}
	}
	if budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}
	// Losers are cancelled when we return; the buffer keeps their sends from blocking.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	winners := make(chan string, len(candidates))
	for _, base := range candidates {
		go func(base string) {
			if p.check(ctx, base, perRequest) {
				winners <- base
				return
			}
			winners <- ""
		}(base)
	}

	for range candidates {
		select {
		case <-ctx.Done():
			return Result{}
		case base := <-winners:
			if base != "" {
				return Result{Reachable: true, BaseURL: base}
			}
		}
	}
	return Result{}
}

func (p *Prober) check(ctx context.Context, base string, perRequest time.Duration) bool {
	if perRequest > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, perRequest)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+p.healthPath, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
