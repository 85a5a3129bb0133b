// Package feeds polls external HTTP price sources.
package feeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/PhotizoAi/percolator-launch-sub002/middleware"
	"github.com/PhotizoAi/percolator-launch-sub002/models"
)

// Source names, also the keys of models.AssetRef.IDs.
const (
	Pyth      = "pyth"
	Binance   = "binance"
	CoinGecko = "coingecko"
	Jupiter   = "jupiter"
)

// Source fetches one price sample for an asset.
type Source interface {
	Name() string
	Fetch(ctx context.Context, asset models.AssetRef) (models.PriceSample, error)
}

// Options configure the HTTP plumbing shared by every source.
type Options struct {
	BaseURL string
	Timeout time.Duration
	// RPS bounds requests per second to this source.
	RPS            float64
	BreakerTimeout time.Duration
	Logger         *zap.SugaredLogger
}

// httpSource is the polite HTTP client underneath each source: a per-source
// rate limiter, a circuit breaker and classified errors.
type httpSource struct {
	name    string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	now     func() time.Time
}

func newHTTPSource(name, defaultBase string, opts Options) *httpSource {
	base := opts.BaseURL
	if base == "" {
		base = defaultBase
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.RPS <= 0 {
		opts.RPS = 2
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 60 * time.Second
	}
	return &httpSource{
		name:    name,
		baseURL: strings.TrimRight(base, "/"),
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(rate.Limit(opts.RPS), 1),
		breaker: middleware.NewBreaker("feed-"+name, opts.BreakerTimeout, opts.Logger),
		now:     time.Now,
	}
}

func (s *httpSource) Name() string {
	return s.name
}

func (s *httpSource) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	op := "fetch " + s.name
	if err := s.limiter.Wait(ctx); err != nil {
		return models.NewNonRetryable(op, err)
	}
	err := middleware.WithBreaker(s.breaker, func() error {
		return s.do(ctx, op, path, query, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return models.NewRetryable(op, err)
	}
	return err
}

func (s *httpSource) do(ctx context.Context, op, path string, query url.Values, out interface{}) error {
	u := s.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return models.NewNonRetryable(op, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return models.NewRetryable(op, fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return models.NewRetryable(op, models.ErrRateLimited)
	case resp.StatusCode >= 500:
		return models.NewRetryable(op, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.NewNonRetryable(op, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return models.NewNonRetryable(op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func (s *httpSource) assetID(asset models.AssetRef) (string, error) {
	id := asset.ID(s.name)
	if id == "" {
		return "", models.NewNonRetryable("fetch "+s.name, fmt.Errorf("%w: %s", models.ErrUnsupportedAsset, asset.Symbol))
	}
	return id, nil
}

func malformed(source, format string, args ...interface{}) error {
	return models.NewNonRetryable("fetch "+source, fmt.Errorf("malformed response: "+format, args...))
}

// New returns the named source.
func New(name string, opts Options) (Source, error) {
	switch name {
	case Pyth:
		return NewPyth(opts), nil
	case Binance:
		return NewBinance(opts), nil
	case CoinGecko:
		return NewCoinGecko(opts), nil
	case Jupiter:
		return NewJupiter(opts), nil
	default:
		return nil, fmt.Errorf("unknown price source %q", name)
	}
}
