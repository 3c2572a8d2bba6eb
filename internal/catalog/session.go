package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"driver_mirror/internal/retry"

	"github.com/gocolly/colly"
	"golang.org/x/time/rate"
)

type SessionOptions struct {
	UserAgent string
	Timeout   time.Duration
	// Limiter is shared by all sessions of a pool; nil means unlimited.
	Limiter *rate.Limiter
	// Transport overrides the collector's HTTP transport.
	Transport http.RoundTripper
}

// Response is the body and final URL of a catalog page.
type Response struct {
	URL        string
	StatusCode int
	Body       []byte
}

// Session is one cookie-carrying browser identity against the catalog.
// A session belongs to a single worker; it is not safe for concurrent use.
type Session struct {
	collector *colly.Collector
	limiter   *rate.Limiter
	last      *colly.Response
}

func NewSession(opts SessionOptions) *Session {
	c := colly.NewCollector(
		colly.UserAgent(opts.UserAgent),
		colly.AllowURLRevisit(),
	)
	if opts.Timeout > 0 {
		c.SetRequestTimeout(opts.Timeout)
	}
	if opts.Transport != nil {
		c.WithTransport(opts.Transport)
	}

	s := &Session{collector: c, limiter: opts.Limiter}
	c.OnResponse(func(r *colly.Response) { s.last = r })
	c.OnError(func(r *colly.Response, err error) { s.last = r })
	return s
}

func (s *Session) Get(ctx context.Context, url string) (*Response, error) {
	return s.do(ctx, http.MethodGet, url, func() error {
		return s.collector.Visit(url)
	})
}

// Post submits form as application/x-www-form-urlencoded.
func (s *Session) Post(ctx context.Context, url string, form map[string]string) (*Response, error) {
	return s.do(ctx, http.MethodPost, url, func() error {
		return s.collector.Post(url, form)
	})
}

func (s *Session) do(ctx context.Context, method, url string, send func() error) (*Response, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.last = nil
	err := send()
	resp := s.last

	if resp != nil && resp.StatusCode != 0 && resp.StatusCode != http.StatusOK {
		return nil, &retry.StatusError{Code: resp.StatusCode, URL: url}
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	if resp == nil {
		return nil, errors.New("catalog: no response captured for " + url)
	}

	return &Response{
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
	}, nil
}
