// Package resolver maps pending update ids to download locations in batches.
//
// Batches are posted by a pool of workers, each with its own HTTP client.
// Parsed results flow to a single writer goroutine, which is the only place
// the store is updated.
package resolver

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"driver_mirror/internal/catalog"
	"driver_mirror/internal/db"
	"driver_mirror/internal/models"
	"driver_mirror/internal/retry"

	"github.com/rs/zerolog"
	"golang.org/x/net/html/charset"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type Options struct {
	URL       string
	UserAgent string
	Workers   int
	BatchSize int
	Timeout   time.Duration
	Policy    retry.Policy
	// Limiter is shared by all workers; nil means unlimited.
	Limiter *rate.Limiter
	// NewClient builds each worker's client. Defaults to catalog.NewHTTPClient.
	NewClient func() *http.Client
}

type Stats struct {
	Pending  int
	Batches  int
	Failed   int
	Resolved int
	Updated  int
}

type Resolver struct {
	store db.Store
	opts  Options
	log   zerolog.Logger
}

func New(store db.Store, opts Options, log zerolog.Logger) *Resolver {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.NewClient == nil {
		timeout := opts.Timeout
		opts.NewClient = func() *http.Client { return catalog.NewHTTPClient(timeout) }
	}
	return &Resolver{
		store: store,
		opts:  opts,
		log:   log.With().Str("stage", "resolve").Logger(),
	}
}

type batch struct {
	n   int
	ids []string
}

type batchResult struct {
	batch
	resolutions []models.Resolution
	err         error
}

// Run resolves every record currently missing a download location.
// A failed batch is logged and counted; Run only fails when the pending
// set cannot be read.
func (r *Resolver) Run(ctx context.Context) (Stats, error) {
	ids, err := r.store.PendingResolution(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("select pending resolution: %w", err)
	}
	batches := Chunk(ids, r.opts.BatchSize)
	stats := Stats{Pending: len(ids), Batches: len(batches)}
	if len(batches) == 0 {
		r.log.Info().Msg("nothing to resolve")
		return stats, nil
	}
	r.log.Info().Int("pending", len(ids)).Int("batches", len(batches)).Int("workers", r.opts.Workers).Msg("resolving")

	work := make(chan batch)
	results := make(chan batchResult)
	writerDone := r.startWriter(ctx, results, &stats)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(work)
		for i, ids := range batches {
			select {
			case work <- batch{n: i, ids: ids}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	for w := 0; w < r.opts.Workers; w++ {
		client := r.opts.NewClient()
		log := r.log.With().Int("worker", w).Logger()
		g.Go(func() error {
			for b := range work {
				res, err := r.resolveBatch(gctx, client, log, b)
				results <- batchResult{batch: b, resolutions: res, err: err}
			}
			return nil
		})
	}

	err = g.Wait()
	close(results)
	<-writerDone

	r.log.Info().
		Int("batches", stats.Batches).
		Int("failed", stats.Failed).
		Int("resolved", stats.Resolved).
		Int("updated", stats.Updated).
		Msg("resolve finished")
	return stats, err
}

// startWriter applies batch results one at a time. Writes use a context that
// survives cancellation so batches already fetched are not lost on shutdown.
func (r *Resolver) startWriter(ctx context.Context, results <-chan batchResult, stats *Stats) <-chan struct{} {
	done := make(chan struct{})
	wctx := context.WithoutCancel(ctx)
	go func() {
		defer close(done)
		for res := range results {
			log := r.log.With().Int("batch", res.n).Int("size", len(res.ids)).Logger()
			if res.err != nil {
				stats.Failed++
				log.Error().Err(res.err).Msg("batch dropped")
				continue
			}
			n, err := r.store.UpdateResolution(wctx, res.resolutions)
			if err != nil {
				stats.Failed++
				log.Error().Err(err).Msg("store resolutions")
				continue
			}
			stats.Resolved += len(res.resolutions)
			stats.Updated += n
			log.Debug().Int("resolved", len(res.resolutions)).Int("updated", n).Msg("batch stored")
		}
	}()
	return done
}

func (r *Resolver) resolveBatch(ctx context.Context, client *http.Client, log zerolog.Logger, b batch) ([]models.Resolution, error) {
	payload, err := BuildPayload(b.ids)
	if err != nil {
		return nil, err
	}

	policy := r.opts.Policy
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		log.Warn().Err(err).Int("batch", b.n).Int("attempt", attempt).Dur("wait", wait).Msg("retrying resolution request")
	}

	var out []models.Resolution
	err = policy.Do(ctx, func() error {
		var err error
		out, err = r.post(ctx, client, payload)
		return err
	})
	return out, err
}

func (r *Resolver) post(ctx context.Context, client *http.Client, payload string) ([]models.Resolution, error) {
	if r.opts.Limiter != nil {
		if err := r.opts.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	form := url.Values{"updateIDs": {payload}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.opts.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", r.opts.UserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &retry.StatusError{Code: resp.StatusCode, URL: r.opts.URL}
	}

	body, err := charset.NewReader(resp.Body, resp.Header.Get("Content-Type"))
	if err != nil {
		return ParseResponse(resp.Body)
	}
	return ParseResponse(body)
}
