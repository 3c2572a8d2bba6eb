// Package downloader mirrors resolved artifacts into a blob bucket.
//
// An artifact is stored under the final path segment of its location and its
// presence in the bucket is the only record that it was downloaded. Writes go
// through blob writers, which commit on Close; an aborted transfer leaves no
// object behind.
package downloader

import (
	"context"
	"fmt"
	"hash"
	"io"
	"net/http"
	"sync"
	"time"

	"driver_mirror/internal/catalog"
	"driver_mirror/internal/db"
	"driver_mirror/internal/retry"
	urlqueue "driver_mirror/internal/url_queue"

	"github.com/rs/zerolog"
	"gocloud.dev/blob"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type Options struct {
	// Workers is the number of parallel download workers.
	Workers int

	// ChunkSize is the copy buffer used to stream each body.
	ChunkSize int

	UserAgent string

	// Timeout bounds the wait for response headers.
	Timeout time.Duration

	Policy retry.Policy

	// Limiter is shared by all workers; nil means unlimited.
	Limiter *rate.Limiter

	// NewClient builds each worker's client. Defaults to catalog.NewHTTPClient.
	NewClient func() *http.Client

	// Verifier, when set, checks every artifact against its resolved digest.
	Verifier Verifier
}

type Stats struct {
	Locations  int
	Downloaded int
	Skipped    int
	Failed     int
	Bytes      int64
}

type Downloader struct {
	store  db.Store
	bucket *blob.Bucket
	opts   Options
	log    zerolog.Logger

	mu    sync.Mutex
	stats Stats
}

func New(store db.Store, bucket *blob.Bucket, opts Options, log zerolog.Logger) *Downloader {
	if opts.Workers <= 0 {
		opts.Workers = 6
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 32 * 1024
	}
	if opts.NewClient == nil {
		timeout := opts.Timeout
		opts.NewClient = func() *http.Client { return catalog.NewHTTPClient(timeout) }
	}
	return &Downloader{
		store:  store,
		bucket: bucket,
		opts:   opts,
		log:    log.With().Str("stage", "download").Logger(),
	}
}

// Run downloads every resolved location not yet present in the bucket.
// Per-file failures are logged and counted; Run only fails when the
// locations cannot be read.
func (d *Downloader) Run(ctx context.Context) (Stats, error) {
	locations, err := d.store.DistinctResolvedLocations(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("select resolved locations: %w", err)
	}
	var digests map[string]string
	if d.opts.Verifier != nil {
		if digests, err = d.store.ResolvedDigests(ctx); err != nil {
			return Stats{}, fmt.Errorf("select digests: %w", err)
		}
	}

	d.stats = Stats{Locations: len(locations)}
	queue := urlqueue.NewURLQueue()
	for _, loc := range locations {
		item, owner, ok := queue.Add(loc)
		if ok {
			continue
		}
		d.stats.Failed++
		if owner != "" {
			d.log.Error().Str("url", loc).Str("name", item.Name).Str("owner", owner).Msg("file name already taken by another location")
		} else {
			d.log.Error().Str("url", loc).Msg("location has no file name")
		}
	}
	d.log.Info().Int("locations", len(locations)).Int("queued", queue.Size()).Int("workers", d.opts.Workers).Msg("downloading")

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < d.opts.Workers; w++ {
		client := d.opts.NewClient()
		log := d.log.With().Int("worker", w).Logger()
		g.Go(func() error {
			return d.worker(gctx, client, log, queue, digests)
		})
	}
	err = g.Wait()

	d.mu.Lock()
	stats := d.stats
	d.mu.Unlock()
	d.log.Info().
		Int("downloaded", stats.Downloaded).
		Int("skipped", stats.Skipped).
		Int("failed", stats.Failed).
		Int64("bytes", stats.Bytes).
		Msg("download finished")
	return stats, err
}

func (d *Downloader) worker(ctx context.Context, client *http.Client, log zerolog.Logger, queue *urlqueue.URLQueue, digests map[string]string) error {
	buf := make([]byte, d.opts.ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		item, ok := queue.Get()
		if !ok {
			return nil
		}
		log := log.With().Str("url", item.URL).Str("name", item.Name).Logger()

		exists, err := d.bucket.Exists(ctx, item.Name)
		if err != nil {
			d.count(func(s *Stats) { s.Failed++ })
			log.Error().Err(err).Msg("check destination")
			continue
		}
		if exists {
			d.count(func(s *Stats) { s.Skipped++ })
			log.Debug().Msg("already downloaded")
			continue
		}

		n, err := d.fetch(ctx, client, log, item, digests[item.Source], buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.count(func(s *Stats) { s.Failed++ })
			log.Error().Err(err).Msg("download failed")
			continue
		}
		d.count(func(s *Stats) {
			s.Downloaded++
			s.Bytes += n
		})
		log.Info().Int64("bytes", n).Msg("downloaded")
	}
}

func (d *Downloader) count(fn func(*Stats)) {
	d.mu.Lock()
	fn(&d.stats)
	d.mu.Unlock()
}

func (d *Downloader) fetch(ctx context.Context, client *http.Client, log zerolog.Logger, item urlqueue.Item, digest string, buf []byte) (int64, error) {
	policy := d.opts.Policy
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		log.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("retrying download")
	}

	var n int64
	err := policy.Do(ctx, func() error {
		var err error
		n, err = d.download(ctx, client, item, digest, buf)
		return err
	})
	return n, err
}

// download streams one artifact into the bucket. Nothing is written until a
// 200 status is seen, and the writer is aborted on any later failure.
func (d *Downloader) download(ctx context.Context, client *http.Client, item urlqueue.Item, digest string, buf []byte) (int64, error) {
	if d.opts.Limiter != nil {
		if err := d.opts.Limiter.Wait(ctx); err != nil {
			return 0, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.URL, nil)
	if err != nil {
		return 0, err
	}
	if d.opts.UserAgent != "" {
		req.Header.Set("User-Agent", d.opts.UserAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &retry.StatusError{Code: resp.StatusCode, URL: item.URL}
	}

	wctx, abort := context.WithCancel(ctx)
	defer abort()

	w, err := d.bucket.NewWriter(wctx, item.Name, &blob.WriterOptions{
		BufferSize:  d.opts.ChunkSize,
		ContentType: resp.Header.Get("Content-Type"),
	})
	if err != nil {
		return 0, fmt.Errorf("open writer %s: %w", item.Name, err)
	}

	var dst io.Writer = w
	var h hash.Hash
	if d.opts.Verifier != nil {
		h = d.opts.Verifier.Hash()
		dst = io.MultiWriter(w, h)
	}

	// struct wrapper hides ReadFrom so the body is copied in ChunkSize pieces
	n, err := io.CopyBuffer(struct{ io.Writer }{dst}, resp.Body, buf)
	if err == nil && h != nil {
		err = d.opts.Verifier.Verify(h.Sum(nil), digest)
	}
	if err != nil {
		abort()
		w.Close()
		return n, err
	}
	if err := w.Close(); err != nil {
		return n, fmt.Errorf("commit %s: %w", item.Name, err)
	}
	return n, nil
}
