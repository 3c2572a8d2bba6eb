// Package app wires the three harvesting stages: crawl, resolve and download.
package app

import (
	"context"
	"fmt"
	"time"

	"driver_mirror/internal/catalog"
	"driver_mirror/internal/config"
	"driver_mirror/internal/db"
	"driver_mirror/internal/downloader"
	"driver_mirror/internal/models"
	"driver_mirror/internal/partitions"
	"driver_mirror/internal/resolver"
	"driver_mirror/internal/retry"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gocloud.dev/blob"
	"golang.org/x/time/rate"
)

type Stage string

const (
	StageCrawl    Stage = "crawl"
	StageResolve  Stage = "resolve"
	StageDownload Stage = "download"
)

// AllStages is the order a full run executes in.
var AllStages = []Stage{StageCrawl, StageResolve, StageDownload}

// Harvester owns the store, the artifact bucket and the run id for one
// process run and builds each stage from the configuration.
type Harvester struct {
	config *config.HarvestConfig
	store  db.Store
	bucket *blob.Bucket
	runID  string
	log    zerolog.Logger
}

func NewHarvester(cfg *config.HarvestConfig, store db.Store, bucket *blob.Bucket, log zerolog.Logger) *Harvester {
	runID := uuid.NewString()
	return &Harvester{
		config: cfg,
		store:  store,
		bucket: bucket,
		runID:  runID,
		log:    log.With().Str("run_id", runID).Logger(),
	}
}

func (h *Harvester) RunID() string { return h.runID }

// Run executes stages in order. A stage error stops the run; unit-of-work
// failures inside a stage do not.
func (h *Harvester) Run(ctx context.Context, stages ...Stage) error {
	start := time.Now()
	for _, stage := range stages {
		var err error
		switch stage {
		case StageCrawl:
			_, err = h.Crawl(ctx)
		case StageResolve:
			_, err = h.Resolve(ctx)
		case StageDownload:
			_, err = h.Download(ctx)
		default:
			err = fmt.Errorf("unknown stage %q", stage)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", stage, err)
		}
	}
	h.log.Info().Dur("elapsed", time.Since(start)).Msg("run finished")
	return nil
}

// Crawl loads the partition file and crawls every partition not yet complete.
func (h *Harvester) Crawl(ctx context.Context) (CrawlStats, error) {
	parts, err := partitions.LoadFile(h.config.Partitions.File)
	if err != nil {
		return CrawlStats{}, err
	}
	return h.CrawlPartitions(ctx, parts)
}

func (h *Harvester) CrawlPartitions(ctx context.Context, parts []models.Partition) (CrawlStats, error) {
	cfg := h.config
	walker := catalog.NewWalker(cfg.Catalog, h.policy(), h.log)

	var robots *catalog.RobotsGate
	if cfg.Catalog.RespectRobots {
		gate, err := catalog.LoadRobots(ctx, catalog.NewHTTPClient(cfg.Catalog.Timeout()), cfg.Catalog.SearchURL, cfg.Catalog.UserAgent)
		if err != nil {
			h.log.Warn().Err(err).Msg("robots.txt unavailable, ignoring")
		} else {
			robots = gate
		}
	}

	sessionOpts := catalog.SessionOptions{
		UserAgent: cfg.Catalog.UserAgent,
		Timeout:   cfg.Catalog.Timeout(),
		Limiter:   h.limiter(),
	}
	s := NewScheduler(h.store, walker, cfg.Logic.CrawlWorkers, sessionOpts, robots, h.runID, h.log)
	return s.Run(ctx, parts)
}

func (h *Harvester) Resolve(ctx context.Context) (resolver.Stats, error) {
	cfg := h.config
	r := resolver.New(h.store, resolver.Options{
		URL:       cfg.Catalog.ResolveURL,
		UserAgent: cfg.Catalog.UserAgent,
		Workers:   cfg.Logic.ResolveWorkers,
		BatchSize: cfg.Logic.BatchSize,
		Timeout:   cfg.Catalog.Timeout(),
		Policy:    h.policy(),
		Limiter:   h.limiter(),
	}, h.log)
	return r.Run(ctx)
}

func (h *Harvester) Download(ctx context.Context) (downloader.Stats, error) {
	cfg := h.config
	opts := downloader.Options{
		Workers:   cfg.Logic.DownloadWorkers,
		ChunkSize: cfg.Logic.ChunkSize,
		UserAgent: cfg.Catalog.UserAgent,
		Timeout:   cfg.Catalog.Timeout(),
		Policy:    h.policy(),
		Limiter:   h.limiter(),
	}
	if cfg.Download.VerifyDigest {
		opts.Verifier = downloader.SHA1Verifier{}
	}
	return downloader.New(h.store, h.bucket, opts, h.log).Run(ctx)
}

func (h *Harvester) policy() retry.Policy {
	return retry.FromConfig(h.config.Retry)
}

// limiter returns a fresh limiter for one pool, or nil when no delay is configured.
func (h *Harvester) limiter() *rate.Limiter {
	delay := h.config.Logic.Delay()
	if delay <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(delay), 1)
}
