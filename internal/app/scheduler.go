package app

import (
	"context"
	"fmt"
	"sync"

	"driver_mirror/internal/catalog"
	"driver_mirror/internal/db"
	"driver_mirror/internal/models"
	"driver_mirror/internal/partitions"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type CrawlStats struct {
	Partitions int
	// AlreadyDone counts partitions a previous run completed.
	AlreadyDone int
	Completed   int
	Failed      int
	Pages       int
	Inserted    int
}

// Scheduler crawls partitions on a bounded pool, one partition per worker
// slot. Each partition gets a fresh session; its pages are fetched and
// persisted strictly in order.
type Scheduler struct {
	store       db.Store
	walker      *catalog.Walker
	workers     int
	sessionOpts catalog.SessionOptions
	robots      *catalog.RobotsGate
	runID       string
	log         zerolog.Logger

	mu    sync.Mutex
	stats CrawlStats
}

func NewScheduler(store db.Store, walker *catalog.Walker, workers int, opts catalog.SessionOptions, robots *catalog.RobotsGate, runID string, log zerolog.Logger) *Scheduler {
	if workers <= 0 {
		workers = 4
	}
	return &Scheduler{
		store:       store,
		walker:      walker,
		workers:     workers,
		sessionOpts: opts,
		robots:      robots,
		runID:       runID,
		log:         log.With().Str("stage", "crawl").Logger(),
	}
}

// Run crawls every partition that has no completing progress marker.
// A failing partition is logged and left resumable; it never stops the others.
func (s *Scheduler) Run(ctx context.Context, parts []models.Partition) (CrawlStats, error) {
	names := make(map[string]string, len(parts))
	for _, p := range parts {
		names[p.ID] = p.Name
	}
	ids := partitions.IDs(parts)

	todo, err := db.PartitionsNeedingCrawl(ctx, s.store, ids)
	if err != nil {
		return CrawlStats{}, fmt.Errorf("select partitions needing crawl: %w", err)
	}
	s.stats = CrawlStats{Partitions: len(ids), AlreadyDone: len(ids) - len(todo)}
	s.log.Info().Int("partitions", len(ids)).Int("todo", len(todo)).Int("workers", s.workers).Msg("crawling")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, id := range todo {
		if gctx.Err() != nil {
			break
		}
		log := s.log.With().Str("partition", id).Str("name", names[id]).Logger()
		g.Go(func() error {
			pages, inserted, err := s.crawlPartition(gctx, log, id)
			s.mu.Lock()
			s.stats.Pages += pages
			s.stats.Inserted += inserted
			if err != nil {
				s.stats.Failed++
			} else {
				s.stats.Completed++
			}
			s.mu.Unlock()
			if err != nil {
				log.Error().Err(err).Int("pages", pages).Msg("partition failed")
				return nil
			}
			log.Info().Int("pages", pages).Int("inserted", inserted).Msg("partition done")
			return nil
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	stats := s.stats
	s.mu.Unlock()
	s.log.Info().
		Int("completed", stats.Completed).
		Int("failed", stats.Failed).
		Int("already_done", stats.AlreadyDone).
		Int("pages", stats.Pages).
		Int("inserted", stats.Inserted).
		Msg("crawl finished")
	return stats, ctx.Err()
}

func (s *Scheduler) crawlPartition(ctx context.Context, log zerolog.Logger, partition string) (pages, inserted int, err error) {
	if s.robots != nil {
		first, err := s.walker.SearchURL(partition)
		if err != nil {
			return 0, 0, err
		}
		if !s.robots.Allowed(first) {
			return 0, 0, fmt.Errorf("search %s disallowed by robots.txt", first)
		}
	}

	sess := catalog.NewSession(s.sessionOpts)
	err = s.walker.Walk(ctx, sess, partition, func(page models.CatalogPage) error {
		n, err := s.store.SavePage(ctx, page.Records, page.Marker(s.runID))
		if err != nil {
			return fmt.Errorf("save page %d: %w", page.Page, err)
		}
		pages++
		inserted += n
		log.Debug().Int("page", page.Page).Int("inserted", n).Int("records", len(page.Records)).Msg("page saved")
		return nil
	})
	return pages, inserted, err
}
