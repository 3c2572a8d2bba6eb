package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"driver_mirror/internal/config"
	"driver_mirror/internal/db"
	"driver_mirror/internal/downloader"
	"driver_mirror/internal/models"
	"driver_mirror/internal/testutils"

	"github.com/rs/zerolog"
)

type harness struct {
	catalog *testutils.Catalog
	config  *config.HarvestConfig
	store   db.Store
	dir     string
}

func newHarness(t *testing.T, pageSize int) *harness {
	t.Helper()
	ctx := context.Background()
	tmp := t.TempDir()
	c := testutils.NewCatalog(t, pageSize)

	cfg := config.Default()
	cfg.Catalog.SearchURL = c.SearchURL()
	cfg.Catalog.ResolveURL = c.ResolveURL()
	cfg.Catalog.NextPageTarget = testutils.NextPageTarget
	cfg.Catalog.TimeoutSec = 5
	cfg.DB.Connection = filepath.Join(tmp, "drivers.sqlite")
	cfg.Partitions.File = filepath.Join(tmp, "pcivendorids.txt")
	cfg.Download.Destination = filepath.Join(tmp, "pci_downloads")
	cfg.Retry.Attempts = 0

	store, err := db.Open(ctx, cfg.DB)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return &harness{catalog: c, config: &cfg, store: store, dir: cfg.Download.Destination}
}

func (h *harness) writePartitions(t *testing.T, content string) {
	t.Helper()
	if err := os.WriteFile(h.config.Partitions.File, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) harvester(t *testing.T) *Harvester {
	t.Helper()
	bucket, err := downloader.OpenBucket(context.Background(), h.config.Download.Destination)
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	t.Cleanup(func() { bucket.Close() })
	return NewHarvester(h.config, h.store, bucket, zerolog.Nop())
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	return len(entries)
}

func TestFullRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 25)
	h.catalog.AddPartition("p1", 30)
	h.catalog.AddPartition("8086", 7)
	h.writePartitions(t, "# vendors\np1 Vendor One\n8086 Intel Corporation\n\ndead Nobody\n")

	if err := h.harvester(t).Run(ctx, AllStages...); err != nil {
		t.Fatalf("first run: %v", err)
	}

	done, err := h.store.CompletedPartitions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if m := done["p1"]; m.Page != 2 || m.TotalPages != 2 {
		t.Errorf("unexpected p1 marker %+v", m)
	}
	if m, ok := done["dead"]; !ok || m.Page != 0 {
		t.Errorf("empty partition should be complete with page 0, got %+v ok=%v", m, ok)
	}
	if h.catalog.PostbackCount("p1") != 1 {
		t.Errorf("expected one postback for p1, got %d", h.catalog.PostbackCount("p1"))
	}

	locations, err := h.store.DistinctResolvedLocations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(locations) != 37 {
		t.Errorf("expected 37 resolved locations, got %d", len(locations))
	}
	if n := countFiles(t, h.dir); n != 37 {
		t.Errorf("expected 37 files, got %d", n)
	}

	searches := h.catalog.SearchCount("p1") + h.catalog.SearchCount("8086") + h.catalog.SearchCount("dead")
	resolves := len(h.catalog.ResolveBatchSizes())

	second := h.harvester(t)
	crawl, err := second.Crawl(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if crawl.AlreadyDone != 3 || crawl.Pages != 0 {
		t.Errorf("second crawl should find everything done, got %+v", crawl)
	}
	res, err := second.Resolve(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Pending != 0 {
		t.Errorf("nothing should be pending, got %+v", res)
	}
	dl, err := second.Download(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if dl.Skipped != 37 || dl.Downloaded != 0 {
		t.Errorf("second download should skip everything, got %+v", dl)
	}

	after := h.catalog.SearchCount("p1") + h.catalog.SearchCount("8086") + h.catalog.SearchCount("dead")
	if after != searches || len(h.catalog.ResolveBatchSizes()) != resolves {
		t.Error("second run issued catalog requests")
	}
	for _, d := range []string{"p1_0.cab", "8086_6.cab"} {
		if n := h.catalog.DownloadCount(d); n != 1 {
			t.Errorf("%s downloaded %d times", d, n)
		}
	}
}

func TestCrawlIsolatesPartitionFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10)
	h.catalog.AddPartition("aaaa", 25)
	h.catalog.AddPartition("bbbb", 12)
	h.catalog.AddPartition("cccc", 4)
	h.catalog.DropTokens["aaaa"] = true
	h.catalog.SearchStatus["bbbb"] = 503

	parts := []models.Partition{{ID: "aaaa"}, {ID: "bbbb"}, {ID: "cccc"}}
	stats, err := h.harvester(t).CrawlPartitions(ctx, parts)
	if err != nil {
		t.Fatalf("crawl: %v", err)
	}
	if stats.Completed != 1 || stats.Failed != 2 || stats.Inserted != 14 {
		t.Errorf("unexpected stats %+v", stats)
	}

	todo, err := db.PartitionsNeedingCrawl(ctx, h.store, []string{"aaaa", "bbbb", "cccc"})
	if err != nil {
		t.Fatal(err)
	}
	if len(todo) != 2 || todo[0] != "aaaa" || todo[1] != "bbbb" {
		t.Errorf("failed partitions should stay resumable, got %v", todo)
	}

	// the catalog recovers; the next run resumes only the unfinished partitions
	h.catalog.DropTokens["aaaa"] = false
	delete(h.catalog.SearchStatus, "bbbb")

	stats, err = h.harvester(t).CrawlPartitions(ctx, parts)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Completed != 2 || stats.AlreadyDone != 1 || stats.Failed != 0 {
		t.Errorf("unexpected resume stats %+v", stats)
	}
	if stats.Inserted != 27 {
		t.Errorf("expected only the 27 new records, got %d", stats.Inserted)
	}
	if h.catalog.SearchCount("cccc") != 1 {
		t.Error("completed partition was crawled again")
	}

	pending, err := h.store.PendingResolution(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 41 {
		t.Errorf("expected 41 unique records, got %d", len(pending))
	}
}

func TestCrawlRespectsRobots(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10)
	h.catalog.AddPartition("abcd", 3)
	h.config.Catalog.RespectRobots = true

	stats, err := h.harvester(t).CrawlPartitions(ctx, []models.Partition{{ID: "abcd"}})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Completed != 1 {
		t.Errorf("search path is allowed, got %+v", stats)
	}

	h.config.Catalog.SearchURL = h.catalog.Server.URL + "/private/Search.aspx"
	stats, err = h.harvester(t).CrawlPartitions(ctx, []models.Partition{{ID: "ffff"}})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Failed != 1 || h.catalog.SearchCount("ffff") != 0 {
		t.Errorf("disallowed search should not be requested, got %+v", stats)
	}
}

func TestCrawlCanceled(t *testing.T) {
	h := newHarness(t, 10)
	h.catalog.AddPartition("abcd", 3)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	_, err := h.harvester(t).CrawlPartitions(ctx, []models.Partition{{ID: "abcd"}})
	if err == nil {
		t.Fatal("expected a context error")
	}
}

func TestRunUnknownStage(t *testing.T) {
	h := newHarness(t, 10)
	if err := h.harvester(t).Run(context.Background(), Stage("publish")); err == nil {
		t.Error("expected an error for an unknown stage")
	}
}
