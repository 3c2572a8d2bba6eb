package resolver

import (
	"context"
	"net/http"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"driver_mirror/internal/db"
	"driver_mirror/internal/models"
	"driver_mirror/internal/retry"
	"driver_mirror/internal/testutils"

	"github.com/rs/zerolog"
)

func seedStore(t *testing.T, drivers []testutils.Driver, vid string) db.Store {
	t.Helper()
	ctx := context.Background()
	store, err := db.NewSQLite(ctx, filepath.Join(t.TempDir(), "drivers.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	records := make([]models.DriverRecord, len(drivers))
	for i, d := range drivers {
		records[i] = d.Record(vid)
	}
	if _, err := store.UpsertRecords(ctx, records); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return store
}

func newTestResolver(c *testutils.Catalog, store db.Store, workers int) *Resolver {
	return New(store, Options{
		URL:       c.ResolveURL(),
		UserAgent: "resolver-test",
		Workers:   workers,
		BatchSize: 20,
		Timeout:   5 * time.Second,
		Policy:    retry.Policy{},
	}, zerolog.Nop())
}

func TestResolverBatches(t *testing.T) {
	c := testutils.NewCatalog(t, 25)
	drivers := c.AddPartition("p1", 45)
	store := seedStore(t, drivers, "p1")

	stats, err := newTestResolver(c, store, 1).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := c.ResolveBatchSizes(); !reflect.DeepEqual(got, []int{20, 20, 5}) {
		t.Errorf("expected batch sizes [20 20 5], got %v", got)
	}
	if stats.Pending != 45 || stats.Batches != 3 || stats.Failed != 0 || stats.Updated != 45 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if !c.UserAgents["resolver-test"] {
		t.Error("user agent not sent")
	}

	ctx := context.Background()
	pending, err := store.PendingResolution(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("expected nothing pending, got %d", len(pending))
	}

	rec, err := store.GetRecord(ctx, drivers[7].GUID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.DownloadURL == nil || *rec.DownloadURL != c.FileURL(drivers[7].FileName) {
		t.Errorf("unexpected download url %v", rec.DownloadURL)
	}
	if rec.DownloadDigest == nil || *rec.DownloadDigest != testutils.Digest(drivers[7].Data) {
		t.Errorf("unexpected digest %v", rec.DownloadDigest)
	}
}

func TestResolverUpperCaseEcho(t *testing.T) {
	c := testutils.NewCatalog(t, 25)
	drivers := c.AddPartition("p1", 3)
	c.UpperEcho = true
	store := seedStore(t, drivers, "p1")

	stats, err := newTestResolver(c, store, 1).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Updated != 3 {
		t.Errorf("expected all 3 rows updated, got %+v", stats)
	}
	pending, err := store.PendingResolution(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("expected nothing pending, got %v", pending)
	}
}

func TestResolverConcurrentWorkers(t *testing.T) {
	c := testutils.NewCatalog(t, 25)
	drivers := c.AddPartition("p2", 130)
	store := seedStore(t, drivers, "p2")

	stats, err := newTestResolver(c, store, 4).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Batches != 7 || stats.Updated != 130 || stats.Failed != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
	locations, err := store.DistinctResolvedLocations(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(locations) != 130 {
		t.Errorf("expected 130 locations, got %d", len(locations))
	}
}

func TestResolverDropsFailedBatches(t *testing.T) {
	c := testutils.NewCatalog(t, 25)
	drivers := c.AddPartition("p3", 25)
	store := seedStore(t, drivers, "p3")
	c.ResolveStatus = http.StatusInternalServerError

	stats, err := newTestResolver(c, store, 2).Run(context.Background())
	if err != nil {
		t.Fatalf("a failed batch must not fail the run: %v", err)
	}
	if stats.Batches != 2 || stats.Failed != 2 || stats.Updated != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if got := c.ResolveBatchSizes(); len(got) != 2 {
		t.Errorf("failed batches must not be retried or split by default, got requests %v", got)
	}

	pending, err := store.PendingResolution(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 25 {
		t.Errorf("expected all 25 records still pending, got %d", len(pending))
	}
}

func TestResolverNothingPending(t *testing.T) {
	c := testutils.NewCatalog(t, 25)
	store := seedStore(t, nil, "p4")

	stats, err := newTestResolver(c, store, 4).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Batches != 0 || len(c.ResolveBatchSizes()) != 0 {
		t.Errorf("expected no requests, got stats %+v", stats)
	}
}
