package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"driver_mirror/internal/models"
)

func record(guid, partition, title string) models.DriverRecord {
	return models.DriverRecord{
		GUID:           guid,
		Partition:      partition,
		Title:          title,
		Products:       "Windows 10",
		Classification: "Drivers",
		Date:           time.Date(2019, 6, 3, 0, 0, 0, 0, time.UTC),
		Version:        "1.0.0.1",
		Size:           1024,
	}
}

// runStoreSuite checks the gateway contract; every backend runs it.
func runStoreSuite(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("upsert never overwrites", func(t *testing.T) {
		n, err := s.UpsertRecords(ctx, []models.DriverRecord{
			record("a-1", "8086", "first"),
			record("a-2", "8086", "second"),
		})
		if err != nil {
			t.Fatalf("UpsertRecords: %v", err)
		}
		if n != 2 {
			t.Errorf("expected 2 inserted, got %d", n)
		}

		n, err = s.UpsertRecords(ctx, []models.DriverRecord{
			record("a-1", "10de", "changed"),
			record("a-3", "8086", "third"),
		})
		if err != nil {
			t.Fatalf("UpsertRecords again: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 inserted, got %d", n)
		}

		rec, err := s.GetRecord(ctx, "a-1")
		if err != nil {
			t.Fatalf("GetRecord: %v", err)
		}
		if rec.Title != "first" || rec.Partition != "8086" {
			t.Errorf("descriptive fields changed: %+v", rec)
		}
		if !rec.Date.Equal(time.Date(2019, 6, 3, 0, 0, 0, 0, time.UTC)) {
			t.Errorf("unexpected date %v", rec.Date)
		}
		if rec.DownloadURL != nil {
			t.Errorf("expected unresolved record, got %v", *rec.DownloadURL)
		}
	})

	t.Run("missing record", func(t *testing.T) {
		if _, err := s.GetRecord(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("progress completion", func(t *testing.T) {
		markers := []models.ProgressMarker{
			{Partition: "p-done", Page: 1, TotalPages: 2},
			{Partition: "p-done", Page: 2, TotalPages: 2},
			{Partition: "p-partial", Page: 1, TotalPages: 3},
			{Partition: "p-empty", Page: 0, TotalPages: 0},
		}
		for _, m := range markers {
			if err := s.AppendProgress(ctx, m); err != nil {
				t.Fatalf("AppendProgress: %v", err)
			}
		}

		todo, err := PartitionsNeedingCrawl(ctx, s, []string{"p-done", "p-partial", "p-empty", "p-new"})
		if err != nil {
			t.Fatalf("PartitionsNeedingCrawl: %v", err)
		}
		if len(todo) != 2 || todo[0] != "p-partial" || todo[1] != "p-new" {
			t.Errorf("unexpected partitions to crawl: %v", todo)
		}
	})

	t.Run("save page", func(t *testing.T) {
		n, err := s.SavePage(ctx, []models.DriverRecord{record("b-1", "p-page", "x")},
			models.ProgressMarker{Partition: "p-page", Page: 1, TotalPages: 1, RunID: "run"})
		if err != nil {
			t.Fatalf("SavePage: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 inserted, got %d", n)
		}
		done, err := s.CompletedPartitions(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := done["p-page"]; !ok {
			t.Errorf("expected p-page complete, got %v", done)
		}
	})

	t.Run("resolution is monotonic", func(t *testing.T) {
		pending, err := s.PendingResolution(ctx)
		if err != nil {
			t.Fatalf("PendingResolution: %v", err)
		}
		if len(pending) != 4 {
			t.Fatalf("expected 4 pending, got %v", pending)
		}

		n, err := s.UpdateResolution(ctx, []models.Resolution{
			{GUID: "a-1", URL: "http://dl/x/one.cab", Digest: "d1"},
			{GUID: "a-2", URL: "http://dl/x/one.cab", Digest: "d1"},
			{GUID: "gone", URL: "http://dl/x/gone.cab", Digest: "d9"},
		})
		if err != nil {
			t.Fatalf("UpdateResolution: %v", err)
		}
		if n != 2 {
			t.Errorf("expected 2 updated, got %d", n)
		}

		ok, err := UpdateOne(ctx, s, "a-1", "http://dl/x/other.cab", "d2")
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Error("expected resolved record to stay unchanged")
		}
		rec, err := s.GetRecord(ctx, "a-1")
		if err != nil {
			t.Fatal(err)
		}
		if rec.DownloadURL == nil || *rec.DownloadURL != "http://dl/x/one.cab" || *rec.DownloadDigest != "d1" {
			t.Errorf("resolution overwritten: %+v", rec)
		}

		pending, err = s.PendingResolution(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(pending) != 2 || pending[0] != "a-3" || pending[1] != "b-1" {
			t.Errorf("unexpected pending after update: %v", pending)
		}

		urls, err := s.DistinctResolvedLocations(ctx)
		if err != nil {
			t.Fatalf("DistinctResolvedLocations: %v", err)
		}
		if len(urls) != 1 || urls[0] != "http://dl/x/one.cab" {
			t.Errorf("unexpected distinct urls: %v", urls)
		}

		digests, err := s.ResolvedDigests(ctx)
		if err != nil {
			t.Fatalf("ResolvedDigests: %v", err)
		}
		if len(digests) != 1 || digests["http://dl/x/one.cab"] != "d1" {
			t.Errorf("unexpected digests: %v", digests)
		}
	})
}
