package db

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"driver_mirror/internal/config"
	"driver_mirror/internal/models"
)

var (
	ErrUnknownDriver = errors.New("db: unknown driver")
	ErrNotFound      = errors.New("db: record not found")
)

// Store is the persistence gateway shared by all three stages.
//
// Inserts never overwrite: a record whose GUID is already stored is skipped
// and not counted. Resolutions only fill records whose download URL is unset.
type Store interface {
	UpsertRecords(ctx context.Context, records []models.DriverRecord) (int, error)
	AppendProgress(ctx context.Context, marker models.ProgressMarker) error
	// SavePage stores a page's records and its progress marker together.
	SavePage(ctx context.Context, records []models.DriverRecord, marker models.ProgressMarker) (int, error)
	CompletedPartitions(ctx context.Context) (map[string]models.ProgressMarker, error)
	PendingResolution(ctx context.Context) ([]string, error)
	DistinctResolvedLocations(ctx context.Context) ([]string, error)
	// ResolvedDigests maps each resolved location to the digest stored with it.
	ResolvedDigests(ctx context.Context) (map[string]string, error)
	UpdateResolution(ctx context.Context, resolutions []models.Resolution) (int, error)
	GetRecord(ctx context.Context, guid string) (*models.DriverRecord, error)
	Close() error
}

// Open connects to the backend named by cfg.Driver and prepares its schema.
func Open(ctx context.Context, cfg config.DBConfig) (Store, error) {
	switch cfg.Driver {
	case "mongo":
		return NewMongoDB(ctx, cfg)
	case "sqlite":
		return NewSQLite(ctx, cfg.Connection)
	case "postgres":
		return NewPostgres(ctx, cfg.Connection)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// PartitionsNeedingCrawl filters candidates down to partitions without a
// completing progress marker, keeping the candidate order.
//
// Completion compares against the largest total_pages ever recorded, so a
// catalog that shrinks between runs can leave a partition looking unfinished
// and one that grows can look finished.
func PartitionsNeedingCrawl(ctx context.Context, s Store, candidates []string) ([]string, error) {
	done, err := s.CompletedPartitions(ctx)
	if err != nil {
		return nil, err
	}
	var todo []string
	for _, id := range candidates {
		if _, ok := done[id]; !ok {
			todo = append(todo, id)
		}
	}
	return todo, nil
}

// UpdateOne is the single-record form of Store.UpdateResolution.
func UpdateOne(ctx context.Context, s Store, guid, url, digest string) (bool, error) {
	n, err := s.UpdateResolution(ctx, []models.Resolution{{GUID: guid, URL: url, Digest: digest}})
	return n == 1, err
}

type partitionMax struct {
	partition  string
	page       int
	totalPages int
}

func completedFrom(rows []partitionMax) map[string]models.ProgressMarker {
	done := make(map[string]models.ProgressMarker)
	for _, r := range rows {
		if r.page == 0 || r.page == r.totalPages {
			done[r.partition] = models.ProgressMarker{Partition: r.partition, Page: r.page, TotalPages: r.totalPages}
		}
	}
	return done
}

func sortedStrings(s []string) []string {
	sort.Strings(s)
	return s
}
