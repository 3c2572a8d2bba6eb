package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"driver_mirror/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema/postgres.sql
var postgresSchema string

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create postgres schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

const (
	pgInsertDriver = `INSERT INTO drivers
		(guid, pci_vid, title, products, classification, date, version, download_size)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (guid) DO NOTHING`
	pgInsertVisited = `INSERT INTO visited (vid, page, total_pages, run_id, visited_at)
		VALUES ($1, $2, $3, $4, $5)`
	pgUpdateResolution = `UPDATE drivers SET download_url = $1, download_digest = $2
		WHERE guid = $3 AND download_url IS NULL`
)

func (p *Postgres) UpsertRecords(ctx context.Context, records []models.DriverRecord) (int, error) {
	return p.SavePage(ctx, records, models.ProgressMarker{})
}

func (p *Postgres) AppendProgress(ctx context.Context, marker models.ProgressMarker) error {
	_, err := p.pool.Exec(ctx, pgInsertVisited,
		marker.Partition, marker.Page, marker.TotalPages, marker.RunID, marker.VisitedAt)
	if err != nil {
		return fmt.Errorf("insert progress marker: %w", err)
	}
	return nil
}

// SavePage sends the inserts and the marker as one batch in one transaction.
// A zero-value marker (empty partition) is not written.
func (p *Postgres) SavePage(ctx context.Context, records []models.DriverRecord, marker models.ProgressMarker) (int, error) {
	batch := &pgx.Batch{}
	for _, r := range records {
		var date interface{}
		if !r.Date.IsZero() {
			date = r.Date
		}
		batch.Queue(pgInsertDriver, r.GUID, r.Partition, r.Title, r.Products,
			r.Classification, date, r.Version, r.Size)
	}
	if marker.Partition != "" {
		batch.Queue(pgInsertVisited,
			marker.Partition, marker.Page, marker.TotalPages, marker.RunID, marker.VisitedAt)
	}
	if batch.Len() == 0 {
		return 0, nil
	}

	inserted := 0
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		br := tx.SendBatch(ctx, batch)
		for i := range records {
			tag, err := br.Exec()
			if err != nil {
				br.Close()
				return fmt.Errorf("insert driver %s: %w", records[i].GUID, err)
			}
			inserted += int(tag.RowsAffected())
		}
		if marker.Partition != "" {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("insert progress marker: %w", err)
			}
		}
		return br.Close()
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func (p *Postgres) CompletedPartitions(ctx context.Context) (map[string]models.ProgressMarker, error) {
	rows, err := p.pool.Query(ctx, `SELECT vid, MAX(page), MAX(total_pages) FROM visited GROUP BY vid`)
	if err != nil {
		return nil, fmt.Errorf("query progress: %w", err)
	}
	maxes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (partitionMax, error) {
		var m partitionMax
		err := row.Scan(&m.partition, &m.page, &m.totalPages)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan progress: %w", err)
	}
	return completedFrom(maxes), nil
}

func (p *Postgres) PendingResolution(ctx context.Context) ([]string, error) {
	return p.queryStrings(ctx, `SELECT guid FROM drivers WHERE download_url IS NULL ORDER BY guid`)
}

func (p *Postgres) DistinctResolvedLocations(ctx context.Context) ([]string, error) {
	return p.queryStrings(ctx,
		`SELECT DISTINCT download_url FROM drivers WHERE download_url IS NOT NULL ORDER BY download_url`)
}

func (p *Postgres) ResolvedDigests(ctx context.Context) (map[string]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT download_url, MAX(COALESCE(download_digest, ''))
		FROM drivers WHERE download_url IS NOT NULL GROUP BY download_url`)
	if err != nil {
		return nil, fmt.Errorf("query digests: %w", err)
	}
	defer rows.Close()

	digests := make(map[string]string)
	var loc, digest string
	_, err = pgx.ForEachRow(rows, []any{&loc, &digest}, func() error {
		digests[loc] = digest
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan digests: %w", err)
	}
	return digests, nil
}

func (p *Postgres) queryStrings(ctx context.Context, query string) ([]string, error) {
	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (p *Postgres) UpdateResolution(ctx context.Context, resolutions []models.Resolution) (int, error) {
	if len(resolutions) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, r := range resolutions {
		batch.Queue(pgUpdateResolution, r.URL, r.Digest, r.GUID)
	}

	updated := 0
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		br := tx.SendBatch(ctx, batch)
		for _, r := range resolutions {
			tag, err := br.Exec()
			if err != nil {
				br.Close()
				return fmt.Errorf("update driver %s: %w", r.GUID, err)
			}
			updated += int(tag.RowsAffected())
		}
		return br.Close()
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

func (p *Postgres) GetRecord(ctx context.Context, guid string) (*models.DriverRecord, error) {
	var (
		rec  models.DriverRecord
		date *time.Time
	)
	err := p.pool.QueryRow(ctx, `SELECT guid, pci_vid, title, products, classification, date,
		version, download_size, download_url, download_digest FROM drivers WHERE guid = $1`, guid).
		Scan(&rec.GUID, &rec.Partition, &rec.Title, &rec.Products, &rec.Classification, &date,
			&rec.Version, &rec.Size, &rec.DownloadURL, &rec.DownloadDigest)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if date != nil {
		rec.Date = *date
	}
	return &rec, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
