package db

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"driver_mirror/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

const dateLayout = "2006-01-02"

// SQLite is a single-file store. All writes go through one connection so
// concurrent crawl and resolve workers queue instead of failing with SQLITE_BUSY.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := path
	if !strings.Contains(dsn, "_pragma=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) UpsertRecords(ctx context.Context, records []models.DriverRecord) (int, error) {
	var inserted int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		inserted, err = insertRecordsTx(ctx, tx, records)
		return err
	})
	return inserted, err
}

func (s *SQLite) AppendProgress(ctx context.Context, marker models.ProgressMarker) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return appendProgressTx(ctx, tx, marker)
	})
}

func (s *SQLite) SavePage(ctx context.Context, records []models.DriverRecord, marker models.ProgressMarker) (int, error) {
	var inserted int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if inserted, err = insertRecordsTx(ctx, tx, records); err != nil {
			return err
		}
		return appendProgressTx(ctx, tx, marker)
	})
	return inserted, err
}

func insertRecordsTx(ctx context.Context, tx *sql.Tx, records []models.DriverRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO drivers
		(guid, pci_vid, title, products, classification, date, version, download_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (guid) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, r := range records {
		res, err := stmt.ExecContext(ctx, r.GUID, r.Partition, r.Title, r.Products,
			r.Classification, formatDate(r.Date), r.Version, r.Size)
		if err != nil {
			return 0, fmt.Errorf("insert driver %s: %w", r.GUID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}
	return inserted, nil
}

func appendProgressTx(ctx context.Context, tx *sql.Tx, m models.ProgressMarker) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO visited (vid, page, total_pages, run_id, visited_at) VALUES (?, ?, ?, ?, ?)`,
		m.Partition, m.Page, m.TotalPages, m.RunID, m.VisitedAt)
	if err != nil {
		return fmt.Errorf("insert progress marker: %w", err)
	}
	return nil
}

func (s *SQLite) CompletedPartitions(ctx context.Context) (map[string]models.ProgressMarker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT vid, MAX(page), MAX(total_pages) FROM visited GROUP BY vid`)
	if err != nil {
		return nil, fmt.Errorf("query progress: %w", err)
	}
	defer rows.Close()

	var maxes []partitionMax
	for rows.Next() {
		var m partitionMax
		if err := rows.Scan(&m.partition, &m.page, &m.totalPages); err != nil {
			return nil, err
		}
		maxes = append(maxes, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return completedFrom(maxes), nil
}

func (s *SQLite) PendingResolution(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, `SELECT guid FROM drivers WHERE download_url IS NULL ORDER BY guid`)
}

func (s *SQLite) DistinctResolvedLocations(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx,
		`SELECT DISTINCT download_url FROM drivers WHERE download_url IS NOT NULL ORDER BY download_url`)
}

func (s *SQLite) ResolvedDigests(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT download_url, MAX(COALESCE(download_digest, ''))
		FROM drivers WHERE download_url IS NOT NULL GROUP BY download_url`)
	if err != nil {
		return nil, fmt.Errorf("query digests: %w", err)
	}
	defer rows.Close()

	digests := make(map[string]string)
	for rows.Next() {
		var loc, digest string
		if err := rows.Scan(&loc, &digest); err != nil {
			return nil, err
		}
		digests[loc] = digest
	}
	return digests, rows.Err()
}

func (s *SQLite) queryStrings(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLite) UpdateResolution(ctx context.Context, resolutions []models.Resolution) (int, error) {
	updated := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`UPDATE drivers SET download_url = ?, download_digest = ? WHERE guid = ? AND download_url IS NULL`)
		if err != nil {
			return fmt.Errorf("prepare update: %w", err)
		}
		defer stmt.Close()

		for _, r := range resolutions {
			res, err := stmt.ExecContext(ctx, r.URL, r.Digest, r.GUID)
			if err != nil {
				return fmt.Errorf("update driver %s: %w", r.GUID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			updated += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

func (s *SQLite) GetRecord(ctx context.Context, guid string) (*models.DriverRecord, error) {
	var (
		rec  models.DriverRecord
		date sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `SELECT guid, pci_vid, title, products, classification, date,
		version, download_size, download_url, download_digest FROM drivers WHERE guid = ?`, guid).
		Scan(&rec.GUID, &rec.Partition, &rec.Title, &rec.Products, &rec.Classification, &date,
			&rec.Version, &rec.Size, &rec.DownloadURL, &rec.DownloadDigest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if date.Valid && date.String != "" {
		if rec.Date, err = time.Parse(dateLayout, date.String); err != nil {
			return nil, fmt.Errorf("parse stored date %q: %w", date.String, err)
		}
	}
	return &rec, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func formatDate(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.Format(dateLayout)
}
