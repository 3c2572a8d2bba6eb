package models

import "time"

// Partition is one crawl unit of the catalog (a PCI vendor id) and its display name.
type Partition struct {
	ID   string
	Name string
}

type DriverRecord struct {
	GUID           string    `bson:"_id"`
	Partition      string    `bson:"partition"`
	Title          string    `bson:"title"`
	Products       string    `bson:"products"`
	Classification string    `bson:"classification"`
	Date           time.Time `bson:"date"`
	Version        string    `bson:"version"`
	Size           int64     `bson:"download_size"`
	DownloadURL    *string   `bson:"download_url"`
	DownloadDigest *string   `bson:"download_digest"`
}

// ProgressMarker is appended after every page a partition crawl persists.
// Page == 0 marks a partition with no results.
type ProgressMarker struct {
	Partition  string `bson:"partition"`
	Page       int    `bson:"page"`
	TotalPages int    `bson:"total_pages"`
	RunID      string `bson:"run_id"`
	VisitedAt  int64  `bson:"visited_at"`
}

// Complete reports whether the marker closes its partition's crawl.
func (m ProgressMarker) Complete() bool {
	return m.Page == 0 || m.Page >= m.TotalPages
}

// Resolution is one parsed record of the download dialog response.
type Resolution struct {
	GUID   string
	URL    string
	Digest string
}

// CatalogPage is one parsed search result page.
type CatalogPage struct {
	Partition    string
	Records      []DriverRecord
	TotalResults int
	Page         int
	TotalPages   int
	SearchTerm   string
}

// Marker returns the progress marker recorded after the page is persisted.
func (p CatalogPage) Marker(runID string) ProgressMarker {
	return ProgressMarker{
		Partition:  p.Partition,
		Page:       p.Page,
		TotalPages: p.TotalPages,
		RunID:      runID,
		VisitedAt:  time.Now().Unix(),
	}
}

// HasNext reports whether a postback is needed to reach the next page.
func (p CatalogPage) HasNext() bool {
	return p.Page > 0 && p.Page < p.TotalPages
}
