// Package catalog walks the paginated, session-stateful search of the update catalog.
//
// Each partition is a strict chain of requests: the first page is a GET, every
// later page is a form postback that replays the view-state and
// event-validation tokens of the page before it. A partition is therefore
// always walked by one Session, one request at a time.
package catalog

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"time"

	"driver_mirror/internal/config"
	"driver_mirror/internal/models"
	"driver_mirror/internal/retry"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
)

type Walker struct {
	searchURL      string
	queryTemplate  string
	nextPageTarget string
	policy         retry.Policy
	log            zerolog.Logger
}

func NewWalker(cfg config.CatalogConfig, policy retry.Policy, log zerolog.Logger) *Walker {
	return &Walker{
		searchURL:      cfg.SearchURL,
		queryTemplate:  cfg.QueryTemplate,
		nextPageTarget: cfg.NextPageTarget,
		policy:         policy,
		log:            log.With().Str("stage", "crawl").Logger(),
	}
}

// SearchURL is the first-page URL for a partition.
func (w *Walker) SearchURL(partition string) (string, error) {
	u, err := url.Parse(w.searchURL)
	if err != nil {
		return "", fmt.Errorf("parse search url: %w", err)
	}
	q := u.Query()
	q.Set("q", fmt.Sprintf(w.queryTemplate, partition))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Walk fetches every page of partition in order and hands each to fn.
//
// A partition without results yields a single page numbered 0 with no
// records. Walk stops at the first error: a failed request, an unparsable
// page, a page missing its postback tokens, or an error returned by fn.
func (w *Walker) Walk(ctx context.Context, sess *Session, partition string, fn func(models.CatalogPage) error) error {
	log := w.log.With().Str("partition", partition).Logger()

	first, err := w.SearchURL(partition)
	if err != nil {
		return err
	}
	resp, err := w.fetch(ctx, log, func() (*Response, error) { return sess.Get(ctx, first) })
	if err != nil {
		return fmt.Errorf("partition %s: first page: %w", partition, err)
	}

	prev := 0
	for {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
		if err != nil {
			return fmt.Errorf("partition %s: %w: %v", partition, ErrParse, err)
		}

		page, err := ParsePage(doc, partition)
		if err != nil {
			return fmt.Errorf("partition %s: %w", partition, err)
		}
		if page.Page == 0 && prev > 0 {
			return fmt.Errorf("partition %s: %w: results vanished after page %d", partition, ErrParse, prev)
		}
		if page.Page != 0 && page.Page <= prev {
			return fmt.Errorf("partition %s: %w: page %d does not advance past %d", partition, ErrParse, page.Page, prev)
		}

		if page.Page == 0 {
			log.Info().Str("search", page.SearchTerm).Msg("no results")
		} else {
			log.Info().
				Str("search", page.SearchTerm).
				Int("results", page.TotalResults).
				Int("page", page.Page).
				Int("total_pages", page.TotalPages).
				Int("records", len(page.Records)).
				Msg("page fetched")
		}

		if err := fn(page); err != nil {
			return err
		}
		if !page.HasNext() {
			return nil
		}
		prev = page.Page

		postback, err := ParsePostback(doc, w.nextPageTarget)
		if err != nil {
			return fmt.Errorf("partition %s: page %d: %w", partition, page.Page, err)
		}

		target := resp.URL
		resp, err = w.fetch(ctx, log, func() (*Response, error) { return sess.Post(ctx, target, postback.Form()) })
		if err != nil {
			return fmt.Errorf("partition %s: page %d: %w", partition, page.Page+1, err)
		}
	}
}

func (w *Walker) fetch(ctx context.Context, log zerolog.Logger, call func() (*Response, error)) (*Response, error) {
	policy := w.policy
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		log.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("retrying catalog request")
	}

	var resp *Response
	err := policy.Do(ctx, func() error {
		var err error
		resp, err = call()
		return err
	})
	return resp, err
}
