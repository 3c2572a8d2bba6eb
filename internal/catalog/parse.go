package catalog

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"driver_mirror/internal/models"

	"github.com/PuerkitoBio/goquery"
)

var (
	ErrParse                = errors.New("catalog: unparsable results page")
	ErrMissingPostbackField = errors.New("catalog: postback field not found")
)

var (
	reWhitespace = regexp.MustCompile(`\s+`)
	// 1 - 25 of 294 (page 1 of 12)
	reSummary = regexp.MustCompile(`\d+ - \d+ of (\d+) \(page (\d+) of (\d+)\)`)
	reGUID    = regexp.MustCompile(`"([0-9a-fA-F]+(?:-[0-9a-fA-F]+)+)"`)
)

const dateLayout = "1/2/2006"

// Result table columns; 0 and 7 hold the checkbox and the download button.
const (
	colTitle = iota + 1
	colProducts
	colClassification
	colDate
	colVersion
	colSize
)

func normalizeText(text string) string {
	text = reWhitespace.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// ParsePage extracts the summary and the result rows of a search page.
// A page without a summary, or with the no-results banner, is returned as
// page 0 of 0 with no records.
func ParsePage(doc *goquery.Document, partition string) (models.CatalogPage, error) {
	page := models.CatalogPage{
		Partition:  partition,
		SearchTerm: normalizeText(doc.Find("[id$=searchString]").First().Text()),
	}

	if doc.Find("[id$=noResultText]").Length() > 0 {
		return page, nil
	}

	total, current, pages, ok := parseSummary(doc)
	if !ok {
		return page, nil
	}
	page.TotalResults = total
	page.Page = current
	page.TotalPages = pages

	records, err := parseTable(doc, partition)
	if err != nil {
		return page, fmt.Errorf("page %d of %d: %w", current, pages, err)
	}
	page.Records = records
	return page, nil
}

func parseSummary(doc *goquery.Document) (total, current, pages int, ok bool) {
	text := normalizeText(doc.Find("[id$=searchDuration]").First().Text())
	m := reSummary.FindStringSubmatch(text)
	if m == nil {
		return 0, 0, 0, false
	}
	total, _ = strconv.Atoi(m[1])
	current, _ = strconv.Atoi(m[2])
	pages, _ = strconv.Atoi(m[3])
	return total, current, pages, true
}

func parseTable(doc *goquery.Document, partition string) ([]models.DriverRecord, error) {
	table := doc.Find("table[id$=updateMatches]").First()
	if table.Length() == 0 {
		return nil, fmt.Errorf("%w: result table missing", ErrParse)
	}

	rows := table.Find("tr").FilterFunction(func(_ int, tr *goquery.Selection) bool {
		return tr.Closest("table").IsSelection(table)
	})

	var records []models.DriverRecord
	var rowErr error
	rows.EachWithBreak(func(i int, tr *goquery.Selection) bool {
		// first row holds the headings
		if i == 0 {
			return true
		}
		rec, err := parseRow(tr)
		if err != nil {
			rowErr = fmt.Errorf("row %d: %w", i, err)
			return false
		}
		rec.Partition = partition
		records = append(records, rec)
		return true
	})
	if rowErr != nil {
		return nil, rowErr
	}
	return records, nil
}

func parseRow(tr *goquery.Selection) (models.DriverRecord, error) {
	var rec models.DriverRecord

	cells := tr.ChildrenFiltered("td")
	if cells.Length() <= colSize {
		return rec, fmt.Errorf("%w: expected at least %d cells, got %d", ErrParse, colSize+1, cells.Length())
	}
	cell := func(col int) *goquery.Selection { return cells.Eq(col) }
	text := func(col int) string { return normalizeText(cell(col).Text()) }

	onclick, _ := cell(colTitle).Find("a").First().Attr("onclick")
	m := reGUID.FindStringSubmatch(onclick)
	if m == nil {
		return rec, fmt.Errorf("%w: no update id in %q", ErrParse, onclick)
	}
	rec.GUID = strings.ToLower(m[1])
	rec.Title = text(colTitle)
	rec.Products = text(colProducts)
	rec.Classification = text(colClassification)
	rec.Version = text(colVersion)

	date, err := time.Parse(dateLayout, text(colDate))
	if err != nil {
		return rec, fmt.Errorf("%w: date: %v", ErrParse, err)
	}
	rec.Date = date

	sizeText := normalizeText(cell(colSize).Find("[id$=originalSize]").First().Text())
	size, err := strconv.ParseInt(sizeText, 10, 64)
	if err != nil {
		return rec, fmt.Errorf("%w: size %q: %v", ErrParse, sizeText, err)
	}
	rec.Size = size

	return rec, nil
}

// Postback carries the hidden form state that advances a search to its next page.
type Postback struct {
	ViewState       string
	EventValidation string
	EventTarget     string
}

func (p Postback) Form() map[string]string {
	return map[string]string{
		"__VIEWSTATE":       p.ViewState,
		"__EVENTVALIDATION": p.EventValidation,
		"__EVENTTARGET":     p.EventTarget,
	}
}

// ParsePostback reads the view-state and event-validation inputs of a page.
func ParsePostback(doc *goquery.Document, target string) (Postback, error) {
	viewState, ok := doc.Find("input[name=__VIEWSTATE]").First().Attr("value")
	if !ok {
		return Postback{}, fmt.Errorf("%w: __VIEWSTATE", ErrMissingPostbackField)
	}
	validation, ok := doc.Find("input[name=__EVENTVALIDATION]").First().Attr("value")
	if !ok {
		return Postback{}, fmt.Errorf("%w: __EVENTVALIDATION", ErrMissingPostbackField)
	}
	return Postback{ViewState: viewState, EventValidation: validation, EventTarget: target}, nil
}
