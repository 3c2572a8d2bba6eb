// Package testutils provides a fake update catalog for tests.
//
// The fake mimics the stateful search: the first page is a GET that starts an
// ASP.NET-style session cookie, and every later page must be requested with a
// POST that echoes the previous page's __VIEWSTATE and __EVENTVALIDATION
// tokens from the same session.
package testutils

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"driver_mirror/internal/models"
)

const (
	NextPageTarget = "ctl00$catalogBody$nextPageLinkText"
	sessionCookie  = "ASP.NET_SessionId"
)

// Driver is one catalog entry and, optionally, its downloadable payload.
type Driver struct {
	GUID           string
	Title          string
	Products       string
	Classification string
	Date           string
	Version        string
	Size           int64
	FileName       string
	Data           []byte
}

type Catalog struct {
	Server   *httptest.Server
	PageSize int

	mu         sync.Mutex
	partitions map[string][]Driver
	byGUID     map[string]Driver

	// DropTokens lists partitions whose pages omit the postback inputs.
	DropTokens map[string]bool
	// EmptyAfter makes pages past the given number show the no-results banner.
	EmptyAfter map[string]int
	// SearchStatus forces a status code on every search request of a partition.
	SearchStatus map[string]int
	// ResolveStatus forces a status code on every resolution request.
	ResolveStatus int
	// UpperEcho makes the resolution endpoint echo GUIDs in upper case.
	UpperEcho bool
	// FileStatus forces a status code on a file download.
	FileStatus map[string]int

	Searches     map[string]int
	Postbacks    map[string]int
	ResolveSizes []int
	Downloads    map[string]int
	UserAgents   map[string]bool
	BadPostbacks int
}

func NewCatalog(t *testing.T, pageSize int) *Catalog {
	t.Helper()
	c := &Catalog{
		PageSize:     pageSize,
		partitions:   make(map[string][]Driver),
		byGUID:       make(map[string]Driver),
		DropTokens:   make(map[string]bool),
		EmptyAfter:   make(map[string]int),
		SearchStatus: make(map[string]int),
		FileStatus:   make(map[string]int),
		Searches:     make(map[string]int),
		Postbacks:    make(map[string]int),
		Downloads:    make(map[string]int),
		UserAgents:   make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/Search.aspx", c.handleSearch)
	mux.HandleFunc("/DownloadDialog.aspx", c.handleResolve)
	mux.HandleFunc("/d/", c.handleFile)
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow: /private/\n")
	})
	c.Server = httptest.NewServer(mux)
	t.Cleanup(c.Server.Close)
	return c
}

func (c *Catalog) SearchURL() string  { return c.Server.URL + "/Search.aspx" }
func (c *Catalog) ResolveURL() string { return c.Server.URL + "/DownloadDialog.aspx" }
func (c *Catalog) FileURL(name string) string {
	return c.Server.URL + "/d/" + name
}

// AddPartition registers n generated drivers for a vendor id.
func (c *Catalog) AddPartition(vid string, n int) []Driver {
	drivers := make([]Driver, n)
	for i := range drivers {
		drivers[i] = GenerateDriver(vid, i)
	}
	c.AddDrivers(vid, drivers...)
	return drivers
}

func (c *Catalog) AddDrivers(vid string, drivers ...Driver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partitions[vid] = append(c.partitions[vid], drivers...)
	for _, d := range drivers {
		c.byGUID[d.GUID] = d
	}
}

// GenerateDriver builds a deterministic driver entry.
func GenerateDriver(vid string, i int) Driver {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s/%d", vid, i)))
	h := fmt.Sprintf("%x", sum[:16])
	guid := h[0:8] + "-" + h[8:12] + "-" + h[12:16] + "-" + h[16:20] + "-" + h[20:32]
	data := []byte(strings.Repeat(fmt.Sprintf("%s-%d;", vid, i), 50+i))
	return Driver{
		GUID:           guid,
		Title:          fmt.Sprintf("Vendor %s - Display adapter %d", vid, i),
		Products:       "Windows 10 and later drivers",
		Classification: "Drivers (Other Hardware)",
		Date:           fmt.Sprintf("%d/%d/2019", i%12+1, i%28+1),
		Version:        fmt.Sprintf("10.0.%d.1", i),
		Size:           int64(len(data)),
		FileName:       fmt.Sprintf("%s_%d.cab", vid, i),
		Data:           data,
	}
}

// Record is the row the catalog shows for d under partition vid.
func (d Driver) Record(vid string) models.DriverRecord {
	date, _ := time.Parse("1/2/2006", d.Date)
	return models.DriverRecord{
		GUID:           d.GUID,
		Partition:      vid,
		Title:          d.Title,
		Products:       d.Products,
		Classification: d.Classification,
		Date:           date,
		Version:        d.Version,
		Size:           d.Size,
	}
}

// Digest is the base64 SHA-1 the resolution endpoint reports for a payload.
func Digest(data []byte) string {
	sum := sha1.Sum(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func (c *Catalog) PostbackCount(vid string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Postbacks[vid]
}

func (c *Catalog) SearchCount(vid string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Searches[vid]
}

func (c *Catalog) DownloadCount(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Downloads[name]
}

func (c *Catalog) ResolveBatchSizes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.ResolveSizes...)
}

func (c *Catalog) handleSearch(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.UserAgents[r.UserAgent()] = true

	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query().Get("q")
		idx := strings.Index(strings.ToLower(q), `ven_`)
		if idx < 0 {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		vid := q[idx+len("ven_"):]
		c.Searches[vid]++
		if code := c.SearchStatus[vid]; code != 0 {
			w.WriteHeader(code)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "s-" + vid, Path: "/"})
		c.writePage(w, q, vid, 1)

	case http.MethodPost:
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		vid, page, ok := parseToken(r.PostForm.Get("__VIEWSTATE"), "vs")
		vid2, page2, ok2 := parseToken(r.PostForm.Get("__EVENTVALIDATION"), "ev")
		cookie, err := r.Cookie(sessionCookie)
		if !ok || !ok2 || vid != vid2 || page != page2 || err != nil || cookie.Value != "s-"+vid ||
			r.PostForm.Get("__EVENTTARGET") != NextPageTarget {
			c.BadPostbacks++
			http.Error(w, "invalid postback", http.StatusInternalServerError)
			return
		}
		c.Postbacks[vid]++
		if code := c.SearchStatus[vid]; code != 0 {
			w.WriteHeader(code)
			return
		}
		c.writePage(w, r.URL.Query().Get("q"), vid, page+1)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func parseToken(token, prefix string) (string, int, bool) {
	parts := strings.Split(token, ":")
	if len(parts) != 3 || parts[0] != prefix {
		return "", 0, false
	}
	page, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", 0, false
	}
	return parts[1], page, true
}

func (c *Catalog) writePage(w http.ResponseWriter, query, vid string, page int) {
	drivers := c.partitions[vid]
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	var b strings.Builder
	b.WriteString("<!DOCTYPE html><html><head><title>Microsoft Update Catalog</title></head><body>")
	b.WriteString(`<form method="post" id="aspnetForm">`)
	fmt.Fprintf(&b, `<span id="ctl00_catalogBody_searchString">%s</span>`, html.EscapeString(query))

	if n := c.EmptyAfter[vid]; n > 0 && page > n {
		drivers = nil
	}
	if len(drivers) == 0 {
		b.WriteString(`<span id="ctl00_catalogBody_noResultText">We did not find any results for your search.</span>`)
		b.WriteString("</form></body></html>")
		fmt.Fprint(w, b.String())
		return
	}

	totalPages := (len(drivers) + c.PageSize - 1) / c.PageSize
	if page > totalPages {
		http.Error(w, "page out of range", http.StatusInternalServerError)
		return
	}
	start := (page - 1) * c.PageSize
	end := start + c.PageSize
	if end > len(drivers) {
		end = len(drivers)
	}
	fmt.Fprintf(&b, `<span id="ctl00_catalogBody_searchDuration">%d - %d of %d (page %d of %d)</span>`,
		start+1, end, len(drivers), page, totalPages)

	b.WriteString(`<table id="ctl00_catalogBody_updateMatches" class="resultsBorder">`)
	b.WriteString(`<tr><td></td><td>Title</td><td>Products</td><td>Classification</td>` +
		`<td>Last Updated</td><td>Version</td><td>Size</td><td></td></tr>`)
	for i, d := range drivers[start:end] {
		row := fmt.Sprintf("ctl00_catalogBody_updateMatches_r%d", start+i)
		fmt.Fprintf(&b, `<tr id="%s">`, row)
		b.WriteString(`<td><input type="checkbox"></td>`)
		fmt.Fprintf(&b, `<td><a id="%s_link" href="javascript:void(0);" onclick='goToDetails("%s");'>
			%s
		</a></td>`, row, d.GUID, html.EscapeString(d.Title))
		fmt.Fprintf(&b, `<td>%s</td>`, html.EscapeString(d.Products))
		fmt.Fprintf(&b, `<td>%s</td>`, html.EscapeString(d.Classification))
		fmt.Fprintf(&b, `<td>%s</td>`, d.Date)
		fmt.Fprintf(&b, `<td>%s</td>`, d.Version)
		fmt.Fprintf(&b, `<td><span id="%s_size">%d KB</span><span id="%s_originalSize" style="display:none">%d</span></td>`,
			row, d.Size/1024, row, d.Size)
		fmt.Fprintf(&b, `<td><input type="button" value="Download" id="%s"></td>`, d.GUID)
		b.WriteString("</tr>")
	}
	b.WriteString("</table>")

	if !c.DropTokens[vid] {
		fmt.Fprintf(&b, `<input type="hidden" name="__VIEWSTATE" id="__VIEWSTATE" value="vs:%s:%d">`, vid, page)
		fmt.Fprintf(&b, `<input type="hidden" name="__EVENTVALIDATION" id="__EVENTVALIDATION" value="ev:%s:%d">`, vid, page)
	}
	b.WriteString("</form></body></html>")
	fmt.Fprint(w, b.String())
}

func (c *Catalog) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var ids []struct {
		UpdateID string `json:"updateID"`
	}
	if err := json.Unmarshal([]byte(r.PostForm.Get("updateIDs")), &ids); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c.mu.Lock()
	c.UserAgents[r.UserAgent()] = true
	c.ResolveSizes = append(c.ResolveSizes, len(ids))
	status := c.ResolveStatus
	upper := c.UpperEcho
	c.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	var b strings.Builder
	b.WriteString("<html><head><script type=\"text/javascript\">\n")
	b.WriteString("var downloadInformation = new Array();\n")
	n := 0
	for _, id := range ids {
		c.mu.Lock()
		d, ok := c.byGUID[id.UpdateID]
		c.mu.Unlock()
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "downloadInformation[%d] = new Object();\n", n)
		fmt.Fprintf(&b, "downloadInformation[%d].enTitle ='%s';\n", n, d.Title)
		guid := d.GUID
		if upper {
			guid = strings.ToUpper(guid)
		}
		fmt.Fprintf(&b, "downloadInformation[%d].updateID ='%s';\n", n, guid)
		fmt.Fprintf(&b, "downloadInformation[%d].files = new Array();\n", n)
		fmt.Fprintf(&b, "downloadInformation[%d].files[0] = new Object();\n", n)
		fmt.Fprintf(&b, "downloadInformation[%d].files[0].url = '%s';\n", n, c.FileURL(d.FileName))
		fmt.Fprintf(&b, "downloadInformation[%d].files[0].digest = '%s';\n", n, Digest(d.Data))
		fmt.Fprintf(&b, "downloadInformation[%d].files[0].architectures = 'AMD64';\n", n)
		n++
	}
	b.WriteString("</script></head><body></body></html>\n")
	fmt.Fprint(w, b.String())
}

func (c *Catalog) handleFile(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/d/")

	c.mu.Lock()
	c.UserAgents[r.UserAgent()] = true
	c.Downloads[name]++
	status := c.FileStatus[name]
	var data []byte
	found := false
	for _, d := range c.byGUID {
		if d.FileName == name {
			data, found = d.Data, true
			break
		}
	}
	c.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if !found {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.ms-cab-compressed")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}
