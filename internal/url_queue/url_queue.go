package urlqueue

import (
	"net/url"
	"path"
	"strings"
	"sync"
)

// Item is one download location and the file name it is stored under.
// Source is the location exactly as stored; URL is what gets requested.
type Item struct {
	URL    string
	Source string
	Name   string
}

// URLQueue is a FIFO of download locations, deduplicated by file name.
// Workers drain it with Get until it reports empty.
type URLQueue struct {
	names map[string]string
	queue []Item
	mu    sync.Mutex
}

func NewURLQueue() *URLQueue {
	return &URLQueue{
		names: make(map[string]string),
		queue: make([]Item, 0),
	}
}

// Add queues rawURL unless its file name is empty or already taken.
// When the name is taken, the URL that holds it is returned.
func (q *URLQueue) Add(rawURL string) (Item, string, bool) {
	item := Item{URL: NormalizeURL(rawURL), Source: rawURL, Name: FileName(rawURL)}
	if item.Name == "" {
		return item, "", false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if owner, ok := q.names[item.Name]; ok {
		return item, owner, false
	}
	q.names[item.Name] = item.URL
	q.queue = append(q.queue, item)
	return item, "", true
}

func (q *URLQueue) Get() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.queue) == 0 {
		return Item{}, false
	}
	item := q.queue[0]
	q.queue = q.queue[1:]
	return item, true
}

func (q *URLQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// NormalizeURL drops the fragment, which is never sent to the server.
func NormalizeURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	parsed.Fragment = ""
	return parsed.String()
}

// FileName is the unescaped final path segment of rawURL, or "" when the
// path ends in a slash or the segment cannot be a file name.
func FileName(rawURL string) string {
	p := rawURL
	if parsed, err := url.Parse(rawURL); err == nil {
		p = parsed.Path
	} else if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if p == "" || strings.HasSuffix(p, "/") {
		return ""
	}
	name := path.Base(p)
	if name == "." || name == ".." || name == "/" || strings.ContainsAny(name, `/\`) {
		return ""
	}
	return name
}
