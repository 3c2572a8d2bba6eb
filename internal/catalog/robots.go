package catalog

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/temoto/robotstxt"
)

// RobotsGate answers whether the catalog's robots.txt lets the client fetch a URL.
// A nil gate allows everything.
type RobotsGate struct {
	group *robotstxt.Group
}

// LoadRobots fetches robots.txt from the host of baseURL.
// A missing robots.txt (4xx) allows everything.
func LoadRobots(ctx context.Context, client *http.Client, baseURL, userAgent string) (*RobotsGate, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse url for robots.txt: %w", err)
	}
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", u.Scheme, u.Host)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", robotsURL, err)
	}
	defer resp.Body.Close()

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", robotsURL, err)
	}
	return &RobotsGate{group: data.FindGroup(userAgent)}, nil
}

func (g *RobotsGate) Allowed(rawURL string) bool {
	if g == nil || g.group == nil {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return g.group.Test(path)
}
