package resolver

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"driver_mirror/internal/models"
)

// downloadInformation[0].files[0].url = 'http://...';
var reAssignment = regexp.MustCompile(`^downloadInformation\[(\d+)\].*\b(updateID|digest|url)\s*=\s*'(.*)'`)

const maxLine = 1 << 20

// Chunk splits ids into consecutive groups of at most size elements.
func Chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	var out [][]string
	for len(ids) > 0 {
		n := min(size, len(ids))
		out = append(out, ids[:n:n])
		ids = ids[n:]
	}
	return out
}

type updateID struct {
	UpdateID string `json:"updateID"`
}

// BuildPayload renders ids as the updateIDs form value: [{"updateID":"..."},...].
func BuildPayload(ids []string) (string, error) {
	list := make([]updateID, len(ids))
	for i, id := range ids {
		list[i] = updateID{UpdateID: id}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("encode update ids: %w", err)
	}
	return string(data), nil
}

// ParseResponse scans the download dialog script for per-index assignments
// of updateID, digest and url. Only indexes with all three present are
// returned, ordered by index. When an index lists several files the last
// url and digest win.
func ParseResponse(r io.Reader) ([]models.Resolution, error) {
	fields := make(map[int]map[string]string)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		m := reAssignment.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		rec, ok := fields[idx]
		if !ok {
			rec = make(map[string]string, 3)
			fields[idx] = rec
		}
		rec[m[2]] = m[3]
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan resolution response: %w", err)
	}

	indexes := make([]int, 0, len(fields))
	for idx, rec := range fields {
		if len(rec) == 3 {
			indexes = append(indexes, idx)
		}
	}
	sort.Ints(indexes)

	out := make([]models.Resolution, 0, len(indexes))
	for _, idx := range indexes {
		rec := fields[idx]
		out = append(out, models.Resolution{GUID: strings.ToLower(rec["updateID"]), URL: rec["url"], Digest: rec["digest"]})
	}
	return out, nil
}
