// Package partitions loads the vendor id to display name mapping that drives the crawl.
package partitions

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"driver_mirror/internal/models"
)

// LoadFile reads a vendor file: one "<id> <name>" pair per line.
// Blank lines and lines starting with '#' are skipped.
func LoadFile(path string) ([]models.Partition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open partition file: %w", err)
	}
	defer f.Close()

	return Load(f)
}

func Load(r io.Reader) ([]models.Partition, error) {
	seen := make(map[string]bool)
	var parts []models.Partition

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		id := strings.ToLower(fields[0])
		name := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
		if seen[id] {
			continue
		}
		seen[id] = true
		parts = append(parts, models.Partition{ID: id, Name: name})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read partition file at line %d: %w", lineNo, err)
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].ID < parts[j].ID })
	return parts, nil
}

func IDs(parts []models.Partition) []string {
	ids := make([]string, len(parts))
	for i, p := range parts {
		ids[i] = p.ID
	}
	return ids
}
