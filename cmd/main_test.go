package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"driver_mirror/internal/config"
	"driver_mirror/internal/testutils"
)

func TestRunUsage(t *testing.T) {
	if code := run(nil); code != ExitInvalidArgs {
		t.Errorf("no args: got exit %d", code)
	}
	if code := run([]string{"publish"}); code != ExitInvalidArgs {
		t.Errorf("unknown command: got exit %d", code)
	}
	if code := run([]string{"help"}); code != ExitSuccess {
		t.Errorf("help: got exit %d", code)
	}
}

func TestRunMissingConfig(t *testing.T) {
	code := run([]string{"crawl", "-config", filepath.Join(t.TempDir(), "missing.yaml")})
	if code != ExitConfigError {
		t.Errorf("got exit %d, want %d", code, ExitConfigError)
	}
}

func TestRunAll(t *testing.T) {
	dir := t.TempDir()
	c := testutils.NewCatalog(t, 25)
	c.AddPartition("10de", 27)

	vendors := filepath.Join(dir, "vendors.txt")
	if err := os.WriteFile(vendors, []byte("10DE NVIDIA Corporation\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	downloads := filepath.Join(dir, "out")
	cfgYAML := strings.Join([]string{
		"catalog:",
		"  search_url: " + c.SearchURL(),
		"  resolve_url: " + c.ResolveURL(),
		"  next_page_target: " + testutils.NextPageTarget,
		"db:",
		"  driver: sqlite",
		"  connection: " + filepath.Join(dir, "drivers.sqlite"),
		"partitions:",
		"  file: " + vendors,
		"download:",
		"  destination: " + downloads,
		"  verify_digest: true",
		"log:",
		"  level: warn",
		"  format: json",
	}, "\n")
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	if code := run([]string{"all", "-config", cfgPath}); code != ExitSuccess {
		t.Fatalf("got exit %d", code)
	}
	entries, err := os.ReadDir(downloads)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 27 {
		t.Errorf("expected 27 files, got %d", len(entries))
	}
	if c.PostbackCount("10de") != 1 {
		t.Errorf("expected one postback, got %d", c.PostbackCount("10de"))
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger(config.LogConfig{Level: "WARN", Format: "json"}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	log.Info().Msg("hidden")
	log.Warn().Str("partition", "10de").Msg("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"partition":"10de"`) {
		t.Errorf("unexpected log output %q", out)
	}

	if _, err := newLogger(config.LogConfig{Format: "xml"}, &buf); err == nil {
		t.Error("expected an error for an unknown format")
	}
	if _, err := newLogger(config.LogConfig{Level: "loud"}, &buf); err == nil {
		t.Error("expected an error for an unknown level")
	}
}
