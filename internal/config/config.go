package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	DefaultUserAgent      = "Mozilla/5.0 (Windows NT 6.1; WOW64; Trident/7.0; rv:11.0) like Gecko"
	DefaultSearchURL      = "https://www.catalog.update.microsoft.com/Search.aspx"
	DefaultResolveURL     = "https://www.catalog.update.microsoft.com/DownloadDialog.aspx"
	DefaultQueryTemplate  = `pci\ven_%s`
	DefaultNextPageTarget = "ctl00$catalogBody$nextPageLinkText"
)

type CatalogConfig struct {
	SearchURL      string `yaml:"search_url"`
	ResolveURL     string `yaml:"resolve_url"`
	UserAgent      string `yaml:"user_agent"`
	QueryTemplate  string `yaml:"query_template"`
	NextPageTarget string `yaml:"next_page_target"`
	TimeoutSec     int    `yaml:"timeout_sec"`
	RespectRobots  bool   `yaml:"respect_robots"`
}

type DBConfig struct {
	Driver      string `yaml:"driver"`
	Connection  string `yaml:"connection"`
	Database    string `yaml:"database"`
	Collections struct {
		Drivers string `yaml:"drivers"`
		Visited string `yaml:"visited"`
	} `yaml:"collections"`
}

type PartitionsConfig struct {
	File string `yaml:"file"`
}

type LogicConfig struct {
	CrawlWorkers    int `yaml:"crawl_workers"`
	ResolveWorkers  int `yaml:"resolve_workers"`
	DownloadWorkers int `yaml:"download_workers"`
	BatchSize       int `yaml:"batch_size"`
	ChunkSize       int `yaml:"chunk_size"`
	DelayMS         int `yaml:"delay_ms"`
}

type RetryConfig struct {
	Attempts          int  `yaml:"attempts"`
	BackoffMS         int  `yaml:"backoff_ms"`
	MaxBackoffMS      int  `yaml:"max_backoff_ms"`
	RetryServerErrors bool `yaml:"retry_server_errors"`
}

type DownloadConfig struct {
	Destination  string `yaml:"destination"`
	VerifyDigest bool   `yaml:"verify_digest"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type HarvestConfig struct {
	Catalog    CatalogConfig    `yaml:"catalog"`
	DB         DBConfig         `yaml:"db"`
	Partitions PartitionsConfig `yaml:"partitions"`
	Logic      LogicConfig      `yaml:"logic"`
	Retry      RetryConfig      `yaml:"retry"`
	Download   DownloadConfig   `yaml:"download"`
	Log        LogConfig        `yaml:"log"`
}

// Default returns the configuration used when the file leaves a value unset.
func Default() HarvestConfig {
	cfg := HarvestConfig{
		Catalog: CatalogConfig{
			SearchURL:      DefaultSearchURL,
			ResolveURL:     DefaultResolveURL,
			UserAgent:      DefaultUserAgent,
			QueryTemplate:  DefaultQueryTemplate,
			NextPageTarget: DefaultNextPageTarget,
			TimeoutSec:     60,
		},
		DB: DBConfig{
			Driver:     "sqlite",
			Connection: "drivers_pci.sqlite",
			Database:   "drivers",
		},
		Partitions: PartitionsConfig{File: "pcivendorids.txt"},
		Logic: LogicConfig{
			CrawlWorkers:    4,
			ResolveWorkers:  4,
			DownloadWorkers: 6,
			BatchSize:       20,
			ChunkSize:       32 * 1024,
		},
		Retry: RetryConfig{
			Attempts:     3,
			BackoffMS:    1000,
			MaxBackoffMS: 30000,
		},
		Download: DownloadConfig{Destination: "pci_downloads"},
		Log:      LogConfig{Level: "info", Format: "console"},
	}
	cfg.DB.Collections.Drivers = "drivers"
	cfg.DB.Collections.Visited = "visited"
	return cfg
}

// LoadConfig reads a YAML file over the defaults.
func LoadConfig(path string) (*HarvestConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*HarvestConfig, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *HarvestConfig) Validate() error {
	switch c.DB.Driver {
	case "mongo", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown db driver %q", c.DB.Driver)
	}
	if c.DB.Connection == "" {
		return errors.New("config: db.connection is required")
	}
	if c.Catalog.SearchURL == "" || c.Catalog.ResolveURL == "" {
		return errors.New("config: catalog.search_url and catalog.resolve_url are required")
	}
	if c.Logic.CrawlWorkers <= 0 || c.Logic.ResolveWorkers <= 0 || c.Logic.DownloadWorkers <= 0 {
		return errors.New("config: worker counts must be positive")
	}
	if c.Logic.BatchSize <= 0 {
		return errors.New("config: logic.batch_size must be positive")
	}
	if c.Logic.ChunkSize <= 0 {
		return errors.New("config: logic.chunk_size must be positive")
	}
	if c.Retry.Attempts < 0 {
		return errors.New("config: retry.attempts must not be negative")
	}
	if c.Download.Destination == "" {
		return errors.New("config: download.destination is required")
	}
	return nil
}

func (c CatalogConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func (l LogicConfig) Delay() time.Duration {
	return time.Duration(l.DelayMS) * time.Millisecond
}
