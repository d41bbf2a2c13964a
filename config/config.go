// Package config loads the service configuration from a JSON file.
package config

import (
	"encoding/json"
	"os"
	"time"
)

// Config holds the app's configuration.
type Config struct {
	API struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	} `json:"api"`

	Downloader struct {
		// DownloadDir holds the finished artifacts served by the API.
		DownloadDir string `json:"download_dir"`

		// ScratchDir holds in-flight transfers. Defaults to a tmp
		// subdirectory of DownloadDir so promotion is a rename.
		ScratchDir string `json:"scratch_dir"`

		YTDLPPath  string `json:"ytdlp_path"`
		FFmpegPath string `json:"ffmpeg_path"`

		UserAgent string `json:"user_agent"`

		// InfoTimeoutSec bounds a metadata resolution run.
		InfoTimeoutSec int `json:"info_timeout"`

		// MimePattern validates transferred payloads. Empty keeps the
		// built-in default; "off" disables validation.
		MimePattern string `json:"mime_pattern"`
	} `json:"downloader"`

	Cleanup struct {
		// RetentionSec is how long finished artifacts stay on disk.
		RetentionSec int `json:"retention"`

		// GraceSec is how long a removed record stays pollable.
		GraceSec int `json:"grace"`
	} `json:"cleanup"`

	Cookies struct {
		Path string `json:"path"`
	} `json:"cookies"`

	Notifier struct {
		// Backend selects the delivery backend ("http" or "kafka").
		// Empty disables completion callbacks.
		Backend     string `json:"backend"`
		Concurrency int    `json:"concurrency"`

		// Topic is the destination for the kafka backend.
		Topic string `json:"topic"`
	} `json:"notifier"`

	// Backends carries per-backend settings passed through verbatim.
	Backends map[string]map[string]interface{} `json:"backends"`
}

// Parse loads a given file name and creates a Configuration.
func Parse(filename string) (Config, error) {
	cfg := Config{}
	f, err := os.Open(filename)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.UseNumber()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Downloader.DownloadDir == "" {
		cfg.Downloader.DownloadDir = "downloads"
	}
	if cfg.Downloader.ScratchDir == "" {
		cfg.Downloader.ScratchDir = cfg.Downloader.DownloadDir + "/tmp"
	}
	if cfg.Downloader.InfoTimeoutSec <= 0 {
		cfg.Downloader.InfoTimeoutSec = 30
	}
	if cfg.Cleanup.RetentionSec <= 0 {
		cfg.Cleanup.RetentionSec = 3600
	}
	if cfg.Cleanup.GraceSec <= 0 {
		cfg.Cleanup.GraceSec = 300
	}
	if cfg.Cookies.Path == "" {
		cfg.Cookies.Path = "cookies/cookies.txt"
	}
	if cfg.Notifier.Concurrency <= 0 {
		cfg.Notifier.Concurrency = 2
	}
}

// Retention returns the artifact retention as a duration.
func (cfg *Config) Retention() time.Duration {
	return time.Duration(cfg.Cleanup.RetentionSec) * time.Second
}

// Grace returns the record purge grace as a duration.
func (cfg *Config) Grace() time.Duration {
	return time.Duration(cfg.Cleanup.GraceSec) * time.Second
}

// InfoTimeout returns the metadata resolution bound as a duration.
func (cfg *Config) InfoTimeout() time.Duration {
	return time.Duration(cfg.Downloader.InfoTimeoutSec) * time.Second
}
