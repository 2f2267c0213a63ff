// Package release moves chunked artifacts between the pipeline and its
// release store: downloading the previous run's output to seed a fresh
// working directory, and atomically publishing a finished run's output.
package release

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hazyhaar/jlcdb/chunker"
)

// ErrNoManifest means the release store has no previous artifact. The
// pipeline treats this as a bootstrap run, not a failure.
var ErrNoManifest = errors.New("release: no manifest at source")

// Config configures the artifact client.
type Config struct {
	Timeout time.Duration // per-request HTTP timeout. Default: 60s.
	// MaxChunkBytes caps a single downloaded file. Default: 256MB.
	MaxChunkBytes int64
	// MaxAttempts bounds retries per file. Default: 3.
	MaxAttempts int
	// BackoffBase is the first retry wait, doubled each attempt.
	// Default: 1s.
	BackoffBase time.Duration
	UserAgent   string
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxChunkBytes <= 0 {
		c.MaxChunkBytes = 256 * 1024 * 1024
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "jlcdb/1.0"
	}
}

// Client downloads chunked artifacts over HTTP.
type Client struct {
	http   *http.Client
	config Config
	logger *slog.Logger
}

// NewClient creates a Client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:   &http.Client{Timeout: cfg.Timeout},
		config: cfg,
		logger: logger,
	}
}

// FetchArtifact downloads the manifest at baseURL and every chunk it names
// into destDir, then returns the parsed manifest. Chunk integrity is the
// assembler's job; this only moves bytes. A 404 on the manifest returns
// ErrNoManifest.
func (c *Client) FetchArtifact(ctx context.Context, baseURL, destDir string) (*chunker.Manifest, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create dest dir: %w", err)
	}

	manifestPath := filepath.Join(destDir, chunker.ManifestName)
	if err := c.download(ctx, baseURL+"/"+chunker.ManifestName, manifestPath); err != nil {
		if errors.Is(err, errNotFound) {
			return nil, ErrNoManifest
		}
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}

	manifest, err := chunker.LoadManifest(destDir)
	if err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	for _, chunk := range manifest.Chunks {
		dest := filepath.Join(destDir, chunk.FileName)
		if err := c.download(ctx, baseURL+"/"+chunk.FileName, dest); err != nil {
			return nil, fmt.Errorf("fetch chunk %s: %w", chunk.FileName, err)
		}
	}

	c.logger.InfoContext(ctx, "fetched artifact",
		"artifact", manifest.OriginalName,
		"chunks", manifest.TotalChunks,
		"bytes", manifest.OriginalSize)
	return manifest, nil
}

var errNotFound = errors.New("not found")

// download fetches one URL to destPath with bounded retries. 404 is final,
// never retried.
func (c *Client) download(ctx context.Context, url, destPath string) error {
	var lastErr error
	for attempt := 0; attempt < c.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := c.config.BackoffBase * (1 << uint(attempt-1))
			c.logger.WarnContext(ctx, "retrying download",
				"url", url, "attempt", attempt+1, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		lastErr = c.downloadOnce(ctx, url, destPath)
		if lastErr == nil || errors.Is(lastErr, errNotFound) || ctx.Err() != nil {
			return lastErr
		}
	}
	return fmt.Errorf("download %s failed after %d attempts: %w", url, c.config.MaxAttempts, lastErr)
}

func (c *Client) downloadOnce(ctx context.Context, url, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".download-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, io.LimitReader(resp.Body, c.config.MaxChunkBytes+1))
	if err != nil {
		tmp.Close()
		return fmt.Errorf("read body: %w", err)
	}
	if n > c.config.MaxChunkBytes {
		tmp.Close()
		return fmt.Errorf("response exceeds %d byte cap", c.config.MaxChunkBytes)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), destPath); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// Publisher stages finished artifacts into the release directory.
type Publisher struct {
	releaseDir string
	logger     *slog.Logger
}

// NewPublisher creates a Publisher targeting releaseDir.
func NewPublisher(releaseDir string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{releaseDir: releaseDir, logger: logger}
}

// Publish moves each named artifact directory under the release directory,
// replacing what was there. Every source is verified to exist before the
// first move, and each artifact lands via a staging rename, so a crash
// mid-publish never leaves a half-written artifact in place of a good one.
func (p *Publisher) Publish(ctx context.Context, artifacts map[string]string) error {
	for name, src := range artifacts {
		info, err := os.Stat(src)
		if err != nil {
			return fmt.Errorf("publish %s: %w", name, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("publish %s: %s is not a directory", name, src)
		}
	}
	if err := os.MkdirAll(p.releaseDir, 0o755); err != nil {
		return fmt.Errorf("create release dir: %w", err)
	}

	for name, src := range artifacts {
		dest := filepath.Join(p.releaseDir, name)
		staging := dest + ".staging"
		if err := os.RemoveAll(staging); err != nil {
			return fmt.Errorf("publish %s: %w", name, err)
		}
		if err := os.Rename(src, staging); err != nil {
			return fmt.Errorf("publish %s: stage: %w", name, err)
		}
		if err := os.RemoveAll(dest); err != nil {
			return fmt.Errorf("publish %s: %w", name, err)
		}
		if err := os.Rename(staging, dest); err != nil {
			return fmt.Errorf("publish %s: %w", name, err)
		}
		p.logger.InfoContext(ctx, "published artifact", "artifact", name, "path", dest)
	}
	return nil
}
