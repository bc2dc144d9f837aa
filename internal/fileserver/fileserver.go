// Package fileserver distributes the audio file a Host is playing to its
// Clients over plain HTTP, and verifies the download against a content
// hash so a Client never plays a corrupted or tampered file (spec §6's
// track_announce url and fileHash fields).
package fileserver

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// HashFile computes the sha1 hex digest of the file at path, for embedding
// in a track_announce message. Grounded on the teacher's standard-library
// use of crypto primitives; sha1 here is a content-integrity check, not a
// security boundary, so the stdlib is the right tool (see DESIGN.md).
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("fileserver: open %s: %w", path, err)
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("fileserver: hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Server is the Host-side Echo application serving one track's bytes at a
// time under /tracks/{trackId}.
type Server struct {
	echo *echo.Echo

	dir     string
	trackID string
	fname   string
}

// New constructs a Server that serves files out of dir.
func New(dir string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, dir: dir}
	e.GET("/tracks/:trackId", s.handleGetTrack)
	return s
}

// Publish points the server at a new track file; subsequent GETs for
// trackID serve its bytes.
func (s *Server) Publish(trackID, fileName string) {
	s.trackID = trackID
	s.fname = fileName
}

func (s *Server) handleGetTrack(c echo.Context) error {
	trackID := c.Param("trackId")
	if trackID != s.trackID || s.fname == "" {
		return echo.NewHTTPError(http.StatusNotFound, "track not published")
	}
	path := filepath.Join(s.dir, s.fname)
	return c.File(path)
}

// Handler returns the underlying HTTP handler, for embedding in a test
// server or an existing HTTP stack.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves on addr (e.g. ":9090"), blocking until the context is
// cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutdownCtx)
	}()
	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("fileserver: serve: %w", err)
	}
	return nil
}

// Downloader is the Client-side counterpart: fetches a track from a Host's
// fileserver.Server and verifies it against the announced hash.
type Downloader struct {
	client *http.Client
	destDir string
}

// NewDownloader creates a Downloader that writes files under destDir.
func NewDownloader(destDir string) *Downloader {
	return &Downloader{client: &http.Client{Timeout: 30 * time.Second}, destDir: destDir}
}

// Download fetches url, writes it under destDir/fileName, verifies it
// against expectedHash (sha1 hex, case-insensitive), and returns the local
// path. Non-2xx responses and hash mismatches both return an error whose
// message identifies the wire.Message error code the caller should use
// (spec §6: download_failed / hash_mismatch / http_4xx).
func (d *Downloader) Download(ctx context.Context, url, fileName, expectedHash string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("download_failed: build request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download_failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return "", fmt.Errorf("http_4xx: status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("download_failed: status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(d.destDir, 0o755); err != nil {
		return "", fmt.Errorf("download_failed: create dest dir: %w", err)
	}
	destPath := filepath.Join(d.destDir, fileName)
	tmp, err := os.CreateTemp(d.destDir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("download_failed: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	h := sha1.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("download_failed: write body: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("download_failed: close temp file: %w", err)
	}

	gotHash := hex.EncodeToString(h.Sum(nil))
	if expectedHash != "" && !strings.EqualFold(gotHash, expectedHash) {
		os.Remove(tmpPath)
		return "", fmt.Errorf("hash_mismatch: expected %s, got %s", expectedHash, gotHash)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("download_failed: move into place: %w", err)
	}
	return destPath, nil
}
