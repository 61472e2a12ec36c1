package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/alexfaker/autoGenVideo/internal/domain"
)

// HTTPError is a non-2xx download response.
type HTTPError struct {
	Status int
	wait   time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("storage: download status %d", e.Status)
}

func (e *HTTPError) StatusCode() int           { return e.Status }
func (e *HTTPError) RetryAfter() time.Duration { return e.wait }

// Downloaded describes a verified file.
type Downloaded struct {
	Path   string
	Size   int64
	SHA256 string
}

// Downloader fetches result videos into a FileStore.
type Downloader struct {
	store     *FileStore
	client    *http.Client
	userAgent string
	maxBytes  int64
}

// NewDownloader writes into store. maxBytes <= 0 disables the size cap.
func NewDownloader(store *FileStore, client *http.Client, userAgent string, maxBytes int64) *Downloader {
	if client == nil {
		client = &http.Client{}
	}
	return &Downloader{store: store, client: client, userAgent: userAgent, maxBytes: maxBytes}
}

// Download fetches url to key. The file appears under its final name only
// after the body length matches Content-Length and it carries an MP4 ftyp
// box. Truncated bodies are retryable; anything else that fails
// verification is not.
func (d *Downloader) Download(ctx context.Context, url, key string) (*Downloaded, error) {
	if d.store == nil {
		return nil, errors.New("storage: no store configured")
	}
	target, err := d.store.Path(key)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: build download request: %w", err)
	}
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("storage: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		herr := &HTTPError{Status: resp.StatusCode}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			herr.wait = time.Duration(secs) * time.Second
		}
		return nil, herr
	}
	if d.maxBytes > 0 && resp.ContentLength > d.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit", domain.ErrDownloadIntegrity, resp.ContentLength)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".part-*")
	if err != nil {
		return nil, fmt.Errorf("storage: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hasher := sha256.New()
	head := &headCapture{limit: 12}
	body := io.Reader(resp.Body)
	if d.maxBytes > 0 {
		body = io.LimitReader(resp.Body, d.maxBytes+1)
	}
	n, copyErr := io.Copy(io.MultiWriter(tmp, hasher, head), body)
	closeErr := tmp.Close()
	if copyErr != nil {
		return nil, fmt.Errorf("storage: read body: %w", copyErr)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("storage: close temp file: %w", closeErr)
	}
	if d.maxBytes > 0 && n > d.maxBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", domain.ErrDownloadIntegrity, d.maxBytes)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return nil, fmt.Errorf("%w: got %d of %d bytes: %w", domain.ErrDownloadIntegrity, n, resp.ContentLength, domain.ErrRetryable)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: empty body", domain.ErrDownloadIntegrity)
	}
	if !isMP4(head.buf.Bytes()) {
		return nil, fmt.Errorf("%w: not an mp4 container", domain.ErrDownloadIntegrity)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return nil, fmt.Errorf("storage: chmod file: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return nil, fmt.Errorf("storage: rename file: %w", err)
	}
	return &Downloaded{Path: target, Size: n, SHA256: hex.EncodeToString(hasher.Sum(nil))}, nil
}

// isMP4 checks for an ftyp box at offset 4.
func isMP4(head []byte) bool {
	return len(head) >= 8 && bytes.Equal(head[4:8], []byte("ftyp"))
}

type headCapture struct {
	buf   bytes.Buffer
	limit int
}

func (h *headCapture) Write(p []byte) (int, error) {
	if room := h.limit - h.buf.Len(); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		h.buf.Write(p[:room])
	}
	return len(p), nil
}
