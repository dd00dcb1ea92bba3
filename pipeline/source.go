package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/humblenginr/iris_pipeline/knn"
	"github.com/humblenginr/iris_pipeline/logger"
)

// Source says where the download task reads the dataset from. A zero Source
// uses the embedded iris data.
type Source struct {
	// Location is an http(s) URL or a local CSV path.
	Location string
	// CacheDir keeps downloaded files so a URL is fetched once.
	CacheDir string
	Timeout  time.Duration
}

// cacheVersion keys cached downloads by location so a new source is fetched.
func (s Source) cacheVersion() string {
	location := s.Location
	if location == "" {
		location = "embedded"
	}
	return DownloadCacheVersion + ":" + location
}

func (s Source) remote() bool {
	return strings.HasPrefix(s.Location, "http://") || strings.HasPrefix(s.Location, "https://")
}

// Load returns the dataset the source points at.
func (s Source) Load(ctx context.Context) (knn.Dataset, error) {
	if s.Location == "" {
		return knn.LoadIris()
	}
	path := s.Location
	if s.remote() {
		var err error
		if path, err = s.Fetch(ctx); err != nil {
			return knn.Dataset{}, err
		}
	}
	f, err := os.Open(path)
	if err != nil {
		return knn.Dataset{}, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()
	return knn.ReadCSV(f)
}

// Fetch downloads the source URL into CacheDir and returns the local path. A
// file already in the cache is returned without a request.
func (s Source) Fetch(ctx context.Context) (string, error) {
	if !s.remote() {
		return "", fmt.Errorf("%q is not an http(s) url", s.Location)
	}
	dir := s.CacheDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "iris-cache")
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("make abs path: %w", err)
	}
	if err := os.MkdirAll(absDir, fs.ModePerm); err != nil {
		return "", fmt.Errorf("mkdir cache dir: %w", err)
	}

	sum := sha256.Sum256([]byte(s.Location))
	out := filepath.Join(absDir, hex.EncodeToString(sum[:8])+".csv")
	log := logger.FromContext(ctx)
	if _, err := os.Stat(out); err == nil {
		log.Info("dataset cache hit", "url", s.Location, "path", out)
		return out, nil
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second)
	client.AddRetryCondition(retryCondition)

	resp, err := client.R().SetContext(ctx).Get(s.Location)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", s.Location, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("download %s: status %d", s.Location, resp.StatusCode())
	}

	// write to a temp file, then rename so a partial download is never cached
	tmp, err := os.CreateTemp(absDir, "*.csv.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	_, werr := tmp.Write(resp.Body())
	if err := errors.Join(werr, tmp.Close()); err != nil {
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), out); err != nil {
		return "", fmt.Errorf("rename temp file: %w", err)
	}
	log.Info("dataset downloaded", "url", s.Location, "path", out, "bytes", len(resp.Body()))
	return out, nil
}

func retryCondition(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if r == nil {
		return false
	}
	code := r.StatusCode()
	return code >= 500 || code == 429 || code == 408
}
