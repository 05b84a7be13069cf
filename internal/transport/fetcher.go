// Package transport downloads the key-file index and key-file batches over
// HTTP into a local temp directory.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/exposure-pipeline/internal/logging"
	"github.com/ChuLiYu/exposure-pipeline/pkg/types"
)

// ErrUnexpectedStatus is returned for any non-200 response.
var ErrUnexpectedStatus = errors.New("transport: unexpected status")

// Config 下載設定
type Config struct {
	BaseURL      string        // 金鑰伺服器根網址
	DownloadPath string        // 索引所在目錄，索引檔為 <DownloadPath>/index.txt
	TempDir      string        // 暫存檔目錄，空字串使用 os.TempDir()
	Parallelism  int           // 同一批次的並行下載數
	Timeout      time.Duration // 單一請求逾時
}

// DefaultConfig returns sane fetcher defaults for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:     baseURL,
		Parallelism: 4,
		Timeout:     30 * time.Second,
	}
}

// Client fetches the index and key files. It never caches.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

// New creates a Client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client) (*Client, error) {
	if _, err := url.Parse(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("transport: invalid base url %q", cfg.BaseURL)
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{cfg: cfg, http: httpClient, log: logging.New("transport")}, nil
}

// IndexURL is where the index file lives.
func (c *Client) IndexURL() string {
	return c.resolve(path.Join(c.cfg.DownloadPath, "index.txt"))
}

// FetchIndex downloads the index file content.
func (c *Client) FetchIndex(ctx context.Context) (string, error) {
	u := c.IndexURL()
	c.log.Debug("fetching index", "url", u)

	body, err := c.get(ctx, u)
	if err != nil {
		return "", fmt.Errorf("fetch index: %w", err)
	}
	defer body.Close()

	b, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("fetch index: read body: %w", err)
	}
	return string(b), nil
}

// FetchBatch downloads every ref of batch into the temp directory, keeping
// ref order in the result. Any single failure fails the whole batch and the
// files already written for it are removed.
func (c *Client) FetchBatch(ctx context.Context, batch types.KeyFileBatch) (types.DownloadedBatch, error) {
	if err := os.MkdirAll(c.cfg.TempDir, 0o755); err != nil {
		return types.DownloadedBatch{}, fmt.Errorf("fetch batch: %w", err)
	}

	files := make([]string, len(batch.FileRefs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Parallelism)
	for i, ref := range batch.FileRefs {
		g.Go(func() error {
			p, err := c.download(gctx, ref)
			if err != nil {
				return fmt.Errorf("download %s: %w", ref, err)
			}
			files[i] = p
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		RemoveAll(files)
		c.log.Warn("Batch download failed", "region", batch.RegionCode, "batch", batch.BatchNumber, "error", err)
		return types.DownloadedBatch{}, err
	}

	c.log.Debug("batch downloaded", "region", batch.RegionCode, "batch", batch.BatchNumber, "files", len(files))
	return types.DownloadedBatch{Batch: batch, Files: files}, nil
}

// FetchAll downloads batches one after another. On failure, files of the
// batches downloaded so far are removed.
func (c *Client) FetchAll(ctx context.Context, batches []types.KeyFileBatch) ([]types.DownloadedBatch, error) {
	out := make([]types.DownloadedBatch, 0, len(batches))
	for _, b := range batches {
		d, err := c.FetchBatch(ctx, b)
		if err != nil {
			for _, done := range out {
				RemoveAll(done.Files)
			}
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// RemoveAll deletes paths, ignoring empty entries and missing files.
func RemoveAll(paths []string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Default().Warn("remove temp file", "path", p, "error", err)
		}
	}
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func (c *Client) download(ctx context.Context, ref string) (string, error) {
	body, err := c.get(ctx, c.resolve(ref))
	if err != nil {
		return "", err
	}
	defer body.Close()

	f, err := os.CreateTemp(c.cfg.TempDir, "keys-*-"+filepath.Base(ref))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// get issues an uncached GET bounded by the per-request timeout. The caller
// closes the body; the timeout is released with it.
func (c *Client) get(ctx context.Context, u string) (io.ReadCloser, error) {
	cancel := context.CancelFunc(func() {})
	if c.cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
	}
	return cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

func (c *Client) resolve(ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(ref, "/")
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r cancelOnClose) Close() error {
	err := r.ReadCloser.Close()
	r.cancel()
	return err
}
