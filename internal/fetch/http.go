package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tvhoang/fetchd/internal/domain"
)

const progressChunkSize = 128 * 1024

// HTTPFetcher downloads resources over plain HTTP(S) into a local
// directory.
type HTTPFetcher struct {
	client *http.Client
	dir    string
}

// NewHTTPFetcher creates a fetcher writing into dir.
func NewHTTPFetcher(dir string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		// Overall per-attempt deadlines come from the caller's context;
		// the client timeout only guards dials and headers.
		client: &http.Client{Timeout: 0, Transport: &http.Transport{ResponseHeaderTimeout: timeout}},
		dir:    dir,
	}
}

// Fetch downloads locator into the target directory, reporting progress
// after every chunk.
func (f *HTTPFetcher) Fetch(ctx context.Context, locator string, params domain.Params, onProgress ProgressFunc) (*domain.Output, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, domain.Fatal(fmt.Errorf("invalid locator: %w", err))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		// The resource is permanently unavailable; retrying cannot help.
		return nil, domain.Fatal(fmt.Errorf("resource unavailable: %s", resp.Status))
	default:
		return nil, fmt.Errorf("unexpected response: %s", resp.Status)
	}

	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create download dir: %w", err)
	}

	name := outputName(locator, params)
	dest := filepath.Join(f.dir, name)
	file, err := os.Create(dest)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	total := resp.ContentLength
	var downloaded int64
	buf := make([]byte, progressChunkSize)

	for {
		if err := ctx.Err(); err != nil {
			os.Remove(dest)
			return nil, fmt.Errorf("fetch aborted: %w", err)
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := file.Write(buf[:n]); writeErr != nil {
				os.Remove(dest)
				return nil, fmt.Errorf("failed to write output: %w", writeErr)
			}
			downloaded += int64(n)
			if onProgress != nil {
				onProgress(downloaded, total)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			os.Remove(dest)
			return nil, fmt.Errorf("read failed: %w", readErr)
		}
	}

	format := params.Format
	if format == "" {
		format = strings.TrimPrefix(filepath.Ext(name), ".")
	}

	return &domain.Output{Path: dest, Size: downloaded, Format: format}, nil
}

func outputName(locator string, params domain.Params) string {
	base := path.Base(strings.SplitN(locator, "?", 2)[0])
	if base == "" || base == "." || base == "/" {
		base = uuid.New().String()
	}
	if params.Format != "" && !strings.HasSuffix(base, "."+params.Format) {
		base += "." + params.Format
	}
	return base
}
