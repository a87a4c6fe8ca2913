package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/bpsync/pkg/api"
)

// HTTPFetcher downloads http and https sources.
type HTTPFetcher struct {
	client    *RetryableHTTPClient
	userAgent string
}

// NewHTTPFetcher returns a fetcher whose downloads are bounded by timeout
// (zero for none) and retried per retry.
func NewHTTPFetcher(timeout time.Duration, retry RetryConfig, userAgent string) *HTTPFetcher {
	return &HTTPFetcher{client: NewRetryableHTTPClient(timeout, retry), userAgent: userAgent}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, source, destDir string) (string, error) {
	name, err := FileName(source)
	if err != nil {
		return "", err
	}
	return stage(destDir, name, func(w io.Writer) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		if f.userAgent != "" {
			req.Header.Set("User-Agent", f.userAgent)
		}
		log.Info().Str("url", api.RedactSource(source)).Msg("Downloading")
		resp, err := f.client.Do(req)
		if err != nil {
			return fmt.Errorf("do request: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
		}
		n, err := io.Copy(w, resp.Body)
		if err != nil {
			return fmt.Errorf("copy body: %w", err)
		}
		if resp.ContentLength > 0 && n != resp.ContentLength {
			return fmt.Errorf("short body: got %d of %d bytes", n, resp.ContentLength)
		}
		log.Info().Str("url", api.RedactSource(source)).Int64("bytes", n).Msg("Downloaded")
		return nil
	})
}
