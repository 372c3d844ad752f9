package consumer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/jarmstrongdbrx/rt-transit/internal/common/config"
	"github.com/jarmstrongdbrx/rt-transit/internal/common/logger"
)

const (
	UserAgent = "rt-transit/1.0"
	// MaxBodyBytes caps a single feed download.
	MaxBodyBytes = 64 << 20
)

// ErrBodyTooLarge means the feed body exceeded the download cap. The body is
// discarded rather than truncated, since a cut protobuf can still parse.
var ErrBodyTooLarge = errors.New("feed body exceeds size limit")

// StatusError is returned for any non-2xx feed response.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error: %d %s", e.Code, e.Status)
}

// HTTPSource downloads raw GTFS-realtime payloads from one URL.
type HTTPSource struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
	logger     logger.Logger
	maxBody    int64

	mu   sync.Mutex
	etag string
	body []byte
}

func NewHTTPSource(cfg config.FeedConfig, log logger.Logger) *HTTPSource {
	client := &http.Client{
		Timeout: cfg.RequestTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 5,
			IdleConnTimeout:     30 * time.Second,
		},
	}

	return &HTTPSource{
		url:        cfg.URL,
		headers:    cfg.Headers,
		httpClient: client,
		logger:     log,
		maxBody:    MaxBodyBytes,
	}
}

func (s *HTTPSource) URL() string {
	return s.url
}

// Fetch returns the current feed body. A 304 answer to a conditional request
// yields the previously downloaded body.
func (s *HTTPSource) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/x-protobuf")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	s.mu.Lock()
	if s.etag != "" && s.body != nil {
		req.Header.Set("If-None-Match", s.etag)
	}
	s.mu.Unlock()

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.body != nil {
			s.logger.Debug("Feed not modified, reusing last body", "url", s.url)
			return s.body, nil
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > s.maxBody {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, s.maxBody)
	}

	s.mu.Lock()
	s.etag = resp.Header.Get("ETag")
	s.body = body
	s.mu.Unlock()

	s.logger.Debug("Successfully fetched feed", "url", s.url, "bytes", len(body))
	return body, nil
}
