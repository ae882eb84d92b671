// Package buildcache implements the build-cache client consumed by the
// worker, §6: request a build by URL, get back metadata describing where
// the installable APK landed on local disk. Successful responses are
// memoized in Redis keyed on build_url, so a job retried after a failed
// run_tests does not re-fetch a build it already resolved moments ago.
// Failed responses are not memoized.
package buildcache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"autophoned/internal/db"
)

// Metadata is the opaque bundle the core reads from, §3: `tree`,
// `blddate`, `cache_build_dir`.
type Metadata struct {
	Tree          string  `json:"tree"`
	BuildDate     float64 `json:"blddate"`
	CacheBuildDir string  `json:"cache_build_dir"`
}

type response struct {
	Success  bool      `json:"success"`
	Error    string    `json:"error,omitempty"`
	Metadata *Metadata `json:"metadata,omitempty"`
}

// Client fetches build metadata from the external cache service over
// HTTP, memoizing successful responses in Redis.
type Client struct {
	baseURL string
	http    *http.Client
	redis   *db.RedisDB
	ttl     time.Duration
	logger  *zap.Logger
}

func New(baseURL string, redis *db.RedisDB, ttl time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		redis:   redis,
		ttl:     ttl,
		logger:  logger,
	}
}

// Get requests build_url, passing enable_unittests through to the cache
// service. Safe to call repeatedly, §6.
func (c *Client) Get(ctx context.Context, buildURL string, enableUnittests bool) (*Metadata, error) {
	cacheKey := fmt.Sprintf("buildcache:%t:%s", enableUnittests, buildURL)

	if cached, err := c.redis.Get(ctx, cacheKey).Result(); err == nil {
		var md Metadata
		if jsonErr := json.Unmarshal([]byte(cached), &md); jsonErr == nil {
			return &md, nil
		}
	}

	query := url.Values{
		"build_url":        {buildURL},
		"enable_unittests": {fmt.Sprintf("%t", enableUnittests)},
	}
	reqURL := c.baseURL + "/get?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("buildcache: building request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("buildcache: request failed: %w", err)
	}
	defer resp.Body.Close()

	var body response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("buildcache: decoding response: %w", err)
	}
	if !body.Success || body.Metadata == nil {
		return nil, fmt.Errorf("buildcache: %s", body.Error)
	}

	if encoded, err := json.Marshal(body.Metadata); err == nil {
		if err := c.redis.Set(ctx, cacheKey, encoded, c.ttl).Err(); err != nil {
			c.logger.Warn("buildcache: failed to memoize response", zap.Error(err))
		}
	}

	return body.Metadata, nil
}
