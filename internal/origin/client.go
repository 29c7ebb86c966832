package origin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"chunk-player/internal/player"

	"github.com/cenkalti/backoff/v5"
)

const (
	// DefaultMaxRetries bounds metadata and manifest attempts.
	DefaultMaxRetries = 3
	// DefaultRetryDelay is the first backoff interval between attempts.
	DefaultRetryDelay = time.Second
)

// ClientOptions configures a Client.
type ClientOptions struct {
	HTTPClient *http.Client
	MaxRetries int
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// Client talks to the origin. It implements player.Fetcher; chunk fetches
// are attempted once, while metadata and manifest requests are retried with
// exponential backoff.
type Client struct {
	base       string
	http       *http.Client
	maxRetries int
	retryDelay time.Duration
	log        *slog.Logger
}

// NewClient returns a client for the origin API rooted at baseURL
// (e.g. http://localhost:8080/api).
func NewClient(baseURL string, opts ClientOptions) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		base:       strings.TrimRight(baseURL, "/"),
		http:       opts.HTTPClient,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		log:        opts.Logger,
	}
}

// FetchChunk implements player.Fetcher.
func (c *Client) FetchChunk(ctx context.Context, videoID string, quality player.Quality, index int) ([]byte, error) {
	u := c.url("chunks", videoID, string(quality), strconv.Itoa(index))
	data, err := c.get(ctx, u)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", player.ErrCancelled, ctx.Err())
		}
		return nil, err
	}
	return data, nil
}

// ListVideos returns the origin's catalog.
func (c *Client) ListVideos(ctx context.Context) ([]Video, error) {
	var videos []Video
	err := c.getJSONWithRetry(ctx, c.url("videos"), &videos)
	return videos, err
}

// FetchMetadata returns the catalog entry for videoID.
func (c *Client) FetchMetadata(ctx context.Context, videoID string) (Video, error) {
	var v Video
	err := c.getJSONWithRetry(ctx, c.url("videos", videoID), &v)
	return v, err
}

// FetchManifest returns the JSON manifest for videoID.
func (c *Client) FetchManifest(ctx context.Context, videoID string) (player.Manifest, error) {
	var m player.Manifest
	if err := c.getJSONWithRetry(ctx, c.url("videos", videoID, "manifest"), &m); err != nil {
		return player.Manifest{}, err
	}
	if err := m.Validate(); err != nil {
		return player.Manifest{}, err
	}
	return m, nil
}

// FetchPlaylistManifest builds the manifest for videoID from the HLS VOD
// playlist of one of its qualities.
func (c *Client) FetchPlaylistManifest(ctx context.Context, videoID string, quality player.Quality) (player.Manifest, error) {
	v, err := c.FetchMetadata(ctx, videoID)
	if err != nil {
		return player.Manifest{}, err
	}
	if quality == "" && len(v.Qualities) > 0 {
		quality = v.Qualities[0]
	}

	u := c.url("videos", videoID, "renditions", string(quality), "playlist.m3u8")
	data, err := c.withRetry(ctx, u, func() ([]byte, error) { return c.get(ctx, u) })
	if err != nil {
		return player.Manifest{}, err
	}
	return player.ManifestFromPlaylist(videoID, v.Qualities, data)
}

func (c *Client) getJSONWithRetry(ctx context.Context, u string, out any) error {
	data, err := c.withRetry(ctx, u, func() ([]byte, error) { return c.get(ctx, u) })
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", u, err)
	}
	return nil
}

// withRetry retries op on transport errors and 5xx responses. 4xx responses
// and cancellation end the attempts immediately.
func (c *Client) withRetry(ctx context.Context, u string, op func() ([]byte, error)) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryDelay

	attempt := 0
	return backoff.Retry(ctx, func() ([]byte, error) {
		attempt++
		data, err := op()
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		var fe *player.FetchError
		if errors.As(err, &fe) && fe.Status < http.StatusInternalServerError {
			return nil, backoff.Permanent(err)
		}
		c.log.Warn("origin request failed",
			slog.String("url", u),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		return nil, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(c.maxRetries)))
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &player.FetchError{Status: resp.StatusCode}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", u, err)
	}
	return data, nil
}

func (c *Client) url(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.base + "/" + strings.Join(escaped, "/")
}
