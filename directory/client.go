// Package directory reads and writes the two shared documents that
// stand in for a backend: the peer registry and the global post feed.
// Both are whole JSON collections fetched with GET and fully replaced
// with PUT; there is no partial update and no concurrency token.
//
// Writes are optimistic read-modify-write. Concurrent publishers can
// lose updates: the last full-document write wins, and no locking or
// retry is attempted.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/linkup-app/linkup/types"
)

// Options configures a directory client.
type Options struct {
	RegistryURL string
	FeedURL     string
	// StalenessWindow is the maximum lastSeen age for a registry entry
	// to count as active. Applied on both publish and fetch.
	StalenessWindow time.Duration
	// FeedCap bounds the feed document; oldest entries are evicted.
	FeedCap int
	// Timeout bounds each HTTP round trip.
	Timeout time.Duration
	// Now is the clock; nil means time.Now. Injectable for tests.
	Now func() time.Time
	// HTTPClient overrides the transport; nil builds one from Timeout.
	HTTPClient *http.Client
}

// Client accesses the registry and feed documents.
type Client struct {
	registryURL string
	feedURL     string
	window      time.Duration
	cap         int
	http        *http.Client
	now         func() time.Time
}

// New creates a directory client.
func New(opts Options) *Client {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		registryURL: opts.RegistryURL,
		feedURL:     opts.FeedURL,
		window:      opts.StalenessWindow,
		cap:         opts.FeedCap,
		http:        httpClient,
		now:         now,
	}
}

// PublishProfile upserts the identity into the registry, stamps its
// lastSeen, prunes stale entries, and writes the whole document back.
// Entries other than the published one keep their relative order.
func (c *Client) PublishProfile(ctx context.Context, identity types.PeerIdentity) error {
	registry := c.fetchRegistry(ctx)

	now := types.Millis(c.now())
	identity.LastSeen = now

	found := false
	for i := range registry {
		if registry[i].ID == identity.ID {
			registry[i] = identity
			found = true
			break
		}
	}
	if !found {
		registry = append(registry, identity)
	}

	registry = c.filterFresh(registry, now)

	if err := c.putDocument(ctx, c.registryURL, registry); err != nil {
		return fmt.Errorf("publish profile: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "PublishProfile",
		"peer_id":  identity.ID,
		"entries":  len(registry),
	}).Debug("Published profile to registry")
	return nil
}

// FetchDiscovery returns the active registry entries. Network failures
// and malformed documents degrade to an empty result; the error is
// advisory and the returned slice is always usable.
func (c *Client) FetchDiscovery(ctx context.Context) ([]types.PeerIdentity, error) {
	var registry []types.PeerIdentity
	if err := c.getDocument(ctx, c.registryURL, &registry); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "FetchDiscovery",
			"error":    err,
		}).Warn("Registry fetch failed")
		return []types.PeerIdentity{}, err
	}
	return c.filterFresh(registry, types.Millis(c.now())), nil
}

// PublishPost prepends the post to the shared feed, capped at the
// configured size. Publishing an id already present is a no-op.
func (c *Client) PublishPost(ctx context.Context, post types.Post) error {
	var feed []types.Post
	if err := c.getDocument(ctx, c.feedURL, &feed); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "PublishPost",
			"error":    err,
		}).Warn("Feed fetch failed, starting from empty feed")
		feed = nil
	}

	for _, existing := range feed {
		if existing.ID == post.ID {
			return nil
		}
	}

	feed = append([]types.Post{post}, feed...)
	if c.cap > 0 && len(feed) > c.cap {
		feed = feed[:c.cap]
	}

	if err := c.putDocument(ctx, c.feedURL, feed); err != nil {
		return fmt.Errorf("publish post: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "PublishPost",
		"post_id":  post.ID,
		"entries":  len(feed),
	}).Debug("Published post to feed")
	return nil
}

// FetchFeed returns the shared feed, newest first. Failures degrade to
// an empty slice.
func (c *Client) FetchFeed(ctx context.Context) []types.Post {
	var feed []types.Post
	if err := c.getDocument(ctx, c.feedURL, &feed); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "FetchFeed",
			"error":    err,
		}).Warn("Feed fetch failed")
		return []types.Post{}
	}
	return feed
}

// fetchRegistry reads the registry, treating any failure as empty so a
// publish can proceed against a fresh document.
func (c *Client) fetchRegistry(ctx context.Context) []types.PeerIdentity {
	var registry []types.PeerIdentity
	if err := c.getDocument(ctx, c.registryURL, &registry); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "fetchRegistry",
			"error":    err,
		}).Warn("Registry fetch failed, starting from empty registry")
		return nil
	}
	return registry
}

// filterFresh keeps entries whose lastSeen falls inside the staleness
// window. An entry exactly at the boundary is stale.
func (c *Client) filterFresh(registry []types.PeerIdentity, nowMillis int64) []types.PeerIdentity {
	fresh := make([]types.PeerIdentity, 0, len(registry))
	window := c.window.Milliseconds()
	for _, entry := range registry {
		if nowMillis-entry.LastSeen < window {
			fresh = append(fresh, entry)
		}
	}
	return fresh
}

func (c *Client) getDocument(ctx context.Context, url string, target interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("document fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, target); err != nil {
		// A non-array document is treated as empty, not a crash.
		return fmt.Errorf("malformed document: %w", err)
	}
	return nil
}

func (c *Client) putDocument(ctx context.Context, url string, doc interface{}) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("document write returned status %d", resp.StatusCode)
	}
	return nil
}
