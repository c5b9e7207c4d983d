package directory

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkup-app/linkup/types"
)

// docServer is an in-memory stand-in for the remote document store:
// whole-document GET and PUT with no concurrency control, exactly the
// collaborator contract.
type docServer struct {
	mu       sync.Mutex
	registry []byte
	feed     []byte
	server   *httptest.Server
}

func newDocServer(t *testing.T) *docServer {
	t.Helper()
	ds := &docServer{registry: []byte("[]"), feed: []byte("[]")}

	mux := http.NewServeMux()
	mux.HandleFunc("/registry", func(w http.ResponseWriter, r *http.Request) { ds.handle(w, r, &ds.registry) })
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) { ds.handle(w, r, &ds.feed) })

	ds.server = httptest.NewServer(mux)
	t.Cleanup(ds.server.Close)
	return ds
}

func (ds *docServer) handle(w http.ResponseWriter, r *http.Request, doc *[]byte) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(*doc)
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		*doc = body
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (ds *docServer) setRegistry(t *testing.T, entries []types.PeerIdentity) {
	t.Helper()
	data, err := json.Marshal(entries)
	require.NoError(t, err)
	ds.mu.Lock()
	ds.registry = data
	ds.mu.Unlock()
}

func (ds *docServer) rawRegistry(t *testing.T) []types.PeerIdentity {
	t.Helper()
	ds.mu.Lock()
	defer ds.mu.Unlock()
	var entries []types.PeerIdentity
	require.NoError(t, json.Unmarshal(ds.registry, &entries))
	return entries
}

func newTestClient(ds *docServer, now time.Time) *Client {
	return New(Options{
		RegistryURL:     ds.server.URL + "/registry",
		FeedURL:         ds.server.URL + "/feed",
		StalenessWindow: 5 * time.Minute,
		FeedCap:         3,
		Timeout:         2 * time.Second,
		Now:             func() time.Time { return now },
	})
}

func identity(id string, lastSeen int64) types.PeerIdentity {
	return types.PeerIdentity{
		ID:               id,
		Profile:          types.User{ID: id, Name: "peer " + id},
		LastSeen:         lastSeen,
		TransportAddress: "linkup-p2p-" + id,
	}
}

func TestPublishProfileUpsertsInPlace(t *testing.T) {
	ds := newDocServer(t)
	now := time.Now()
	nowMs := types.Millis(now)
	ds.setRegistry(t, []types.PeerIdentity{
		identity("u1", nowMs),
		identity("u2", nowMs),
		identity("u3", nowMs),
	})

	c := newTestClient(ds, now)
	updated := identity("u2", 0)
	updated.Profile.Name = "renamed"
	require.NoError(t, c.PublishProfile(context.Background(), updated))

	entries := ds.rawRegistry(t)
	require.Len(t, entries, 3)
	// Unrelated entries keep their order; u2 updated in place.
	assert.Equal(t, "u1", entries[0].ID)
	assert.Equal(t, "u2", entries[1].ID)
	assert.Equal(t, "renamed", entries[1].Profile.Name)
	assert.Equal(t, nowMs, entries[1].LastSeen)
	assert.Equal(t, "u3", entries[2].ID)
}

func TestPublishProfileAppendsNewAndPrunesStale(t *testing.T) {
	ds := newDocServer(t)
	now := time.Now()
	nowMs := types.Millis(now)
	window := (5 * time.Minute).Milliseconds()
	ds.setRegistry(t, []types.PeerIdentity{
		identity("fresh", nowMs-window+1000),
		identity("stale", nowMs-window-1),
	})

	c := newTestClient(ds, now)
	require.NoError(t, c.PublishProfile(context.Background(), identity("me", 0)))

	entries := ds.rawRegistry(t)
	require.Len(t, entries, 2)
	assert.Equal(t, "fresh", entries[0].ID)
	assert.Equal(t, "me", entries[1].ID)
}

func TestFetchDiscoveryStalenessBoundary(t *testing.T) {
	ds := newDocServer(t)
	now := time.Now()
	nowMs := types.Millis(now)
	window := (5 * time.Minute).Milliseconds()
	ds.setRegistry(t, []types.PeerIdentity{
		identity("inside", nowMs-window+1),
		identity("exact", nowMs-window),
		identity("outside", nowMs-window-1),
	})

	c := newTestClient(ds, now)
	peers, err := c.FetchDiscovery(context.Background())
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "inside", peers[0].ID)
}

func TestFetchDiscoveryFailureReturnsEmpty(t *testing.T) {
	c := New(Options{
		RegistryURL:     "http://127.0.0.1:1/registry",
		FeedURL:         "http://127.0.0.1:1/feed",
		StalenessWindow: 5 * time.Minute,
		Timeout:         200 * time.Millisecond,
	})

	peers, err := c.FetchDiscovery(context.Background())
	assert.Error(t, err)
	assert.NotNil(t, peers)
	assert.Empty(t, peers)
}

func TestFetchDiscoveryMalformedDocumentIsEmpty(t *testing.T) {
	ds := newDocServer(t)
	ds.mu.Lock()
	ds.registry = []byte(`{"not":"an array"}`)
	ds.mu.Unlock()

	c := newTestClient(ds, time.Now())
	peers, err := c.FetchDiscovery(context.Background())
	assert.Error(t, err)
	assert.Empty(t, peers)
}

func TestPublishPostIdempotent(t *testing.T) {
	ds := newDocServer(t)
	c := newTestClient(ds, time.Now())
	ctx := context.Background()

	post := types.Post{ID: "p1", UserID: "u1", Timestamp: 1}
	require.NoError(t, c.PublishPost(ctx, post))
	require.NoError(t, c.PublishPost(ctx, post))

	feed := c.FetchFeed(ctx)
	require.Len(t, feed, 1)
	assert.Equal(t, "p1", feed[0].ID)
}

func TestPublishPostPrependsAndCaps(t *testing.T) {
	ds := newDocServer(t)
	c := newTestClient(ds, time.Now()) // cap 3
	ctx := context.Background()

	for _, id := range []string{"p1", "p2", "p3", "p4"} {
		require.NoError(t, c.PublishPost(ctx, types.Post{ID: id, UserID: "u1"}))
	}

	feed := c.FetchFeed(ctx)
	require.Len(t, feed, 3)
	// Newest first, oldest evicted.
	assert.Equal(t, "p4", feed[0].ID)
	assert.Equal(t, "p3", feed[1].ID)
	assert.Equal(t, "p2", feed[2].ID)
}

func TestFetchFeedFailureReturnsEmpty(t *testing.T) {
	c := New(Options{
		FeedURL: "http://127.0.0.1:1/feed",
		Timeout: 200 * time.Millisecond,
	})
	assert.Empty(t, c.FetchFeed(context.Background()))
}

// TestLastWriteWins documents the accepted lost-update race: two
// publishers read the same document, and the second full-document
// write replaces the first. The registry offers no compare-and-swap,
// so last write wins.
func TestLastWriteWins(t *testing.T) {
	ds := newDocServer(t)
	now := time.Now()

	a := newTestClient(ds, now)
	b := newTestClient(ds, now)
	ctx := context.Background()

	// Both clients observed the empty registry. A publishes first.
	require.NoError(t, a.PublishProfile(ctx, identity("alice", 0)))

	// B's read-modify-write started from the same empty snapshot in a
	// real interleaving; replay its write of that stale view.
	bView := []types.PeerIdentity{identity("bob", types.Millis(now))}
	require.NoError(t, b.putDocument(ctx, ds.server.URL+"/registry", bView))

	entries := ds.rawRegistry(t)
	require.Len(t, entries, 1)
	assert.Equal(t, "bob", entries[0].ID, "last full-document write wins; alice's update is lost")
}
