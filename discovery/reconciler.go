// Package discovery reconciles registry snapshots with local state and
// produces the candidate list the swipe/search surfaces consume. It
// also implements directed search by id and the match semantics that
// turn a right swipe into a chat and a dialed link.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/linkup-app/linkup/types"
)

var (
	// ErrNotFound means the searched id matched no active registry
	// entry. Distinct from ErrUnavailable so the UI can show "not
	// found" instead of "try again".
	ErrNotFound = errors.New("discovery: peer not found")

	// ErrUnavailable means the registry could not be read.
	ErrUnavailable = errors.New("discovery: registry unavailable")
)

// Directory reads the shared peer registry.
type Directory interface {
	FetchDiscovery(ctx context.Context) ([]types.PeerIdentity, error)
}

// PeerCache is the local store's profile cache.
type PeerCache interface {
	CacheUser(u types.User)
	CreateChatIfAbsent(c types.Chat)
}

// Links is the transport surface reconciliation needs.
type Links interface {
	Dial(ctx context.Context, peerID string) error
	Address(peerID string) string
}

// Reconciler merges registry snapshots into local state for one
// session. The epoch guard discards results that land after logout:
// a bumped epoch makes every in-flight reconciliation a no-op.
type Reconciler struct {
	dir     Directory
	cache   PeerCache
	links   Links
	selfID  string
	window  time.Duration
	timeout time.Duration
	now     func() time.Time
	epoch   atomic.Uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// Options configures a reconciler.
type Options struct {
	Directory Directory
	Cache     PeerCache
	Links     Links
	SelfID    string
	// Window is the staleness window; it also drives the Online
	// indicator so the UI and the registry agree on liveness.
	Window time.Duration
	// Timeout bounds each dial issued after a search hit or a match.
	// Zero means 10 seconds.
	Timeout time.Duration
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// New creates a reconciler for one session.
func New(opts Options) *Reconciler {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Reconciler{
		dir:     opts.Directory,
		cache:   opts.Cache,
		links:   opts.Links,
		selfID:  opts.SelfID,
		window:  opts.Window,
		timeout: timeout,
		now:     now,
	}
}

// Candidates fetches the registry and returns the ordered candidate
// profiles: the local user removed, every remaining profile upserted
// into the peer cache, ordered by lastSeen descending with ties broken
// by id ascending, so every fetch of the same registry yields the same
// deck order.
//
// A result that arrives after Invalidate ran (logout, session switch)
// is discarded without touching the cache.
func (r *Reconciler) Candidates(ctx context.Context) []types.User {
	epoch := r.epoch.Load()

	identities, err := r.dir.FetchDiscovery(ctx)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Candidates",
			"error":    err,
		}).Warn("Discovery fetch failed")
		return []types.User{}
	}

	if r.epoch.Load() != epoch {
		logrus.WithFields(logrus.Fields{
			"function": "Candidates",
		}).Debug("Discarded stale discovery result after session change")
		return []types.User{}
	}

	peers := make([]types.PeerIdentity, 0, len(identities))
	for _, identity := range identities {
		if identity.ID == r.selfID {
			continue
		}
		peers = append(peers, identity)
	}

	sort.Slice(peers, func(i, j int) bool {
		if peers[i].LastSeen != peers[j].LastSeen {
			return peers[i].LastSeen > peers[j].LastSeen
		}
		return peers[i].ID < peers[j].ID
	})

	users := make([]types.User, 0, len(peers))
	for _, p := range peers {
		profile := p.Profile
		if profile.ID == "" {
			profile.ID = p.ID
		}
		r.cache.CacheUser(profile)
		users = append(users, profile)
	}
	return users
}

// SearchByID looks a peer up by raw id input: trimmed, case-insensitive
// exact match against the account id or the derived transport address.
// A hit is cached and dialed. Misses return ErrNotFound; a registry
// read failure returns ErrUnavailable instead.
func (r *Reconciler) SearchByID(ctx context.Context, raw string) (types.User, error) {
	needle := strings.ToLower(strings.TrimSpace(raw))
	if needle == "" {
		return types.User{}, ErrNotFound
	}

	identities, err := r.dir.FetchDiscovery(ctx)
	if err != nil {
		return types.User{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	for _, identity := range identities {
		if identity.ID == r.selfID {
			continue
		}
		if strings.ToLower(identity.ID) != needle &&
			strings.ToLower(identity.TransportAddress) != needle &&
			strings.ToLower(r.links.Address(identity.ID)) != needle {
			continue
		}

		profile := identity.Profile
		if profile.ID == "" {
			profile.ID = identity.ID
		}
		r.cache.CacheUser(profile)

		if err := r.dial(ctx, identity.ID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "SearchByID",
				"peer_id":  identity.ID,
				"error":    err,
			}).Warn("Dial after search failed")
		}
		return profile, nil
	}

	return types.User{}, ErrNotFound
}

// Match implements the right-swipe: create the deterministic pair chat
// if absent and dial the matched peer. A left swipe has no network
// effect and needs nothing from this package.
func (r *Reconciler) Match(ctx context.Context, other types.User) (types.Chat, error) {
	chat := types.Chat{
		ID:           types.PairChatID(r.selfID, other.ID),
		Participants: []string{r.selfID, other.ID},
		Messages:     []types.Message{},
		IsGroup:      false,
	}
	r.cache.CreateChatIfAbsent(chat)

	if err := r.dial(ctx, other.ID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Match",
			"peer_id":  other.ID,
			"error":    err,
		}).Warn("Dial after match failed")
	}

	logrus.WithFields(logrus.Fields{
		"function": "Match",
		"chat_id":  chat.ID,
		"peer_id":  other.ID,
	}).Info("Matched peer")
	return chat, nil
}

// dial opens a link under the configured timeout, so a stalled
// handshake can never suspend a search or match indefinitely.
func (r *Reconciler) dial(ctx context.Context, peerID string) error {
	dialCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.links.Dial(dialCtx, peerID)
}

// Online reports whether a lastSeen timestamp counts as active under
// the staleness window.
func (r *Reconciler) Online(lastSeen int64) bool {
	return types.Millis(r.now())-lastSeen < r.window.Milliseconds()
}

// Invalidate bumps the session epoch so in-flight reconciliations are
// discarded. Call on logout before tearing anything else down.
func (r *Reconciler) Invalidate() {
	r.epoch.Add(1)
}

// Start runs the background refresh loop, invoking onUpdate with each
// non-discarded candidate list. Stop cancels it.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration, onUpdate func([]types.User)) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true
	done := r.done
	r.mu.Unlock()

	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				users := r.Candidates(runCtx)
				if onUpdate != nil {
					onUpdate(users)
				}
			}
		}
	}()
}

// Stop halts the background refresh loop. Idempotent.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	cancel()
	<-done
}
