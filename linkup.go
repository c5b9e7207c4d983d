package linkup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/linkup-app/linkup/assist"
	"github.com/linkup-app/linkup/config"
	"github.com/linkup-app/linkup/directory"
	"github.com/linkup-app/linkup/discovery"
	"github.com/linkup-app/linkup/presence"
	"github.com/linkup-app/linkup/storage"
	"github.com/linkup-app/linkup/transport"
	"github.com/linkup-app/linkup/types"
)

var (
	// ErrInvalidCredentials means login failed against local accounts.
	ErrInvalidCredentials = errors.New("linkup: invalid credentials")

	// ErrSessionActive means Login/Register was called while a session
	// is already running; Logout first.
	ErrSessionActive = errors.New("linkup: session already active")

	// ErrNoSession means the operation needs an authenticated session.
	ErrNoSession = errors.New("linkup: no active session")
)

// Options configures a Client. Every collaborator is swappable; the
// zero-value fields are filled by NewOptions defaults.
type Options struct {
	Config *config.Config
	Store  *storage.Store
	// Network builds the negotiation service for one session. Called
	// on every login so a fresh session never inherits a dead socket.
	Network func() transport.Network
	// Assistant is the text-generation collaborator.
	Assistant assist.Assistant
	// Synthetic marks non-dialable peer ids (assistant-simulated
	// identities). Nil means every peer is dialable.
	Synthetic func(peerID string) bool
}

// NewOptions returns defaults: standard config, a fresh store, a
// websocket relay network from Config.RelayURL, and the static
// assistant.
func NewOptions() *Options {
	cfg := config.Default()
	opts := &Options{
		Config:    cfg,
		Store:     storage.New(),
		Assistant: assist.Static{},
	}
	opts.Network = func() transport.Network {
		return transport.NewWSNetwork(cfg.RelayURL)
	}
	return opts
}

// Client wires the storage, directory, transport, presence, and
// reconciliation layers into one per-session service object. It
// replaces what would otherwise be process-wide singletons: construct
// one per session and let Logout tear everything down.
type Client struct {
	cfg       *config.Config
	store     *storage.Store
	dir       *directory.Client
	assistant assist.Assistant
	network   func() transport.Network
	synthetic func(string) bool

	mu            sync.RWMutex
	self          types.User
	authenticated bool
	links         *transport.Client
	pulse         *presence.Pulse
	recon         *discovery.Reconciler
	candidates    []types.User
	sessionCancel context.CancelFunc

	subMu       sync.Mutex
	nextSubID   int
	messageSubs []clientSub[transport.MessageHandler]
	typingSubs  []clientSub[transport.TypingHandler]
	postSubs    []clientSub[transport.PostHandler]
}

type clientSub[H any] struct {
	id int
	fn H
}

// New creates a Client from options. The configuration is validated up
// front so a bad staleness window fails here, not mid-session. The
// caller's Options value is read, never written; defaults are filled on
// a private copy.
func New(opts *Options) (*Client, error) {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.Config == nil {
		o.Config = config.Default()
	}
	if err := o.Config.Validate(); err != nil {
		return nil, err
	}
	if o.Store == nil {
		o.Store = storage.New()
	}
	if o.Assistant == nil {
		o.Assistant = assist.Static{}
	}
	if o.Network == nil {
		cfg := o.Config
		o.Network = func() transport.Network {
			return transport.NewWSNetwork(cfg.RelayURL)
		}
	}

	dir := directory.New(directory.Options{
		RegistryURL:     o.Config.RegistryURL,
		FeedURL:         o.Config.FeedURL,
		StalenessWindow: o.Config.StalenessWindow,
		FeedCap:         o.Config.FeedCap,
		Timeout:         o.Config.RequestTimeout,
	})

	return &Client{
		cfg:       o.Config,
		store:     o.Store,
		dir:       dir,
		assistant: o.Assistant,
		network:   o.Network,
		synthetic: o.Synthetic,
	}, nil
}

// Store exposes the local persistence layer.
func (c *Client) Store() *storage.Store { return c.store }

// Register creates a local account and starts a session for it.
func (c *Client) Register(ctx context.Context, email, password string, user types.User) (types.User, error) {
	if err := c.store.RegisterUser(email, password, user); err != nil {
		return types.User{}, err
	}
	return c.startSession(ctx, user)
}

// Login authenticates against local accounts and starts the session:
// transport address claim, presence pulse, and background discovery.
func (c *Client) Login(ctx context.Context, email, password string) (types.User, error) {
	user, ok := c.store.Authenticate(email, password)
	if !ok {
		return types.User{}, ErrInvalidCredentials
	}
	return c.startSession(ctx, user)
}

func (c *Client) startSession(ctx context.Context, user types.User) (types.User, error) {
	c.mu.Lock()
	if c.authenticated {
		c.mu.Unlock()
		return types.User{}, ErrSessionActive
	}
	c.mu.Unlock()

	links := transport.NewClient(transport.Options{
		AddressPrefix: c.cfg.AddressPrefix,
		Network:       c.network(),
		Synthetic:     c.synthetic,
	})

	claimCtx, cancelClaim := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	err := links.Start(claimCtx, user.ID)
	cancelClaim()
	if err != nil {
		return types.User{}, fmt.Errorf("linkup: start transport: %w", err)
	}

	sessionCtx, sessionCancel := context.WithCancel(context.Background())

	recon := discovery.New(discovery.Options{
		Directory: c.dir,
		Cache:     c.store,
		Links:     links,
		SelfID:    user.ID,
		Window:    c.cfg.StalenessWindow,
		Timeout:   c.cfg.RequestTimeout,
	})

	pulse := presence.New(c.dir, func() types.PeerIdentity {
		return c.identity()
	}, c.cfg.PulseInterval, c.cfg.RequestTimeout)

	c.mu.Lock()
	c.self = user
	c.authenticated = true
	c.links = links
	c.pulse = pulse
	c.recon = recon
	c.candidates = nil
	c.sessionCancel = sessionCancel
	c.mu.Unlock()

	links.OnMessage(c.handleInboundMessage)
	links.OnTyping(c.handleInboundTyping)
	links.OnPost(c.handleInboundPost)

	// The pulse starts only after the transport claim succeeded, so
	// the registry never advertises an address nobody listens on.
	pulse.Start(sessionCtx)
	recon.Start(sessionCtx, c.cfg.DiscoveryRefresh, c.setCandidates)

	logrus.WithFields(logrus.Fields{
		"function": "startSession",
		"user_id":  user.ID,
		"degraded": links.AddressDegraded(),
	}).Info("Session started")
	return user, nil
}

// Logout tears the session down: in-flight discovery is invalidated,
// the pulse timer stops, and every connection closes. The client can
// log in again afterwards with a fresh transport.
//
// The identity is cleared only after the pulse has fully stopped; a
// tick in flight during teardown still samples the real profile, so an
// empty identity can never reach the registry.
func (c *Client) Logout() {
	c.mu.Lock()
	if !c.authenticated {
		c.mu.Unlock()
		return
	}
	c.authenticated = false
	self := c.self
	links := c.links
	pulse := c.pulse
	recon := c.recon
	cancel := c.sessionCancel
	c.mu.Unlock()

	recon.Invalidate()
	recon.Stop()
	pulse.Stop()
	links.Close()
	cancel()

	c.mu.Lock()
	c.self = types.User{}
	c.links = nil
	c.pulse = nil
	c.recon = nil
	c.candidates = nil
	c.sessionCancel = nil
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Logout",
		"user_id":  self.ID,
	}).Info("Session ended")
}

// Self returns the authenticated user, if any.
func (c *Client) Self() (types.User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.self, c.authenticated
}

// AddressDegraded reports whether this session fell back to a suffixed
// transport address (duplicate session for the same account) and is
// unreachable at the canonical one.
func (c *Client) AddressDegraded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.links != nil && c.links.AddressDegraded()
}

// identity snapshots the local user as a registry entry. The address
// is always the canonical derivation, even for a degraded session:
// that unreachability is the documented duplicate-session limitation.
func (c *Client) identity() types.PeerIdentity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return types.PeerIdentity{
		ID:               c.self.ID,
		Profile:          c.self,
		TransportAddress: c.cfg.AddressPrefix + c.self.ID,
	}
}

// Discover fetches and reconciles the candidate list on demand
// (pull-to-refresh). The background loop refreshes the same list on
// the configured cadence; Candidates returns the latest result.
func (c *Client) Discover(ctx context.Context) []types.User {
	c.mu.RLock()
	recon := c.recon
	c.mu.RUnlock()
	if recon == nil {
		return []types.User{}
	}

	users := recon.Candidates(ctx)
	c.setCandidates(users)
	return users
}

// Candidates returns the most recent discovery result.
func (c *Client) Candidates() []types.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.User, len(c.candidates))
	copy(out, c.candidates)
	return out
}

func (c *Client) setCandidates(users []types.User) {
	c.mu.Lock()
	c.candidates = users
	c.mu.Unlock()
}

// SearchByID performs directed lookup by raw id input. Misses return
// discovery.ErrNotFound; registry failures discovery.ErrUnavailable.
func (c *Client) SearchByID(ctx context.Context, raw string) (types.User, error) {
	c.mu.RLock()
	recon := c.recon
	c.mu.RUnlock()
	if recon == nil {
		return types.User{}, ErrNoSession
	}
	return recon.SearchByID(ctx, raw)
}

// Match implements the right swipe: deterministic pair chat plus a
// dial to the matched peer. A left swipe needs no call at all.
func (c *Client) Match(ctx context.Context, other types.User) (types.Chat, error) {
	c.mu.RLock()
	recon := c.recon
	c.mu.RUnlock()
	if recon == nil {
		return types.Chat{}, ErrNoSession
	}
	return recon.Match(ctx, other)
}

// StartChat opens (or reuses) the pair chat with a peer, dialing it in
// the process. Same semantics as Match; separate name because the UI
// reaches it from profile view rather than the swipe deck.
func (c *Client) StartChat(ctx context.Context, other types.User) (types.Chat, error) {
	return c.Match(ctx, other)
}

// Chats lists the authenticated user's conversations.
func (c *Client) Chats() []types.Chat {
	c.mu.RLock()
	self := c.self
	ok := c.authenticated
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	return c.store.GetChatsForUser(self.ID)
}

// Online reports whether a lastSeen timestamp counts as active. Uses
// the same staleness window as the registry itself.
func (c *Client) Online(lastSeen int64) bool {
	c.mu.RLock()
	recon := c.recon
	c.mu.RUnlock()
	if recon == nil {
		return false
	}
	return recon.Online(lastSeen)
}

// SendMessage persists the message locally and attempts best-effort
// delivery to the peer. The returned flag reports whether the message
// actually left on an open link; false means it was dropped (and a
// background dial was kicked off for next time), not queued.
func (c *Client) SendMessage(ctx context.Context, chatID, peerID string, msg types.Message) (bool, error) {
	c.mu.RLock()
	self := c.self
	links := c.links
	ok := c.authenticated
	c.mu.RUnlock()
	if !ok {
		return false, ErrNoSession
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SenderID == "" {
		msg.SenderID = self.ID
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = types.Millis(nowFunc())
	}

	// The sender's own copy persists regardless of delivery.
	if err := c.store.SaveMessage(chatID, msg); err != nil {
		return false, err
	}

	if c.synthetic != nil && c.synthetic(peerID) {
		// Synthetic personas never have a link; the assistant answers
		// for them.
		go c.generatePersonaReply(chatID, peerID, msg.Text)
		return true, nil
	}

	err := links.Send(peerID, transport.ChatMessage{ChatID: chatID, Message: msg})
	if errors.Is(err, transport.ErrNotConnected) {
		// Implicit redial for the next send; this one stays dropped.
		go func() {
			dialCtx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
			defer cancel()
			_ = links.Dial(dialCtx, peerID)
		}()
		return false, nil
	}
	if err != nil {
		return false, nil
	}
	return true, nil
}

// SendTyping sends a typing indicator, best effort.
func (c *Client) SendTyping(chatID, peerID string, isTyping bool) {
	c.mu.RLock()
	self := c.self
	links := c.links
	ok := c.authenticated
	c.mu.RUnlock()
	if !ok {
		return
	}
	_ = links.Send(peerID, transport.TypingStatus{
		ChatID:   chatID,
		UserID:   self.ID,
		IsTyping: isTyping,
	})
}

// PublishPost stores the post locally, publishes it into the shared
// feed, and broadcasts it to every open link. Publishing the same post
// id twice is idempotent end to end.
func (c *Client) PublishPost(ctx context.Context, post types.Post) (types.Post, error) {
	c.mu.RLock()
	self := c.self
	links := c.links
	ok := c.authenticated
	c.mu.RUnlock()
	if !ok {
		return types.Post{}, ErrNoSession
	}

	if post.ID == "" {
		post.ID = uuid.NewString()
	}
	if post.UserID == "" {
		post.UserID = self.ID
	}
	if post.Timestamp == 0 {
		post.Timestamp = types.Millis(nowFunc())
	}
	if post.Likes == nil {
		post.Likes = []string{}
	}
	if post.Comments == nil {
		post.Comments = []types.Comment{}
	}

	c.store.CreatePost(post)

	if err := c.dir.PublishPost(ctx, post); err != nil {
		return post, err
	}
	links.Broadcast(transport.PostBroadcast{Post: post})
	return post, nil
}

// Feed merges the shared feed into the local store and returns the
// combined posts, newest first.
func (c *Client) Feed(ctx context.Context) []types.Post {
	remote := c.dir.FetchFeed(ctx)
	for _, p := range remote {
		c.store.CreatePost(p)
	}
	posts := c.store.AllPosts()
	sort.Slice(posts, func(i, j int) bool { return posts[i].Timestamp > posts[j].Timestamp })
	return posts
}

// UpdateProfile saves profile edits and republishes immediately so
// other peers see them before the next pulse tick.
func (c *Client) UpdateProfile(ctx context.Context, updated types.User) error {
	c.mu.Lock()
	if !c.authenticated || c.self.ID != updated.ID {
		c.mu.Unlock()
		return ErrNoSession
	}
	c.self = updated
	c.mu.Unlock()

	if !c.store.UpdateUserProfile(updated.ID, updated) {
		return fmt.Errorf("linkup: profile %q not found in store", updated.ID)
	}

	pubCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	if err := c.dir.PublishProfile(pubCtx, c.identity()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "UpdateProfile",
			"user_id":  updated.ID,
			"error":    err,
		}).Warn("Immediate profile publish failed, next pulse will retry")
	}
	return nil
}

// RewriteBio asks the assistant for a punchier bio, degrading to the
// original text when the collaborator is unavailable.
func (c *Client) RewriteBio(ctx context.Context, bio string) string {
	return c.assistant.RewriteBio(ctx, bio)
}

// SuggestIcebreaker asks the assistant for an opener.
func (c *Client) SuggestIcebreaker(ctx context.Context, name string) string {
	return c.assistant.SuggestIcebreaker(ctx, name)
}

// ExportSnapshot serializes the local store to an opaque string.
func (c *Client) ExportSnapshot() (string, error) {
	return c.store.ExportSnapshot()
}

// ImportSnapshot replaces the local store from an exported snapshot.
func (c *Client) ImportSnapshot(raw string) bool {
	return c.store.ImportSnapshot(raw)
}

// OnMessage subscribes to inbound chat messages (after persistence).
// Handlers run in registration order; the returned function
// unsubscribes.
func (c *Client) OnMessage(h transport.MessageHandler) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.nextSubID++
	id := c.nextSubID
	c.messageSubs = append(c.messageSubs, clientSub[transport.MessageHandler]{id: id, fn: h})
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		for i, s := range c.messageSubs {
			if s.id == id {
				c.messageSubs = append(c.messageSubs[:i], c.messageSubs[i+1:]...)
				return
			}
		}
	}
}

// OnTyping subscribes to inbound typing indicators. Indicators from
// the local user (echoes) are filtered out.
func (c *Client) OnTyping(h transport.TypingHandler) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.nextSubID++
	id := c.nextSubID
	c.typingSubs = append(c.typingSubs, clientSub[transport.TypingHandler]{id: id, fn: h})
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		for i, s := range c.typingSubs {
			if s.id == id {
				c.typingSubs = append(c.typingSubs[:i], c.typingSubs[i+1:]...)
				return
			}
		}
	}
}

// OnPost subscribes to inbound post broadcasts (after persistence).
func (c *Client) OnPost(h transport.PostHandler) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.nextSubID++
	id := c.nextSubID
	c.postSubs = append(c.postSubs, clientSub[transport.PostHandler]{id: id, fn: h})
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		for i, s := range c.postSubs {
			if s.id == id {
				c.postSubs = append(c.postSubs[:i], c.postSubs[i+1:]...)
				return
			}
		}
	}
}

// generatePersonaReply asks the assistant for an in-character reply
// from a synthetic peer and delivers it like an inbound message.
func (c *Client) generatePersonaReply(chatID, personaID, last string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()

	bio := ""
	if persona, ok := c.store.GetUserByID(personaID); ok {
		bio = persona.Bio
	}
	var history []types.Message
	for _, chat := range c.store.GetChatsForUser(personaID) {
		if chat.ID == chatID {
			history = chat.Messages
			break
		}
	}

	reply := types.Message{
		ID:        uuid.NewString(),
		SenderID:  personaID,
		Text:      c.assistant.ChatReply(ctx, bio, history, last),
		Timestamp: types.Millis(nowFunc()),
	}
	c.handleInboundMessage(chatID, reply)
}

// handleInboundMessage persists and fans out one inbound chat message.
// If the chat does not exist yet (the far side matched first) and the
// chat id is the canonical pair id, the chat is created on the fly.
func (c *Client) handleInboundMessage(chatID string, msg types.Message) {
	c.mu.RLock()
	self := c.self
	ok := c.authenticated
	c.mu.RUnlock()
	if !ok {
		return
	}

	err := c.store.SaveMessage(chatID, msg)
	if errors.Is(err, storage.ErrChatNotFound) && chatID == types.PairChatID(self.ID, msg.SenderID) {
		c.store.CreateChatIfAbsent(types.Chat{
			ID:           chatID,
			Participants: []string{self.ID, msg.SenderID},
			Messages:     []types.Message{},
			IsGroup:      false,
		})
		err = c.store.SaveMessage(chatID, msg)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleInboundMessage",
			"chat_id":  chatID,
			"error":    err,
		}).Error("Failed to persist inbound message")
		return
	}

	c.subMu.Lock()
	subs := append([]clientSub[transport.MessageHandler](nil), c.messageSubs...)
	c.subMu.Unlock()
	for _, s := range subs {
		s.fn(chatID, msg)
	}
}

func (c *Client) handleInboundTyping(chatID, userID string, isTyping bool) {
	c.mu.RLock()
	self := c.self
	ok := c.authenticated
	c.mu.RUnlock()
	if !ok || userID == self.ID {
		return
	}

	c.subMu.Lock()
	subs := append([]clientSub[transport.TypingHandler](nil), c.typingSubs...)
	c.subMu.Unlock()
	for _, s := range subs {
		s.fn(chatID, userID, isTyping)
	}
}

func (c *Client) handleInboundPost(post types.Post) {
	c.mu.RLock()
	ok := c.authenticated
	c.mu.RUnlock()
	if !ok {
		return
	}

	c.store.CreatePost(post)

	c.subMu.Lock()
	subs := append([]clientSub[transport.PostHandler](nil), c.postSubs...)
	c.subMu.Unlock()
	for _, s := range subs {
		s.fn(post)
	}
}
