// Package storage implements the local persistence layer: registered
// accounts, the peer profile cache, chats, and posts. The store is an
// in-memory key-value structure with JSON snapshot export/import; every
// operation is safe for concurrent use.
package storage

import (
	"errors"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/linkup-app/linkup/types"
)

// ErrChatNotFound is returned when a message targets a chat that does
// not exist locally. Surfaced rather than swallowed so callers never
// silently lose writes.
var ErrChatNotFound = errors.New("storage: chat not found")

// ErrEmailTaken is returned when registering an already-used email.
var ErrEmailTaken = errors.New("storage: email already registered")

// Account couples login credentials with a profile.
type Account struct {
	Email    string     `json:"email"`
	Password string     `json:"password,omitempty"`
	User     types.User `json:"user"`
}

// Store is the local database. Accounts hold credentialed local users;
// the peer cache holds profiles learned from the registry so chat and
// feed lookups resolve names without a network round trip.
type Store struct {
	mu        sync.RWMutex
	accounts  []Account
	peerCache map[string]types.User
	chats     []types.Chat
	posts     []types.Post
}

// New creates an empty store.
func New() *Store {
	return &Store{
		peerCache: make(map[string]types.User),
	}
}

// RegisterUser adds a credentialed local account.
func (s *Store) RegisterUser(email, password string, u types.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.accounts {
		if a.Email == email {
			return ErrEmailTaken
		}
	}
	s.accounts = append(s.accounts, Account{Email: email, Password: password, User: u})

	logrus.WithFields(logrus.Fields{
		"function": "RegisterUser",
		"user_id":  u.ID,
	}).Info("Registered local account")
	return nil
}

// Authenticate checks credentials against registered accounts.
func (s *Store) Authenticate(email, password string) (types.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.accounts {
		if a.Email == email && a.Password == password {
			return a.User, true
		}
	}
	return types.User{}, false
}

// GetUserByID resolves a profile from local accounts first, then from
// the peer cache.
func (s *Store) GetUserByID(id string) (types.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.accounts {
		if a.User.ID == id {
			return a.User, true
		}
	}
	if u, ok := s.peerCache[id]; ok {
		return u, true
	}
	return types.User{}, false
}

// CacheUser upserts a remotely-learned profile into the peer cache.
func (s *Store) CacheUser(u types.User) {
	if u.ID == "" {
		return
	}
	s.mu.Lock()
	s.peerCache[u.ID] = u
	s.mu.Unlock()
}

// UpdateUserProfile replaces a registered account's profile in place.
func (s *Store) UpdateUserProfile(id string, u types.User) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.accounts {
		if s.accounts[i].User.ID == id {
			s.accounts[i].User = u
			return true
		}
	}
	return false
}

// AllUsers returns the profiles of all registered local accounts.
func (s *Store) AllUsers() []types.User {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]types.User, 0, len(s.accounts))
	for _, a := range s.accounts {
		users = append(users, a.User)
	}
	return users
}

// GetChatsForUser returns every chat the user participates in.
func (s *Store) GetChatsForUser(id string) []types.Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Chat
	for _, c := range s.chats {
		for _, p := range c.Participants {
			if p == id {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// CreateChatIfAbsent adds a chat unless an equivalent one exists. For
// non-group chats, equivalence is the unordered participant set, so
// both sides of a match converge on a single conversation.
func (s *Store) CreateChatIfAbsent(c types.Chat) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.chats {
		if existing.ID == c.ID {
			return
		}
		if !c.IsGroup && !existing.IsGroup && types.SameParticipants(existing.Participants, c.Participants) {
			return
		}
	}
	s.chats = append(s.chats, c)

	logrus.WithFields(logrus.Fields{
		"function":     "CreateChatIfAbsent",
		"chat_id":      c.ID,
		"participants": len(c.Participants),
	}).Debug("Created chat")
}

// SaveMessage appends a message to a chat, idempotent on message id.
func (s *Store) SaveMessage(chatID string, m types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.chats {
		if s.chats[i].ID != chatID {
			continue
		}
		for _, existing := range s.chats[i].Messages {
			if existing.ID == m.ID {
				return nil
			}
		}
		s.chats[i].Messages = append(s.chats[i].Messages, m)
		return nil
	}
	return ErrChatNotFound
}

// AllPosts returns every locally known post.
func (s *Store) AllPosts() []types.Post {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Post, len(s.posts))
	copy(out, s.posts)
	return out
}

// PostsByUser returns a user's posts, newest first.
func (s *Store) PostsByUser(id string) []types.Post {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Post
	for _, p := range s.posts {
		if p.UserID == id {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out
}

// CreatePost stores a post, idempotent on post id.
func (s *Store) CreatePost(p types.Post) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.posts {
		if existing.ID == p.ID {
			return
		}
	}
	s.posts = append(s.posts, p)
}

// DeletePost removes a post by id.
func (s *Store) DeletePost(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, p := range s.posts {
		if p.ID == id {
			s.posts = append(s.posts[:i], s.posts[i+1:]...)
			return
		}
	}
}

// LikePost toggles a user's like on a post.
func (s *Store) LikePost(postID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.posts {
		if s.posts[i].ID != postID {
			continue
		}
		for j, id := range s.posts[i].Likes {
			if id == userID {
				s.posts[i].Likes = append(s.posts[i].Likes[:j], s.posts[i].Likes[j+1:]...)
				return
			}
		}
		s.posts[i].Likes = append(s.posts[i].Likes, userID)
		return
	}
}

// CommentOnPost appends a comment; reports whether the post exists.
func (s *Store) CommentOnPost(postID string, c types.Comment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.posts {
		if s.posts[i].ID == postID {
			s.posts[i].Comments = append(s.posts[i].Comments, c)
			return true
		}
	}
	return false
}
