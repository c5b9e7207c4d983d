// Package types defines the shared data model for the LinkUp client:
// user profiles, chats, messages, posts, and the peer identities that
// populate the shared discovery registry.
//
// Timestamps on wire and document types are unix milliseconds, matching
// the JSON documents exchanged through the remote document store.
package types

import (
	"sort"
	"strings"
	"time"
)

// User is a profile as shown in discovery and chat.
type User struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Age        int      `json:"age"`
	Bio        string   `json:"bio"`
	Media      []string `json:"media"`
	IsVideo    []bool   `json:"isVideo,omitempty"`
	Location   string   `json:"location,omitempty"`
	Preference string   `json:"preference,omitempty"`
}

// Message is a single chat message.
type Message struct {
	ID        string `json:"id"`
	SenderID  string `json:"senderId"`
	Text      string `json:"text"`
	Media     string `json:"media,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Chat is a conversation between two or more participants.
type Chat struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Participants []string  `json:"participants"`
	Messages     []Message `json:"messages"`
	IsGroup      bool      `json:"isGroup"`
}

// Comment is a single comment on a post.
type Comment struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// Post is one feed entry. Media entries are opaque data-URL strings.
type Post struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Type      string    `json:"type"`
	Media     []string  `json:"media"`
	IsVideo   []bool    `json:"isVideo"`
	Likes     []string  `json:"likes"`
	Comments  []Comment `json:"comments"`
	Timestamp int64     `json:"timestamp"`
}

// PeerIdentity is one entry of the shared discovery registry.
//
// TransportAddress is always derivable from ID alone; the stored value
// exists for directed search but is never trusted for dialing, since the
// registry is eventually consistent and may be stale.
type PeerIdentity struct {
	ID               string `json:"id"`
	Profile          User   `json:"displayProfile"`
	LastSeen         int64  `json:"lastSeen"`
	TransportAddress string `json:"transportAddress"`
}

// Millis converts a time to the unix-millisecond representation used on
// the wire and in the shared documents.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// PairChatID returns the deterministic chat id for a two-party chat.
// Both participants derive the same id regardless of argument order.
func PairChatID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return "chat_" + strings.Join(ids, "_")
}

// SameParticipants reports whether two participant lists contain the
// same ids, ignoring order. Used for non-group chat deduplication.
func SameParticipants(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, id := range a {
		seen[id]++
	}
	for _, id := range b {
		seen[id]--
		if seen[id] < 0 {
			return false
		}
	}
	return true
}
