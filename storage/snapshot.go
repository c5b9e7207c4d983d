package storage

import (
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/linkup-app/linkup/types"
)

// snapshot is the serialized form of the whole store.
type snapshot struct {
	Accounts []Account             `json:"accounts"`
	Peers    map[string]types.User `json:"peers"`
	Chats    []types.Chat          `json:"chats"`
	Posts    []types.Post          `json:"posts"`
}

// ExportSnapshot serializes the full store to an opaque string.
func (s *Store) ExportSnapshot() (string, error) {
	s.mu.RLock()
	snap := snapshot{
		Accounts: append([]Account(nil), s.accounts...),
		Peers:    make(map[string]types.User, len(s.peerCache)),
		Chats:    append([]types.Chat(nil), s.chats...),
		Posts:    append([]types.Post(nil), s.posts...),
	}
	for id, u := range s.peerCache {
		snap.Peers[id] = u
	}
	s.mu.RUnlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ImportSnapshot replaces the store contents from an exported snapshot.
// Returns false on malformed input, leaving the store untouched.
func (s *Store) ImportSnapshot(raw string) bool {
	var snap snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ImportSnapshot",
			"error":    err,
		}).Warn("Rejected malformed snapshot")
		return false
	}

	s.mu.Lock()
	s.accounts = snap.Accounts
	s.chats = snap.Chats
	s.posts = snap.Posts
	s.peerCache = snap.Peers
	if s.peerCache == nil {
		s.peerCache = make(map[string]types.User)
	}
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "ImportSnapshot",
		"accounts": len(snap.Accounts),
		"chats":    len(snap.Chats),
		"posts":    len(snap.Posts),
	}).Info("Imported snapshot")
	return true
}
