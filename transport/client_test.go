package transport

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkup-app/linkup/types"
)

func newFabricClient(t *testing.T, fabric *MemFabric, selfID string) *Client {
	t.Helper()
	c := NewClient(Options{
		AddressPrefix: "linkup-p2p-",
		Network:       fabric.Network(),
	})
	require.NoError(t, c.Start(context.Background(), selfID))
	t.Cleanup(c.Close)
	return c
}

// collectMessages subscribes and returns a thread-safe drain.
func collectMessages(c *Client) func() []types.Message {
	var mu sync.Mutex
	var got []types.Message
	c.OnMessage(func(chatID string, msg types.Message) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})
	return func() []types.Message {
		mu.Lock()
		defer mu.Unlock()
		out := make([]types.Message, len(got))
		copy(out, got)
		return out
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDialStoresConnectionUnderPeerID(t *testing.T) {
	fabric := NewMemFabric()
	alice := newFabricClient(t, fabric, "u2")
	_ = newFabricClient(t, fabric, "u1")

	require.NoError(t, alice.Dial(context.Background(), "u1"))

	// Scenario: the link's remote address is "linkup-p2p-u1", but the
	// mapping key is the bare account id.
	assert.True(t, alice.IsConnected("u1"))
	assert.Equal(t, 1, alice.ConnectionCount())
}

func TestDialTwiceKeepsOneConnection(t *testing.T) {
	fabric := NewMemFabric()
	alice := newFabricClient(t, fabric, "u2")
	_ = newFabricClient(t, fabric, "u1")

	require.NoError(t, alice.Dial(context.Background(), "u1"))
	require.NoError(t, alice.Dial(context.Background(), "u1"))

	assert.Equal(t, 1, alice.ConnectionCount())
}

func TestSendWithoutConnectionDrops(t *testing.T) {
	fabric := NewMemFabric()
	alice := newFabricClient(t, fabric, "u2")
	bob := newFabricClient(t, fabric, "u1")
	bobGot := collectMessages(bob)

	err := alice.Send("u1", ChatMessage{ChatID: "c1", Message: types.Message{ID: "m1", Text: "lost"}})
	assert.ErrorIs(t, err, ErrNotConnected)

	// The drop is permanent: connecting afterwards does not replay it.
	require.NoError(t, alice.Dial(context.Background(), "u1"))
	require.NoError(t, alice.Send("u1", ChatMessage{ChatID: "c1", Message: types.Message{ID: "m2", Text: "arrives"}}))

	waitFor(t, func() bool { return len(bobGot()) == 1 })
	assert.Equal(t, "m2", bobGot()[0].ID)
}

func TestInboundPeerIDRecoveredFromAddress(t *testing.T) {
	fabric := NewMemFabric()
	alice := newFabricClient(t, fabric, "u2")
	bob := newFabricClient(t, fabric, "u1")

	require.NoError(t, alice.Dial(context.Background(), "u1"))
	// Bob learns the link from the inbound side; alice's address is
	// "linkup-p2p-u2" and must map back to peer id "u2".
	waitFor(t, func() bool { return bob.IsConnected("u2") })
}

func TestMessageRoundTrip(t *testing.T) {
	fabric := NewMemFabric()
	alice := newFabricClient(t, fabric, "u2")
	bob := newFabricClient(t, fabric, "u1")
	bobGot := collectMessages(bob)

	require.NoError(t, alice.Dial(context.Background(), "u1"))
	msg := types.Message{ID: "m1", SenderID: "u2", Text: "hey", Timestamp: 1}
	require.NoError(t, alice.Send("u1", ChatMessage{ChatID: "chat_u1_u2", Message: msg}))

	waitFor(t, func() bool { return len(bobGot()) == 1 })
	assert.Equal(t, msg, bobGot()[0])
}

func TestTypingAndPostDispatch(t *testing.T) {
	fabric := NewMemFabric()
	alice := newFabricClient(t, fabric, "u2")
	bob := newFabricClient(t, fabric, "u1")

	var mu sync.Mutex
	var typing []bool
	var posts []types.Post
	bob.OnTyping(func(chatID, userID string, isTyping bool) {
		mu.Lock()
		typing = append(typing, isTyping)
		mu.Unlock()
	})
	bob.OnPost(func(post types.Post) {
		mu.Lock()
		posts = append(posts, post)
		mu.Unlock()
	})

	require.NoError(t, alice.Dial(context.Background(), "u1"))
	require.NoError(t, alice.Send("u1", TypingStatus{ChatID: "c1", UserID: "u2", IsTyping: true}))
	require.NoError(t, alice.Send("u1", PostBroadcast{Post: types.Post{ID: "p1", UserID: "u2"}}))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(typing) == 1 && len(posts) == 1
	})
	assert.True(t, typing[0])
	assert.Equal(t, "p1", posts[0].ID)
}

func TestSubscribersRunInOrderAndUnsubscribe(t *testing.T) {
	fabric := NewMemFabric()
	alice := newFabricClient(t, fabric, "u2")
	bob := newFabricClient(t, fabric, "u1")

	var mu sync.Mutex
	var order []string
	bob.OnMessage(func(string, types.Message) {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
	})
	unsub := bob.OnMessage(func(string, types.Message) {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
	})

	require.NoError(t, alice.Dial(context.Background(), "u1"))
	require.NoError(t, alice.Send("u1", ChatMessage{ChatID: "c1", Message: types.Message{ID: "m1"}}))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})
	assert.Equal(t, []string{"first", "second"}, order)

	unsub()
	require.NoError(t, alice.Send("u1", ChatMessage{ChatID: "c1", Message: types.Message{ID: "m2"}}))
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})
	assert.Equal(t, "first", order[2])
}

func TestDuplicateSessionFallsBackToSuffixedAddress(t *testing.T) {
	fabric := NewMemFabric()
	first := newFabricClient(t, fabric, "u1")
	assert.False(t, first.AddressDegraded())
	assert.Equal(t, "linkup-p2p-u1", first.LocalAddress())

	second := NewClient(Options{
		AddressPrefix: "linkup-p2p-",
		Network:       fabric.Network(),
	})
	require.NoError(t, second.Start(context.Background(), "u1"))
	t.Cleanup(second.Close)

	assert.True(t, second.AddressDegraded())
	assert.True(t, strings.HasPrefix(second.LocalAddress(), "linkup-p2p-u1-"))
	assert.NotEqual(t, first.LocalAddress(), second.LocalAddress())
}

func TestSyntheticPeerIsNotDialed(t *testing.T) {
	fabric := NewMemFabric()
	c := NewClient(Options{
		AddressPrefix: "linkup-p2p-",
		Network:       fabric.Network(),
		Synthetic:     func(peerID string) bool { return strings.HasPrefix(peerID, "bot-") },
	})
	require.NoError(t, c.Start(context.Background(), "u1"))
	t.Cleanup(c.Close)

	require.NoError(t, c.Dial(context.Background(), "bot-sarah"))
	assert.Equal(t, 0, c.ConnectionCount())
}

func TestDialUnknownPeerFails(t *testing.T) {
	fabric := NewMemFabric()
	c := newFabricClient(t, fabric, "u1")

	err := c.Dial(context.Background(), "nobody")
	assert.Error(t, err)
	assert.Equal(t, 0, c.ConnectionCount())
}

func TestCloseRemovesAllConnections(t *testing.T) {
	fabric := NewMemFabric()
	alice := newFabricClient(t, fabric, "u2")
	bob := newFabricClient(t, fabric, "u1")

	require.NoError(t, alice.Dial(context.Background(), "u1"))
	waitFor(t, func() bool { return bob.IsConnected("u2") })

	alice.Close()
	assert.Equal(t, 0, alice.ConnectionCount())

	// Bob's side observes the channel death and drops the entry too.
	waitFor(t, func() bool { return bob.ConnectionCount() == 0 })
}

func TestPeerDisconnectRemovesConnection(t *testing.T) {
	fabric := NewMemFabric()
	alice := newFabricClient(t, fabric, "u2")
	bob := newFabricClient(t, fabric, "u1")

	require.NoError(t, alice.Dial(context.Background(), "u1"))
	waitFor(t, func() bool { return bob.IsConnected("u2") })

	bob.Close()
	waitFor(t, func() bool { return alice.ConnectionCount() == 0 })

	// Closed is terminal: a fresh dial fails now that bob is gone.
	assert.Error(t, alice.Dial(context.Background(), "u1"))
}

func TestSendBeforeStart(t *testing.T) {
	c := NewClient(Options{AddressPrefix: "linkup-p2p-", Network: NewMemFabric().Network()})
	err := c.Dial(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrNotStarted)
}
