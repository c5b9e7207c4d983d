package transport

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkup-app/linkup/types"
)

func TestWireRoundTripChatMessage(t *testing.T) {
	in := ChatMessage{
		ChatID: "chat_u1_u2",
		Message: types.Message{
			ID:        "m1",
			SenderID:  "u1",
			Text:      "hello",
			Timestamp: 1700000000000,
		},
	}

	frame, err := encodeWire(in)
	require.NoError(t, err)

	out, err := decodeWire(frame)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestWireRoundTripTyping(t *testing.T) {
	in := TypingStatus{ChatID: "c1", UserID: "u2", IsTyping: true}

	frame, err := encodeWire(in)
	require.NoError(t, err)

	out, err := decodeWire(frame)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestWireRoundTripPost(t *testing.T) {
	in := PostBroadcast{Post: types.Post{ID: "p1", UserID: "u1", Timestamp: 42}}

	frame, err := encodeWire(in)
	require.NoError(t, err)

	out, err := decodeWire(frame)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestWireKindTags(t *testing.T) {
	frame, err := encodeWire(TypingStatus{ChatID: "c1", UserID: "u2", IsTyping: true})
	require.NoError(t, err)

	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(frame, &env))
	assert.Equal(t, "typing", env["kind"])
	assert.Equal(t, "c1", env["chatId"])
}

func TestDecodeWireUnknownKind(t *testing.T) {
	_, err := decodeWire([]byte(`{"kind":"presence-v2","userId":"u1"}`))
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestDecodeWireMalformed(t *testing.T) {
	_, err := decodeWire([]byte(`{{{`))
	assert.Error(t, err)

	_, err = decodeWire([]byte(`{"kind":"message"}`))
	assert.Error(t, err, "message frame without payload must not decode")
}
