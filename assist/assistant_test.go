package assist

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkup-app/linkup/types"
)

func generatorServer(t *testing.T, handler func(prompt string) (string, int)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		text, status := handler(req.Prompt)
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(generateResponse{Text: text})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRewriteBioUsesGeneratedText(t *testing.T) {
	var gotPrompt string
	srv := generatorServer(t, func(prompt string) (string, int) {
		gotPrompt = prompt
		return "Catchy bio", http.StatusOK
	})

	a := NewHTTP(srv.URL, time.Second)
	out := a.RewriteBio(context.Background(), "I like hiking")

	assert.Equal(t, "Catchy bio", out)
	assert.Contains(t, gotPrompt, "I like hiking")
}

func TestRewriteBioFallsBackToOriginal(t *testing.T) {
	srv := generatorServer(t, func(string) (string, int) {
		return "", http.StatusInternalServerError
	})

	a := NewHTTP(srv.URL, time.Second)
	assert.Equal(t, "I like hiking", a.RewriteBio(context.Background(), "I like hiking"))
}

func TestSuggestIcebreakerFallback(t *testing.T) {
	// Unreachable endpoint: connection failure, not an error status.
	a := NewHTTP("http://127.0.0.1:1/generate", 200*time.Millisecond)
	assert.Equal(t, fallbackIcebreaker, a.SuggestIcebreaker(context.Background(), "Ana"))
}

func TestSuggestIcebreakerIncludesName(t *testing.T) {
	var gotPrompt string
	srv := generatorServer(t, func(prompt string) (string, int) {
		gotPrompt = prompt
		return "Hey Ana, truth or dare?", http.StatusOK
	})

	a := NewHTTP(srv.URL, time.Second)
	out := a.SuggestIcebreaker(context.Background(), "Ana")

	assert.Equal(t, "Hey Ana, truth or dare?", out)
	assert.Contains(t, gotPrompt, "Ana")
}

func TestChatReplyIncludesPersonaAndHistory(t *testing.T) {
	var gotPrompt string
	srv := generatorServer(t, func(prompt string) (string, int) {
		gotPrompt = prompt
		return "Haha, good one", http.StatusOK
	})

	a := NewHTTP(srv.URL, time.Second)
	history := []types.Message{
		{SenderID: "u1", Text: "hi"},
		{SenderID: "bot-sarah", Text: "hey you"},
	}
	out := a.ChatReply(context.Background(), "Adventurous foodie", history, "any plans tonight?")

	assert.Equal(t, "Haha, good one", out)
	assert.Contains(t, gotPrompt, "Adventurous foodie")
	assert.Contains(t, gotPrompt, "hey you")
	assert.Contains(t, gotPrompt, "any plans tonight?")
}

func TestGenerateEmptyTextFallsBack(t *testing.T) {
	srv := generatorServer(t, func(string) (string, int) {
		return "", http.StatusOK
	})

	a := NewHTTP(srv.URL, time.Second)
	assert.Equal(t, fallbackReply, a.ChatReply(context.Background(), "bio", nil, "hi"))
}

func TestGenerateMalformedResponseFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	t.Cleanup(srv.Close)

	a := NewHTTP(srv.URL, time.Second)
	assert.Equal(t, fallbackIcebreaker, a.SuggestIcebreaker(context.Background(), "Ana"))
}

func TestStaticAssistant(t *testing.T) {
	var a Assistant = Static{}
	ctx := context.Background()

	assert.Equal(t, "my bio", a.RewriteBio(ctx, "my bio"))
	assert.Equal(t, fallbackIcebreaker, a.SuggestIcebreaker(ctx, "Ana"))
	assert.Equal(t, fallbackReply, a.ChatReply(ctx, "bio", nil, "hi"))
}
