package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenAICompatRequests(t *testing.T) {
	var chat openAIChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/chat/completions":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&chat))
			_, _ = w.Write([]byte(`{"choices":[{"message":{"content":" answer "}}]}`))
		case "/embeddings":
			_, _ = w.Write([]byte(`{"data":[{"embedding":[0.5,0.25]}]}`))
		case "/models":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusTeapot)
			_, _ = w.Write([]byte("nope"))
		}
	}))
	defer srv.Close()

	p, err := NewProvider("openai", map[string]interface{}{"api_key": "key", "base_url": srv.URL})
	require.NoError(t, err)
	out, err := p.Generate(context.Background(), &GenerateRequest{
		Model:  "gpt",
		Prompt: "describe",
		Images: []ImageRef{{MimeType: "image/png", Data: []byte{1, 2}}},
		Params: Params{JSON: true},
	})
	require.NoError(t, err)
	require.Equal(t, "answer", out)
	require.Equal(t, "gpt", chat.Model)
	require.NotNil(t, chat.ResponseFormat)
	require.Equal(t, "json_object", chat.ResponseFormat.Type)
	parts, ok := chat.Messages[0].Content.([]interface{})
	require.True(t, ok)
	require.Len(t, parts, 2)

	vec, err := p.Embed(context.Background(), "emb", "text", "document")
	require.NoError(t, err)
	require.Equal(t, []float32{0.5, 0.25}, vec)
	require.NoError(t, p.(IHealthChecker).Ping(context.Background()))

	keyless, err := NewProvider("openai", map[string]interface{}{"base_url": srv.URL})
	require.NoError(t, err)
	_, err = keyless.Generate(context.Background(), &GenerateRequest{Model: "gpt", Prompt: "x"})
	require.ErrorIs(t, err, ErrUnavailable)
}
