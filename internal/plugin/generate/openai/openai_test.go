package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chirino/chat-service/internal/model"
	registrygenerate "github.com/chirino/chat-service/internal/registry/generate"
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type sentRequest struct {
	Model     string        `json:"model"`
	Messages  []sentMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

func completionServer(t *testing.T, status int, body string, check func(sentRequest)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if check != nil {
			var req sentRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			check(req)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGenerate_SendsSystemAndHistory(t *testing.T) {
	srv := completionServer(t, http.StatusOK,
		`{"choices":[{"index":0,"message":{"role":"assistant","content":" Hi there "}}]}`,
		func(req sentRequest) {
			require.Equal(t, "gpt-test", req.Model)
			require.Equal(t, 64, req.MaxTokens)
			require.Len(t, req.Messages, 3)
			require.Equal(t, "system", req.Messages[0].Role)
			require.Contains(t, req.Messages[0].Content, "user: my dog is Rex")
			require.Equal(t, sentMessage{Role: "assistant", Content: "earlier"}, req.Messages[1])
			require.Equal(t, sentMessage{Role: "user", Content: "Hello"}, req.Messages[2])
		})

	g := New(srv.URL+"/v1/", "sk-test", "gpt-test", 64)
	reply, err := g.Generate(context.Background(), registrygenerate.Request{
		System: "be nice",
		Memory: []registrygenerate.Turn{{Role: model.RoleUser, Content: "my dog is Rex"}},
		History: []registrygenerate.Turn{
			{Role: model.RoleAssistant, Content: "earlier"},
			{Role: model.RoleUser, Content: "Hello"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "Hi there", reply)
}

func TestGenerate_ReportsAPIError(t *testing.T) {
	srv := completionServer(t, http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"rate_limit"}}`, nil)

	g := New(srv.URL+"/v1", "sk-test", "gpt-test", 0)
	_, err := g.Generate(context.Background(), registrygenerate.Request{
		History: []registrygenerate.Turn{{Role: model.RoleUser, Content: "Hello"}},
	})
	require.ErrorContains(t, err, "slow down")
}

func TestGenerate_NoChoices(t *testing.T) {
	srv := completionServer(t, http.StatusOK, `{"choices":[]}`, nil)

	g := New(srv.URL+"/v1", "sk-test", "gpt-test", 0)
	_, err := g.Generate(context.Background(), registrygenerate.Request{
		History: []registrygenerate.Turn{{Role: model.RoleUser, Content: "Hello"}},
	})
	require.ErrorIs(t, err, errNoReply)
}

func TestGenerate_EmptyHistory(t *testing.T) {
	_, err := New("", "sk-test", "gpt-test", 0).Generate(context.Background(), registrygenerate.Request{})
	require.Error(t, err)
}
