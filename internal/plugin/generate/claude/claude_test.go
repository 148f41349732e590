package claude

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/chirino/chat-service/internal/model"
	registrygenerate "github.com/chirino/chat-service/internal/registry/generate"
	"github.com/stretchr/testify/require"
)

func TestToMessages_AlternatesAndStartsWithUser(t *testing.T) {
	messages := toMessages([]registrygenerate.Turn{
		{Role: model.RoleAssistant, Content: "dangling reply"},
		{Role: model.RoleUser, Content: "one"},
		{Role: model.RoleUser, Content: "two"},
		{Role: model.RoleAssistant, Content: "answer"},
		{Role: model.RoleUser, Content: "  "},
		{Role: model.RoleUser, Content: "three"},
	})
	require.Len(t, messages, 3)
	require.Equal(t, anthropic.MessageParamRoleUser, messages[0].Role)
	require.Equal(t, "one\n\ntwo", messages[0].Content[0].OfText.Text)
	require.Equal(t, anthropic.MessageParamRoleAssistant, messages[1].Role)
	require.Equal(t, anthropic.MessageParamRoleUser, messages[2].Role)
	require.Equal(t, "three", messages[2].Content[0].OfText.Text)
}

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		require.Equal(t, "sk-ant-test", r.Header.Get("X-Api-Key"))

		var body struct {
			Model     string `json:"model"`
			MaxTokens int    `json:"max_tokens"`
			System    []struct {
				Text string `json:"text"`
			} `json:"system"`
			Messages []struct {
				Role string `json:"role"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "claude-test", body.Model)
		require.Equal(t, 128, body.MaxTokens)
		require.Len(t, body.System, 1)
		require.Equal(t, "be nice", body.System[0].Text)
		require.Len(t, body.Messages, 1)
		require.Equal(t, "user", body.Messages[0].Role)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-test",
			"content": [{"type": "text", "text": "Hi there"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 3, "output_tokens": 2}
		}`))
	}))
	defer srv.Close()

	g := New("claude-test", 128, option.WithAPIKey("sk-ant-test"), option.WithBaseURL(srv.URL))
	reply, err := g.Generate(context.Background(), registrygenerate.Request{
		System:  "be nice",
		History: []registrygenerate.Turn{{Role: model.RoleUser, Content: "Hello"}},
	})
	require.NoError(t, err)
	require.Equal(t, "Hi there", reply)
}

func TestGenerate_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"boom"}}`))
	}))
	defer srv.Close()

	g := New("claude-test", 0, option.WithAPIKey("sk-ant-test"), option.WithBaseURL(srv.URL))
	_, err := g.Generate(context.Background(), registrygenerate.Request{
		History: []registrygenerate.Turn{{Role: model.RoleUser, Content: "Hello"}},
	})
	require.Error(t, err)
}

func TestGenerate_NoUserMessage(t *testing.T) {
	g := New("claude-test", 0, option.WithAPIKey("sk-ant-test"))
	_, err := g.Generate(context.Background(), registrygenerate.Request{
		History: []registrygenerate.Turn{{Role: model.RoleAssistant, Content: "orphan"}},
	})
	require.Error(t, err)
}
