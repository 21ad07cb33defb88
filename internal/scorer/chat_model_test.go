package scorer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAICompatibleChatModelGenerate(t *testing.T) {
	var received chatCompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","model":"qwen-turbo","choices":[{"index":0,"message":{"role":"assistant","content":"{\"match_score\":90}"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	m, err := NewOpenAICompatibleChatModel(ChatModelConfig{APIKey: "sk-test", APIURL: server.URL, Temperature: 0.1, JSONMode: true})
	require.NoError(t, err)

	resp, err := m.Generate(context.Background(), []*schema.Message{
		schema.SystemMessage("sys"),
		schema.UserMessage("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, schema.Assistant, resp.Role)
	assert.Equal(t, `{"match_score":90}`, resp.Content)

	assert.Equal(t, "qwen-turbo", received.Model)
	require.Len(t, received.Messages, 2)
	assert.Equal(t, "system", received.Messages[0].Role)
	require.NotNil(t, received.ResponseFormat)
	assert.Equal(t, "json_object", received.ResponseFormat.Type)
}

func TestOpenAICompatibleChatModelHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limit"}`))
	}))
	defer server.Close()

	m, err := NewOpenAICompatibleChatModel(ChatModelConfig{APIKey: "sk-test", APIURL: server.URL})
	require.NoError(t, err)

	_, err = m.Generate(context.Background(), []*schema.Message{schema.UserMessage("hi")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestOpenAICompatibleChatModelRequiresKey(t *testing.T) {
	_, err := NewOpenAICompatibleChatModel(ChatModelConfig{})
	assert.Error(t, err)
}
