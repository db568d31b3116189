package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHTTPSenderPostsMessage(t *testing.T) {
	var received sendRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer gw-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_, _ = w.Write([]byte(`{"message_id":"wamid.123"}`))
	}))
	defer server.Close()

	sender := NewHTTPSender(HTTPSenderConfig{URL: server.URL, Token: "gw-token"})
	id, err := sender.Send(context.Background(), "tenant-a", "+5511999990000", "Oi!")
	require.NoError(t, err)
	assert.Equal(t, "wamid.123", id)
	assert.Equal(t, sendRequest{TenantID: "tenant-a", To: "+5511999990000", Text: "Oi!"}, received)
}

func TestHTTPSenderReportsGatewayErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer server.Close()

	sender := NewHTTPSender(HTTPSenderConfig{URL: server.URL})
	_, err := sender.Send(context.Background(), "tenant-a", "+5511999990000", "Oi!")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "502"))

	_, err = sender.Send(context.Background(), "tenant-a", " ", "Oi!")
	assert.ErrorIs(t, err, ErrInvalidDestination)
}

func TestLogSender(t *testing.T) {
	sender := NewLogSender(zap.NewNop())
	id, err := sender.Send(context.Background(), "tenant-a", "+5511999990000", "Oi!")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "log-"))
}
