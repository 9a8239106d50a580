package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSocketRoundTrip(t *testing.T) {
	upgraded := make(chan *WebSocket, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := Upgrade(w, r)
		require.NoError(t, err)
		upgraded <- ws
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := Dial(context.Background(), wsURL)
	require.NoError(t, err)
	defer client.Close()

	var server *WebSocket
	select {
	case server = <-upgraded:
	case <-time.After(2 * time.Second):
		t.Fatal("server side never upgraded")
	}
	defer server.Close()

	require.NoError(t, client.Send(context.Background(), Frame{Type: "GENERATE", Payload: []byte(`{"a":1}`)}))

	frame, err := server.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "GENERATE", frame.Type)
	assert.JSONEq(t, `{"a":1}`, string(frame.Payload))
}

func TestSplitFrameRejectsMissingSeparator(t *testing.T) {
	_, err := splitFrame([]byte("no-space-here"))
	assert.Error(t, err)
}

func TestSplitFrameSplitsOnFirstSpace(t *testing.T) {
	frame, err := splitFrame([]byte(`MSG {"model_info":true}`))
	require.NoError(t, err)
	assert.Equal(t, "MSG", frame.Type)
	assert.JSONEq(t, `{"model_info":true}`, string(frame.Payload))
}
