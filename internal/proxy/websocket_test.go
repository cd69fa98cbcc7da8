package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sessions map[string]string

func (s sessions) ConnectURL(_ context.Context, id string) (string, error) {
	url, ok := s[id]
	if !ok {
		return "", context.Canceled
	}
	return url, nil
}

func TestResolve(t *testing.T) {
	srv := NewServer(sessions{"local": "", "remote": "ws://127.0.0.1:9222"}, nil)

	_, err := srv.Resolve(context.Background(), "local")
	assert.ErrorIs(t, err, ErrNoBrowser)

	url, err := srv.Resolve(context.Background(), "remote")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9222", url)

	_, err = srv.Resolve(context.Background(), "missing")
	assert.Error(t, err)
}

func TestHandleDebugConnection_Relays(t *testing.T) {
	// Stand-in for the browser's CDP endpoint: echoes every frame.
	chrome := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	defer chrome.Close()
	chromeURL := "ws" + strings.TrimPrefix(chrome.URL, "http")

	srv := NewServer(sessions{"s1": chromeURL}, nil)
	front := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		url, err := srv.Resolve(r.Context(), "s1")
		require.NoError(t, err)
		srv.HandleDebugConnection(w, r, "s1", url)
	}))
	defer front.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(front.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"method":"Browser.getVersion"}`)))
	_, msg, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"id":1,"method":"Browser.getVersion"}`, string(msg))
}
