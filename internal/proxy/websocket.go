// Package proxy relays a client's DevTools websocket to the browser backing
// a session, for live debugging of containerised sessions.
package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNoBrowser is returned when a session has no remote browser to attach to.
var ErrNoBrowser = errors.New("session has no remote browser")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Sessions resolves a session id to its browser's CDP endpoint.
type Sessions interface {
	ConnectURL(ctx context.Context, id string) (string, error)
}

type Server struct {
	sessions Sessions
	logger   *slog.Logger
}

func NewServer(sessions Sessions, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		sessions: sessions,
		logger:   logger,
	}
}

// Resolve returns the CDP endpoint for sessionID, or ErrNoBrowser.
func (s *Server) Resolve(ctx context.Context, sessionID string) (string, error) {
	url, err := s.sessions.ConnectURL(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if url == "" {
		return "", ErrNoBrowser
	}
	return url, nil
}

// HandleDebugConnection upgrades the request and pipes frames both ways
// until either side closes. Callers resolve chromeURL first so errors can
// still be reported over plain HTTP.
func (s *Server) HandleDebugConnection(w http.ResponseWriter, r *http.Request, sessionID, chromeURL string) {
	logger := s.logger.With("session_id", sessionID)

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("failed to upgrade debug connection", "error", err)
		return
	}
	defer clientConn.Close()

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	chromeConn, _, err := websocket.DefaultDialer.DialContext(ctx, chromeURL, nil)
	if err != nil {
		logger.Error("failed to connect to browser", "error", err)
		clientConn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "browser unavailable"))
		return
	}
	defer chromeConn.Close()

	logger.Info("debug client attached")

	errChan := make(chan error, 2)

	go func() {
		errChan <- s.proxyMessages(clientConn, chromeConn, "client→chrome")
	}()

	go func() {
		errChan <- s.proxyMessages(chromeConn, clientConn, "chrome→client")
	}()

	// Wait for either direction to close
	err = <-errChan
	if err != nil && err != io.EOF && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		logger.Warn("debug proxy closed with error", "error", err)
	}

	logger.Info("debug client detached")
}

func (s *Server) proxyMessages(src, dst *websocket.Conn, direction string) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Debug("websocket read failed", "direction", direction, "error", err)
			}
			return err
		}

		if err := dst.WriteMessage(messageType, message); err != nil {
			s.logger.Debug("websocket write failed", "direction", direction, "error", err)
			return err
		}
	}
}
