// Package echo is a WebSocket echo service, used as a stand-in upstream for the relay.
package echo

import (
	"net/http"

	"github.com/gorilla/websocket"
	wsrshare "github.com/sammck-go/wsrelay/share"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server writes every message it receives back to its sender, keeping the message
// type. It counts the connections it has served.
type Server struct {
	logger    wsrshare.Logger
	connStats wsrshare.ConnStats
}

// NewServer creates an echo Server
func NewServer(logger wsrshare.Logger) *Server {
	return &Server{logger: logger.Fork("echo")}
}

// ConnStats returns the open/total connection counters
func (s *Server) ConnStats() *wsrshare.ConnStats {
	return &s.connStats
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.DLogf("Upgrade failed: %s", err)
		return
	}
	defer conn.Close()

	id := s.connStats.New()
	s.connStats.Open()
	defer s.connStats.Close()
	l := s.logger.Fork("conn#%d", id)
	l.DLogf("%v Client connected from %s", &s.connStats, r.RemoteAddr)

	n := 0
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			l.DLogf("Read ended after %d messages: %s", n, err)
			return
		}
		n++
		l.TLogf("Received %d bytes", len(message))
		if err := conn.WriteMessage(messageType, message); err != nil {
			l.DLogf("Write failed: %s", err)
			return
		}
	}
}
