package relay

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	wsrshare "github.com/sammck-go/wsrelay/share"
	"github.com/tomasen/realip"
)

// handleClientHandler is the main http handler for the relay
func (s *Server) handleClientHandler(w http.ResponseWriter, r *http.Request) {
	upgrade := strings.ToLower(r.Header.Get("Upgrade"))
	if upgrade == "websocket" {
		remote := realip.FromRequest(r)
		s.DLogf("Upgrading to websocket, client=%s, URL tail=\"%s\"", remote, r.URL.String())
		wsConn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// the upgrader has already replied with an HTTP error
			s.DLogf("Failed to upgrade websocket from %s: %s", remote, err)
			return
		}
		s.handleWebsocket(wsConn, remote)
		return
	}

	switch r.URL.Path {
	case "/health":
		w.Write([]byte("OK\n"))
		return
	case "/version":
		w.Write([]byte(wsrshare.BuildVersion))
		return
	}

	http.Error(w, "Not Found", 404)
}

// handleWebsocket runs one client connection from accept to teardown. It returns
// after the client's Session has completely closed.
func (s *Server) handleWebsocket(wsConn *websocket.Conn, remote string) {
	s.connStats.New()
	s.connStats.Open()
	defer s.connStats.Close()

	in := NewInboundConn(s.Logger, wsConn, s.env.connOpts, remote)
	session, err := newSession(s.env, in)
	if err != nil {
		s.DLogf("%v Refusing %s: %s", &s.connStats, in, err)
		in.CloseWith(websocket.CloseGoingAway, "", err)
		in.WaitShutdown()
		return
	}
	s.DLogf("%v Accepted %s as %s", &s.connStats, in, session)

	if s.config.DialOnAccept {
		session.Dial()
	}
	s.forwarder.PumpInbound(in)
	session.WaitShutdown()
}
