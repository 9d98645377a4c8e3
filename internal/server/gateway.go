// Package server bridges WebSocket clients into the chat service. Upgraded
// connections are wrapped into the Conn transport shape and admitted through
// the same slot reservation path as plain TCP clients, so a WebSocket client
// speaks the identical command protocol.
package server

import (
	"io"
	"log"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
)

// wsConn adapts a *websocket.Conn to the Conn interface. Each inbound
// WebSocket message surfaces through Read; each Write becomes one binary
// message, which keeps the relay payload chunks intact for gateway
// recipients.
type wsConn struct {
	ws     *websocket.Conn
	reader io.Reader
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n == 0 {
				continue
			}
			return n, nil
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error { return c.ws.Close() }

func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

// gatewayHandler upgrades an HTTP request and hands the wrapped connection to
// the server's admission path. Only GET requests upgrade; origin checks are
// enforced by the configured policy.
func gatewayHandler(s *Server, policy *originPolicy) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     policy.check,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("WebSocket upgrade failed: %v", err)
			return
		}
		go s.Admit(&wsConn{ws: ws})
	}
}
