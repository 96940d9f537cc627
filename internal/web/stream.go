package web

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 45 * time.Second
	wsPingPeriod = 20 * time.Second
	wsReadLimit  = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The UI is served from this process but may be reached by IP or hostname.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamHandler pushes the modem state to a WebSocket client: the current
// state on connect, then one message per change. Client messages are ignored.
func streamHandler(src BridgeSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if src == nil {
			http.Error(w, "modem unavailable", http.StatusNotFound)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already replied to the client.
			log.Printf("web: ws upgrade from %s failed: %v", r.RemoteAddr, err)
			return
		}
		defer conn.Close()

		store := src.Store()
		id, updates := store.Subscribe(4)
		defer store.Unsubscribe(id)

		gone := make(chan struct{})
		go func() {
			defer close(gone)
			conn.SetReadLimit(wsReadLimit)
			_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(wsPongWait))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(wsPingPeriod)
		defer ping.Stop()

		for {
			select {
			case <-gone:
				return
			case <-r.Context().Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(wsWriteWait))
				return
			case st, ok := <-updates:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(st); err != nil {
					log.Printf("web: ws write to %s failed: %v", r.RemoteAddr, err)
					return
				}
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}
