package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// feedWriteWait bounds how long one event write may block on a stalled
// peer. The bus blocks publishers on a full subscriber, so a wedged
// connection must fail its write and dispose instead of holding every
// run's event stream hostage.
const feedWriteWait = 10 * time.Second

// eventFeed upgrades the connection and relays every bus event to the
// client as JSON until either side goes away. Clients filter by run id
// themselves; the feed is a firehose.
func (s *Server) eventFeed(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Logger.Printf("Websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub := s.Bus.Subscribe()
	defer sub.Dispose()

	// Drain client frames so pings and close frames are processed;
	// the feed itself is write-only.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.Logger.Printf("Event feed connected: %s", conn.RemoteAddr())
	for {
		select {
		case ev := <-sub.C():
			conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.Logger.Printf("Event feed write error: %v", err)
				}
				return
			}
		case <-closed:
			s.Logger.Printf("Event feed disconnected: %s", conn.RemoteAddr())
			return
		}
	}
}
