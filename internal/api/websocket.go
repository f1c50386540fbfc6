package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"trading-core/internal/push"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	pushWriteWait  = 10 * time.Second
	pushPingPeriod = 20 * time.Second
)

// pushChannel upgrades to a websocket and streams the Push Channel's
// per-challenge mailbox to the client. Browsers cannot set headers on a
// websocket handshake, so the access token travels as a query parameter
// rather than the Authorization header used elsewhere.
func (s *Server) pushChannel(c *gin.Context) {
	challengeID := c.Param("challenge_id")

	principal, err := s.session.ParseAccessToken(c.Query("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, envelope{Message: "invalid or expired token"})
		return
	}

	chal, err := s.q.GetChallenge(c.Request.Context(), challengeID)
	if err != nil {
		c.JSON(http.StatusNotFound, envelope{Message: "challenge not found"})
		return
	}
	if chal.UserID != principal.UserID && !isAdminRole(principal.Role) {
		c.JSON(http.StatusForbidden, envelope{Message: "not the challenge owner"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("push: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub, unsub := s.push.Subscribe(challengeID)
	defer unsub()

	conn.SetPongHandler(func(string) error { return nil })
	go discardInbound(conn)

	ping := time.NewTicker(pushPingPeriod)
	defer ping.Stop()

	if !drainPush(conn, sub) {
		return
	}
	for {
		select {
		case <-sub.Notify():
			if !drainPush(conn, sub) {
				return
			}
		case <-ping.C:
			if _, stale := sub.StaleFor(); stale {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber too slow"),
					time.Now().Add(pushWriteWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(pushWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// discardInbound reads and drops client frames so gorilla's read loop keeps
// processing control frames (pong, close) on a write-only channel.
func discardInbound(conn *websocket.Conn) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

type pushEnvelope struct {
	Kind      string    `json:"kind"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// drainPush flushes every buffered message to the client, returning false
// if the connection should be torn down.
func drainPush(conn *websocket.Conn, sub *push.Subscription) bool {
	for _, msg := range sub.Drain() {
		conn.SetWriteDeadline(time.Now().Add(pushWriteWait))
		out := pushEnvelope{Kind: string(msg.Kind), Payload: msg.Payload, Timestamp: msg.Timestamp}
		if err := conn.WriteJSON(out); err != nil {
			return false
		}
	}
	return true
}
