package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nyaruka/gocommon/jsonx"
	"github.com/tucanchat/tucan/core/models"
)

const (
	// time allowed to write a frame to the peer
	writeWait = 10 * time.Second

	// time allowed to read the next pong from the peer
	pongWait = 60 * time.Second

	// ping period, must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// inbound frames are tiny control messages
	maxFrameSize = 512
)

// Client is a single websocket connection belonging to an authenticated
// agent. An agent with two browser tabs open is two clients.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	orgID  models.OrgID
	userID models.UserID

	// rooms this client is in, owned by the hub goroutine
	rooms map[string]bool

	// conversations this client joined, owned by the read pump
	joined map[models.ConversationID]bool
}

// Connect upgrades the request to a websocket and registers the new client
// with the hub. Authenticating the request is the caller's job.
func (h *Hub) Connect(w http.ResponseWriter, r *http.Request, orgID models.OrgID, userID models.UserID) error {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		orgID:  orgID,
		userID: userID,
		rooms:  make(map[string]bool),
		joined: make(map[models.ConversationID]bool),
	}

	select {
	case h.register <- c:
	case <-h.stop:
		conn.Close()
		return nil
	}

	go c.writePump()
	go c.readPump()
	return nil
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.allowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// inboundFrame is the envelope for the few things clients can send us.
type inboundFrame struct {
	Action         string                `json:"action"` // join, leave or typing
	ConversationID models.ConversationID `json:"conversation_id"`
}

type typingData struct {
	ConversationID models.ConversationID `json:"conversation_id"`
	UserID         models.UserID         `json:"user_id"`
}

// readPump reads join/leave/typing frames from the peer until the connection
// dies, keeping the read deadline alive from pongs.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stop:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.With("comp", "hub").Warn("websocket read error", "error", err, "org_id", c.orgID, "user_id", c.userID)
			}
			return
		}

		frame := &inboundFrame{}
		if err := jsonx.Unmarshal(data, frame); err != nil || frame.ConversationID == models.NilConversationID {
			continue
		}

		switch frame.Action {
		case "join":
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			allowed := c.hub.canJoin == nil || c.hub.canJoin(ctx, c.orgID, frame.ConversationID)
			cancel()
			if !allowed {
				continue
			}
			c.joined[frame.ConversationID] = true
			c.hub.setMembership(c, ConvRoom(frame.ConversationID), true)

		case "leave":
			delete(c.joined, frame.ConversationID)
			c.hub.setMembership(c, ConvRoom(frame.ConversationID), false)

		case "typing":
			// only agents actually in a conversation can claim to be typing in it
			if c.joined[frame.ConversationID] {
				c.hub.Publish(ConvRoom(frame.ConversationID), &Event{Type: EventTyping, Data: &typingData{ConversationID: frame.ConversationID, UserID: c.userID}})
			}
		}
	}
}

// writePump writes hub events and pings to the peer until the hub closes our
// send channel or a write fails.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
