// Package realtime fans events out to connected agent dashboards over
// websockets. A single hub goroutine owns all room membership so no locking
// is needed, and publishing never blocks on a slow client.
package realtime

import (
	"context"
	"log/slog"

	"github.com/nyaruka/gocommon/jsonx"
	"github.com/tucanchat/tucan/core/models"
)

// JoinCheck reports whether an org may subscribe to a conversation's room,
// keeping memberships inside tenant boundaries.
type JoinCheck func(ctx context.Context, orgID models.OrgID, convID models.ConversationID) bool

// Hub routes published events to the clients subscribed to each room. Every
// client starts out in its org and user rooms and can join conversation
// rooms on demand.
type Hub struct {
	canJoin        JoinCheck
	allowedOrigins []string

	// owned by the run goroutine
	clients map[*Client]bool
	rooms   map[string]map[*Client]bool
	users   map[models.UserID]int

	register   chan *Client
	unregister chan *Client
	subscribe  chan *subscription
	events     chan *envelope

	stop chan struct{}
	done chan struct{}
}

type subscription struct {
	client *Client
	room   string
	join   bool
}

type envelope struct {
	room string
	data []byte
}

// NewHub creates a new hub. Connections are refused when their Origin header
// matches none of allowedOrigins, unless the list is empty.
func NewHub(allowedOrigins []string, canJoin JoinCheck) *Hub {
	return &Hub{
		canJoin:        canJoin,
		allowedOrigins: allowedOrigins,

		clients: make(map[*Client]bool),
		rooms:   make(map[string]map[*Client]bool),
		users:   make(map[models.UserID]int),

		register:   make(chan *Client),
		unregister: make(chan *Client),
		subscribe:  make(chan *subscription),
		events:     make(chan *envelope, 256),

		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start begins routing events to connected clients.
func (h *Hub) Start() {
	go h.run()

	slog.With("comp", "hub").Info("hub started")
}

// Stop disconnects all clients and blocks until the routing loop has exited.
// Events published after Stop are discarded.
func (h *Hub) Stop() {
	close(h.stop)
	<-h.done

	slog.With("comp", "hub").Info("hub stopped")
}

// Publish sends an event to every client in a room. It is safe to call from
// any goroutine and never blocks on slow clients.
func (h *Hub) Publish(room string, event *Event) {
	data := jsonx.MustMarshal(event)

	select {
	case h.events <- &envelope{room: room, data: data}:
	case <-h.stop:
	}
}

var _ Publisher = (*Hub)(nil)

func (h *Hub) run() {
	defer close(h.done)

	log := slog.With("comp", "hub")

	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			h.join(c, OrgRoom(c.orgID))
			h.join(c, UserRoom(c.userID))

			// first connection for this user means they just came online
			h.users[c.userID]++
			if h.users[c.userID] == 1 {
				h.fanout(OrgRoom(c.orgID), jsonx.MustMarshal(&Event{Type: EventUserStatus, Data: &userStatus{UserID: c.userID, Status: "online"}}))
			}

			log.Debug("client connected", "org_id", c.orgID, "user_id", c.userID)

		case c := <-h.unregister:
			h.remove(c)

		case sub := <-h.subscribe:
			// the client may have been evicted since it asked
			if !h.clients[sub.client] {
				continue
			}
			if sub.join {
				h.join(sub.client, sub.room)
			} else {
				h.leave(sub.client, sub.room)
			}

		case env := <-h.events:
			h.fanout(env.room, env.data)

		case <-h.stop:
			for c := range h.clients {
				close(c.send)
			}
			return
		}
	}
}

// fanout delivers data to every client in the room, evicting any client whose
// send buffer is full rather than letting it stall the hub.
func (h *Hub) fanout(room string, data []byte) {
	for c := range h.rooms[room] {
		select {
		case c.send <- data:
		default:
			slog.With("comp", "hub").Info("dropping slow websocket client", "org_id", c.orgID, "user_id", c.userID)
			h.remove(c)
		}
	}
}

func (h *Hub) remove(c *Client) {
	if !h.clients[c] {
		return
	}
	delete(h.clients, c)
	for room := range c.rooms {
		h.leave(c, room)
	}
	close(c.send)

	h.users[c.userID]--
	if h.users[c.userID] == 0 {
		delete(h.users, c.userID)
		h.fanout(OrgRoom(c.orgID), jsonx.MustMarshal(&Event{Type: EventUserStatus, Data: &userStatus{UserID: c.userID, Status: "offline"}}))
	}

	slog.With("comp", "hub").Debug("client disconnected", "org_id", c.orgID, "user_id", c.userID)
}

func (h *Hub) join(c *Client, room string) {
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]bool)
	}
	h.rooms[room][c] = true
	c.rooms[room] = true
}

func (h *Hub) leave(c *Client, room string) {
	delete(h.rooms[room], c)
	if len(h.rooms[room]) == 0 {
		delete(h.rooms, room)
	}
	delete(c.rooms, room)
}

// setMembership hands a join or leave to the run goroutine, giving up if the
// hub is shutting down.
func (h *Hub) setMembership(c *Client, room string, join bool) {
	select {
	case h.subscribe <- &subscription{client: c, room: room, join: join}:
	case <-h.stop:
	}
}

type userStatus struct {
	UserID models.UserID `json:"user_id"`
	Status string        `json:"status"`
}
