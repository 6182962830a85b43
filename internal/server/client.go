package server

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ilnaes/gonote/internal/common"
)

// Client is one streaming connection's server-side state. Lifecycle:
// Handshaking (gate already passed) -> Streaming -> Closed.
type Client struct {
	s       *Server
	conn    *websocket.Conn
	connID  string
	id      int
	canEdit bool
	send    chan []byte
	done    chan struct{}
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request, canEdit bool) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}

	c := &Client{
		s:       s,
		conn:    conn,
		connID:  uuid.NewString(),
		canEdit: canEdit,
		send:    make(chan []byte, sendQueueLen),
		done:    make(chan struct{}),
	}

	// register before snapshotting so the participant list handed to the
	// joiner already includes itself
	c.id = s.registry.AddOrUpdate(c.connID, nil)

	s.mu.Lock()
	snap := common.DocSnapshot{Chars: s.doc.Chars(), LastEdit: s.doc.LastEdit()}
	s.subs[c.connID] = c.send
	s.mu.Unlock()

	docMsg, err1 := common.Encode(common.TagDocument, snap)
	idMsg, err2 := common.Encode(common.TagId, c.id)
	usersMsg, err3 := common.Encode(common.TagUsers, s.registry.Users())
	if err1 != nil || err2 != nil || err3 != nil {
		log.Println("encoding join snapshot:", err1, err2, err3)
		c.teardown()
		return
	}

	// the receiver cannot place its own cursor before it knows its
	// identity: state, then identity, then participants, before any
	// broadcast reaches this connection
	for _, m := range [][]byte{docMsg, idMsg, usersMsg} {
		if err := conn.WriteMessage(websocket.TextMessage, m); err != nil {
			c.teardown()
			return
		}
	}

	go c.writePump()
	c.readPump()
}

// readPump processes inbound messages in arrival order. A bad message is
// logged and dropped; it never closes the connection.
func (c *Client) readPump() {
	defer c.teardown()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Println("read:", err)
			}
			return
		}

		m, err := common.Decode(raw)
		if err != nil {
			log.Println("dropping message:", err)
			continue
		}
		switch m.Tag {
		case common.TagInsert, common.TagDelete:
			if !c.canEdit {
				log.Printf("rejecting %s from read-only connection", m.Tag)
				continue
			}
			if err := c.s.integrate(m, true); err != nil {
				log.Println("dropping op:", err)
				continue
			}
			c.s.sig.raise(true, false)
		case common.TagCursor:
			var cur common.Cursor
			if err := json.Unmarshal(m.Payload, &cur); err != nil {
				log.Println("dropping cursor:", err)
				continue
			}
			c.s.registry.AddOrUpdate(c.connID, &cur)
		default:
			log.Printf("dropping unexpected %s message", m.Tag)
		}
	}
}

func (c *Client) writePump() {
	for {
		select {
		case m := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, m); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) teardown() {
	c.s.mu.Lock()
	delete(c.s.subs, c.connID)
	c.s.mu.Unlock()
	c.s.registry.Remove(c.connID)
	close(c.done)
	c.conn.Close()
}
