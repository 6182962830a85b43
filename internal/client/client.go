// Package client implements the reconnecting connection state machine a
// collaborative editor embeds: it dials the session server, authenticates,
// mirrors the shared document and surfaces everything that happens as
// typed events.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/ilnaes/gonote/internal/common"
	"github.com/ilnaes/gonote/internal/crdt"
)

// Event is something the embedder should react to.
type Event interface{ isEvent() }

// Connected fires when the authenticated upgrade succeeds.
type Connected struct{}

// Disconnected fires when an established connection drops or closes.
type Disconnected struct{}

// ServerDown fires when the liveness probe fails.
type ServerDown struct{}

// IncorrectPassword fires when the upgrade is refused with 401. Distinct
// from Disconnected so the embedder can prompt differently.
type IncorrectPassword struct{}

// DocUpdated carries the mirror's content after a remote change.
type DocUpdated struct{ Text string }

// IdentityAssigned carries the replica identity the server handed out.
type IdentityAssigned struct{ ID int }

// UsersUpdated carries a fresh participant snapshot.
type UsersUpdated struct{ Users []common.User }

func (Connected) isEvent()         {}
func (Disconnected) isEvent()      {}
func (ServerDown) isEvent()        {}
func (IncorrectPassword) isEvent() {}
func (DocUpdated) isEvent()        {}
func (IdentityAssigned) isEvent()  {}
func (UsersUpdated) isEvent()      {}

const queueLen = 64

// Options configures a client.
type Options struct {
	Host         string // host:port of the session server
	Channel      string // "read" or "edit"
	Password     string
	Retry        time.Duration // backoff between attempts, default 1s
	ProbeTimeout time.Duration // liveness probe deadline, default 2s
}

// Client drives Disconnected -> Connecting -> Connected transitions and
// owns a local mirror of the document. The mirror is reconciled against
// server snapshots and is never authoritative on its own.
type Client struct {
	opts  Options
	probe *http.Client

	mu  sync.Mutex // protects doc and id
	doc *crdt.Document
	id  int

	events chan Event
	out    chan []byte

	quit     chan struct{}
	quitOnce sync.Once
}

func New(opts Options) *Client {
	if opts.Retry <= 0 {
		opts.Retry = time.Second
	}
	if opts.Channel == "" {
		opts.Channel = "edit"
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}
	return &Client{
		opts:   opts,
		probe:  &http.Client{Timeout: opts.ProbeTimeout},
		doc:    crdt.New("", 0),
		events: make(chan Event, queueLen),
		out:    make(chan []byte, queueLen),
		quit:   make(chan struct{}),
	}
}

// Events returns the stream of typed events.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Text returns the mirror's current content.
func (c *Client) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.String()
}

// ID returns the assigned replica identity, 0 before the first Id
// message arrives.
func (c *Client) ID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Insert applies a local edit to the mirror and enqueues it for the
// server. Never blocks.
func (c *Client) Insert(at int, text string) {
	c.mu.Lock()
	ins := c.doc.Insert(at, text)
	c.mu.Unlock()
	c.enqueue(common.TagInsert, ins)
}

// Delete applies a local deletion over [from,to) and enqueues it.
func (c *Client) Delete(from, to int) {
	c.mu.Lock()
	del := c.doc.Delete(from, to)
	c.mu.Unlock()
	c.enqueue(common.TagDelete, del)
}

// MoveCursor reports the local cursor location.
func (c *Client) MoveCursor(y float64, color [3]uint8) {
	c.enqueue(common.TagCursor, common.Cursor{Y: y, Color: color})
}

// Close requests a graceful shutdown: a close frame is sent and the
// state machine stops for good.
func (c *Client) Close() {
	c.quitOnce.Do(func() { close(c.quit) })
}

func (c *Client) enqueue(tag string, v interface{}) {
	msg, err := common.Encode(tag, v)
	if err != nil {
		log.Println("encoding", tag, "message:", err)
		return
	}
	select {
	case c.out <- msg:
	default:
		log.Println("outbound queue full, dropping", tag)
	}
}

// emit never blocks the state machine; if the embedder falls behind the
// oldest event is dropped.
func (c *Client) emit(ev Event) {
	for {
		select {
		case c.events <- ev:
			return
		default:
			select {
			case <-c.events:
			default:
			}
		}
	}
}

// Run drives the state machine until ctx is cancelled or Close is
// called. Terminal only on explicit shutdown.
func (c *Client) Run(ctx context.Context) {
	policy := backoff.NewConstantBackOff(c.opts.Retry)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.quit:
			return
		default:
		}

		// Disconnected: probe liveness before attempting the upgrade
		if !c.healthy(ctx) {
			c.emit(ServerDown{})
			if !c.wait(ctx, policy.NextBackOff()) {
				return
			}
			continue
		}

		// Connecting
		conn, err := c.dial(ctx)
		if err != nil {
			var unauthorized *authError
			if errors.As(err, &unauthorized) {
				c.emit(IncorrectPassword{})
			} else {
				c.emit(Disconnected{})
			}
			if !c.wait(ctx, policy.NextBackOff()) {
				return
			}
			continue
		}

		// Connected
		shutdown := c.stream(ctx, conn)
		c.emit(Disconnected{})
		if shutdown {
			return
		}
	}
}

// wait sleeps for d unless the client is shut down first.
func (c *Client) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.quit:
		return false
	case <-t.C:
		return true
	}
}

type authError struct{ code int }

func (e *authError) Error() string {
	return fmt.Sprintf("upgrade refused with status %d", e.code)
}

func (c *Client) healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, "GET", "http://"+c.opts.Host+"/status", nil)
	if err != nil {
		return false
	}
	resp, err := c.probe.Do(req)
	if err != nil {
		return false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Password != "" {
		header.Set("Authorization", c.opts.Password)
	}
	url := "ws://" + c.opts.Host + "/" + c.opts.Channel
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, &authError{code: resp.StatusCode}
		}
		return nil, err
	}
	return conn, nil
}

// stream runs the Connected state: concurrent inbound delivery and
// outbound intent submission, both cancellable. Returns true on explicit
// shutdown.
func (c *Client) stream(ctx context.Context, conn *websocket.Conn) bool {
	defer conn.Close()

	inbound := make(chan []byte)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				select {
				case readErr <- err:
				case <-done:
				}
				return
			}
			select {
			case inbound <- raw:
			case <-done:
				return
			}
		}
	}()

	c.emit(Connected{})
	for {
		select {
		case <-ctx.Done():
			c.sendClose(conn)
			return true
		case <-c.quit:
			c.sendClose(conn)
			return true
		case raw := <-inbound:
			c.handle(raw)
		case msg := <-c.out:
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return false
			}
		case <-readErr:
			return false
		}
	}
}

func (c *Client) sendClose(conn *websocket.Conn) {
	deadline := time.Now().Add(time.Second)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}

func (c *Client) handle(raw []byte) {
	m, err := common.Decode(raw)
	if err != nil {
		log.Println("dropping message:", err)
		return
	}
	switch m.Tag {
	case common.TagDocument:
		var snap common.DocSnapshot
		if err := json.Unmarshal(m.Payload, &snap); err != nil {
			log.Println("dropping document snapshot:", err)
			return
		}
		c.mu.Lock()
		if c.id != 0 && snap.LastEdit == c.id {
			// our own edit echoed back, already applied locally
			c.mu.Unlock()
			return
		}
		c.doc.Load(snap.Chars, snap.LastEdit)
		text := c.doc.String()
		c.mu.Unlock()
		c.emit(DocUpdated{Text: text})
	case common.TagId:
		var id int
		if err := json.Unmarshal(m.Payload, &id); err != nil {
			log.Println("dropping id:", err)
			return
		}
		c.mu.Lock()
		c.doc = c.doc.Fork(id)
		c.id = id
		c.mu.Unlock()
		c.emit(IdentityAssigned{ID: id})
	case common.TagUsers:
		var users []common.User
		if err := json.Unmarshal(m.Payload, &users); err != nil {
			log.Println("dropping users snapshot:", err)
			return
		}
		c.emit(UsersUpdated{Users: users})
	default:
		log.Printf("dropping unexpected %s message", m.Tag)
	}
}
