// Package server hosts one collaborative session: an authoritative
// document, the participant registry, two gated websocket channels and a
// broadcast loop fanning out snapshots to every connection.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/ilnaes/gonote/internal/common"
	"github.com/ilnaes/gonote/internal/crdt"
	"github.com/ilnaes/gonote/internal/oplog"
)

// sendQueueLen bounds each subscriber's outbound queue. A slow consumer
// loses intermediate snapshots (drop-oldest) and recovers from the next
// full one.
const sendQueueLen = 16

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// signal carries the dirty flags the broadcast loop wakes on.
type signal struct {
	mu    sync.Mutex
	doc   bool
	users bool
	wake  chan struct{}
}

func (sg *signal) raise(doc, users bool) {
	sg.mu.Lock()
	sg.doc = sg.doc || doc
	sg.users = sg.users || users
	sg.mu.Unlock()
	select {
	case sg.wake <- struct{}{}:
	default:
	}
}

func (sg *signal) take() (doc, users bool) {
	sg.mu.Lock()
	doc, users = sg.doc, sg.users
	sg.doc, sg.users = false, false
	sg.mu.Unlock()
	return
}

// Options configures a session server.
type Options struct {
	Text          string // initial buffer content
	ReadPassword  string // empty leaves /read open
	WritePassword string // empty leaves /edit open
	History       *oplog.Log
}

// Server owns the authoritative document and registry. Connection
// handlers only reach them through the mutex boundary here.
type Server struct {
	registry  *Registry
	readGate  *Gate
	writeGate *Gate
	history   *oplog.Log

	mu   sync.Mutex // protects doc and subs
	doc  *crdt.Document
	subs map[string]chan []byte

	sig signal
}

// New builds a server around the given initial text. If opts.History is
// set, previously logged operations are replayed before serving.
func New(opts Options) (*Server, error) {
	s := &Server{
		doc:     crdt.New(opts.Text, 0),
		subs:    make(map[string]chan []byte),
		history: opts.History,
		sig:     signal{wake: make(chan struct{}, 1)},
	}
	s.registry = NewRegistry(func() { s.sig.raise(false, true) })

	var err error
	if opts.ReadPassword != "" {
		if s.readGate, err = NewGate(opts.ReadPassword); err != nil {
			return nil, err
		}
	}
	if opts.WritePassword != "" {
		if s.writeGate, err = NewGate(opts.WritePassword); err != nil {
			return nil, err
		}
	}

	if s.history != nil {
		// a corrupt entry loses that one op, never the session
		err = s.history.Replay(func(op []byte) error {
			m, err := common.Decode(op)
			if err != nil {
				log.Println("skipping unreadable oplog entry:", err)
				return nil
			}
			if err := s.integrate(m, false); err != nil {
				log.Println("skipping oplog entry:", err)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("replaying oplog: %w", err)
		}
	}
	return s, nil
}

// Routes returns the session's http surface.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/status", s.status).Methods("GET")
	r.HandleFunc("/read", gated(s.readGate, func(w http.ResponseWriter, r *http.Request) {
		s.serveWs(w, r, false)
	}))
	r.HandleFunc("/edit", gated(s.writeGate, func(w http.ResponseWriter, r *http.Request) {
		s.serveWs(w, r, true)
	}))
	return r
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	fmt.Fprint(w, "UP")
}

// Run serves until ctx is done. Failure to bind is returned and fatal.
func (s *Server) Run(ctx context.Context, addr string) error {
	go s.Broadcast(ctx)

	srv := &http.Server{
		Handler:           s.Routes(),
		Addr:              addr,
		ReadHeaderTimeout: 15 * time.Second,
	}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	err := srv.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Broadcast is the single shared fan-out loop. It sleeps until a dirty
// flag is raised, then publishes fresh snapshots to every subscriber.
// No lock is held across a queue send.
func (s *Server) Broadcast(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.sig.wake:
		}

		docDirty, usersDirty := s.sig.take()
		var msgs [][]byte

		if docDirty {
			s.mu.Lock()
			snap := common.DocSnapshot{Chars: s.doc.Chars(), LastEdit: s.doc.LastEdit()}
			s.mu.Unlock()
			if m, err := common.Encode(common.TagDocument, snap); err == nil {
				msgs = append(msgs, m)
			} else {
				log.Println("encoding document snapshot:", err)
			}
		}
		if usersDirty {
			if m, err := common.Encode(common.TagUsers, s.registry.Users()); err == nil {
				msgs = append(msgs, m)
			} else {
				log.Println("encoding users snapshot:", err)
			}
		}

		s.mu.Lock()
		subs := make([]chan []byte, 0, len(s.subs))
		for _, ch := range s.subs {
			subs = append(subs, ch)
		}
		s.mu.Unlock()

		for _, ch := range subs {
			for _, m := range msgs {
				offer(ch, m)
			}
		}
	}
}

// offer enqueues without ever blocking the broadcast loop, dropping the
// oldest queued message when the subscriber is full. Only the broadcast
// loop sends on subscriber queues, so the retry cannot starve.
func offer(ch chan []byte, msg []byte) {
	for {
		select {
		case ch <- msg:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

// integrate applies one inbound operation to the authoritative document
// and, if persist is set, appends it to the history log.
func (s *Server) integrate(m common.Message, persist bool) error {
	switch m.Tag {
	case common.TagInsert:
		var ins crdt.Insertion
		if err := json.Unmarshal(m.Payload, &ins); err != nil {
			return err
		}
		s.mu.Lock()
		err := s.doc.IntegrateInsertion(ins)
		s.mu.Unlock()
		if err != nil {
			return err
		}
	case common.TagDelete:
		var del crdt.Deletion
		if err := json.Unmarshal(m.Payload, &del); err != nil {
			return err
		}
		s.mu.Lock()
		s.doc.IntegrateDeletion(del)
		s.mu.Unlock()
	default:
		return fmt.Errorf("cannot integrate %s message", m.Tag)
	}

	if persist && s.history != nil {
		raw := append([]byte(m.Tag+":"), m.Payload...)
		if err := s.history.Append(raw); err != nil {
			log.Println("appending to oplog:", err)
		}
	}
	return nil
}

// Text returns the current buffer content.
func (s *Server) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.String()
}

// Registry exposes the participant registry.
func (s *Server) Registry() *Registry {
	return s.registry
}
