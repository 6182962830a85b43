package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ilnaes/gonote/internal/server"
)

func startServer(t *testing.T, opts server.Options) (*server.Server, string) {
	t.Helper()
	s, err := server.New(opts)
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(s.Routes())
	ctx, cancel := context.WithCancel(context.Background())
	go s.Broadcast(ctx)
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return s, strings.TrimPrefix(ts.URL, "http://")
}

func nextEvent(t *testing.T, c *Client, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestServerDown(t *testing.T) {
	c := New(Options{Host: "127.0.0.1:1", Retry: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	nextEvent(t, c, func(ev Event) bool {
		_, ok := ev.(ServerDown)
		return ok
	})
}

func TestStatusProbeTimesOut(t *testing.T) {
	// a server that accepts the probe but never answers must not wedge
	// the state machine
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer ts.Close()

	c := New(Options{
		Host:         strings.TrimPrefix(ts.URL, "http://"),
		Retry:        10 * time.Millisecond,
		ProbeTimeout: 50 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	nextEvent(t, c, func(ev Event) bool {
		_, ok := ev.(ServerDown)
		return ok
	})
}

func TestIncorrectPassword(t *testing.T) {
	_, host := startServer(t, server.Options{WritePassword: "hunter2"})

	c := New(Options{Host: host, Channel: "edit", Password: "wrong", Retry: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	nextEvent(t, c, func(ev Event) bool {
		_, ok := ev.(IncorrectPassword)
		return ok
	})
}

func TestConnectAndSync(t *testing.T) {
	s, host := startServer(t, server.Options{Text: "ab"})

	c := New(Options{Host: host, Retry: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	nextEvent(t, c, func(ev Event) bool {
		_, ok := ev.(Connected)
		return ok
	})
	ev := nextEvent(t, c, func(ev Event) bool {
		_, ok := ev.(IdentityAssigned)
		return ok
	})
	if id := ev.(IdentityAssigned).ID; id != 1 {
		t.Errorf("got id %d, want 1", id)
	}
	if c.Text() != "ab" {
		t.Errorf("mirror has %q, want ab", c.Text())
	}

	c.Insert(1, "X")
	if c.Text() != "aXb" {
		t.Errorf("local apply gave %q, want aXb", c.Text())
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Text() != "aXb" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.Text() != "aXb" {
		t.Fatalf("server has %q, want aXb", s.Text())
	}

	// the broadcast of our own edit comes back stamped with our id and
	// must not be applied twice
	time.Sleep(200 * time.Millisecond)
	if c.Text() != "aXb" {
		t.Errorf("echo re-applied: %q", c.Text())
	}
}

func TestSecondClientSeesEdits(t *testing.T) {
	_, host := startServer(t, server.Options{Text: "ab"})

	writer := New(Options{Host: host, Retry: 10 * time.Millisecond})
	reader := New(Options{Host: host, Channel: "read", Retry: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go writer.Run(ctx)
	go reader.Run(ctx)

	nextEvent(t, writer, func(ev Event) bool {
		_, ok := ev.(IdentityAssigned)
		return ok
	})
	nextEvent(t, reader, func(ev Event) bool {
		_, ok := ev.(IdentityAssigned)
		return ok
	})

	writer.Insert(2, "c")
	ev := nextEvent(t, reader, func(ev Event) bool {
		d, ok := ev.(DocUpdated)
		return ok && d.Text == "abc"
	})
	if ev.(DocUpdated).Text != "abc" {
		t.Errorf("got %q", ev.(DocUpdated).Text)
	}
	if reader.Text() != "abc" {
		t.Errorf("reader mirror has %q, want abc", reader.Text())
	}
}

func TestGracefulClose(t *testing.T) {
	s, host := startServer(t, server.Options{})

	c := New(Options{Host: host, Retry: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	nextEvent(t, c, func(ev Event) bool {
		_, ok := ev.(IdentityAssigned)
		return ok
	})

	c.Close()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Close")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(s.Registry().Users()) != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := s.Registry().Users(); len(got) != 0 {
		t.Errorf("participant lingers after close: %+v", got)
	}
}
