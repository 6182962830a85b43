// Package discovery announces a session on the local network over mDNS
// and browses for running ones.
package discovery

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/grandcat/zeroconf"
)

// Service is the mDNS service type sessions register under.
const Service = "_gonote._tcp"

// Announce registers the session until ctx is done.
func Announce(ctx context.Context, name string, port int) error {
	if name == "" {
		name, _ = os.Hostname()
	}
	server, err := zeroconf.Register(name, Service, "local.", port, []string{"txtv=0"}, nil)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()
	return nil
}

// Session is one discovered server.
type Session struct {
	Name string
	Addr string // host:port
}

// Browse collects the sessions visible within timeout.
func Browse(ctx context.Context, timeout time.Duration) ([]Session, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})
	var out []Session
	go func() {
		for e := range entries {
			if len(e.AddrIPv4) > 0 {
				out = append(out, Session{
					Name: e.Instance,
					Addr: fmt.Sprintf("%s:%d", e.AddrIPv4[0], e.Port),
				})
			}
		}
		close(done)
	}()

	if err := resolver.Browse(ctx, Service, "local.", entries); err != nil {
		return nil, err
	}
	<-ctx.Done()
	<-done
	return out, nil
}
