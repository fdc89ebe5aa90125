// Package ldn implements the LDN master server core: the TCP server loop,
// per-connection sessions, hosted rooms, the room registry, the virtual DHCP
// allocator and the persistent MAC store.
package ldn

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lanwarp/lanwarp/internal/ipban"
	"github.com/lanwarp/lanwarp/internal/util"
)

// InactivityPingInterval drives the liveness sweep: sessions quiet for
// longer than this are pinged, and an unanswered ping is fatal on the next
// sweep.
const InactivityPingInterval = 10 * time.Second

// Server accepts LDN client connections and runs the periodic liveness
// sweep. Room and identity state live in the registry and MAC store.
type Server struct {
	registry *Registry
	macs     *MacStore
	bans     *ipban.List

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

func NewServer(bans *ipban.List) *Server {
	return &Server{
		registry: NewRegistry(),
		macs:     NewMacStore(),
		bans:     bans,
		sessions: make(map[*Session]struct{}),
	}
}

func (srv *Server) Registry() *Registry { return srv.registry }
func (srv *Server) Macs() *MacStore     { return srv.macs }

// ListenAndServe accepts connections on addr until ctx is cancelled. Each
// accepted connection gets its own session goroutine.
func (srv *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	// Close the listener when context is done so Accept() returns an error.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	go srv.sweepLoop(ctx)

	util.LogInfo("LDN server listening on %s", listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil // normal shutdown
			default:
				return fmt.Errorf("accept error: %w", err)
			}
		}

		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}

		srv.startSession(conn)
	}
}

// startSession wires a new connection into the server. Banned addresses are
// dropped before a session is created.
func (srv *Server) startSession(conn net.Conn) *Session {
	if srv.bans != nil {
		if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil && srv.bans.IsBanned(host) {
			util.LogWarning("Banned IP tried to connect: %s", host)
			_ = conn.Close()
			return nil
		}
	}

	session := newSession(srv, conn)

	srv.mu.Lock()
	srv.sessions[session] = struct{}{}
	srv.mu.Unlock()

	go session.run()

	return session
}

func (srv *Server) removeSession(s *Session) {
	srv.mu.Lock()
	delete(srv.sessions, s)
	srv.mu.Unlock()
}

// SessionCount reports the number of live sessions.
func (srv *Server) SessionCount() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.sessions)
}

// sweepLoop pings idle sessions and reaps the unresponsive ones.
func (srv *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(InactivityPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			srv.mu.Lock()
			sessions := make([]*Session, 0, len(srv.sessions))
			for s := range srv.sessions {
				sessions = append(sessions, s)
			}
			srv.mu.Unlock()

			for _, s := range sessions {
				s.sweep(InactivityPingInterval)
			}

		case <-ctx.Done():
			return
		}
	}
}
