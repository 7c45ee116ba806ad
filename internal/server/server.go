// Package server implements the otun tunnel server: it accepts control
// channels, allocates a public port per tunnel, accepts visitors on that
// port, pairs each with an on-demand data channel from the client, and
// pumps bytes between them.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bc183/otun/internal/portpool"
	"github.com/bc183/otun/internal/protocol"
	"github.com/bc183/otun/internal/proxy"
	"github.com/charmbracelet/log"
)

const (
	// DefaultPortRangeLo and DefaultPortRangeHi bound the public ports
	// handed out to tunnels.
	DefaultPortRangeLo uint16 = 35100
	DefaultPortRangeHi uint16 = 35200

	// FirstFrameTimeout bounds how long the accept loop waits for the
	// first frame of a new connection before treating it as a data channel.
	FirstFrameTimeout = 10 * time.Second

	// PairingTimeout bounds how long a visitor waits for a data channel.
	PairingTimeout = 10 * time.Second

	// HeartbeatInterval is how often the control loop sends a Heartbeat.
	HeartbeatInterval = 20 * time.Second
)

// Server is the otun tunnel server.
type Server struct {
	bindAddr string
	ports    *portpool.Allocator

	mu       sync.RWMutex
	sessions map[string]*session
}

// New creates a Server listening on bindAddr and handing out public ports
// from [portLo, portHi).
func New(bindAddr string, portLo, portHi uint16) *Server {
	return &Server{
		bindAddr: bindAddr,
		ports:    portpool.New(portLo, portHi),
		sessions: make(map[string]*session),
	}
}

// Run binds the control listener and serves until ctx is cancelled or the
// bind itself fails. A bind failure is the only error returned; all
// per-connection errors are logged and handled without aborting the server.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.bindAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.bindAddr, err)
	}
	defer ln.Close()
	log.Info("control listener started", "addr", ln.Addr())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				log.Info("control listener shut down")
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn reads the first frame of a new connection and dispatches it
// either to control-channel setup or to data-channel lookup. A connection
// that isn't a TunnelRequest — wrong type, malformed, or simply timed out —
// is treated as a data channel, per the codec's identification rule.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(FirstFrameTimeout))
	msg, err := protocol.ReadMessage(conn)
	conn.SetReadDeadline(time.Time{})

	if err == nil {
		if req, ok := msg.(*protocol.TunnelRequestMessage); ok {
			s.handleControlChannel(ctx, conn, req)
			return
		}
	}
	s.handleDataChannel(conn)
}

// handleControlChannel implements the control-channel state machine
// (AwaitingFirstFrame -> Established -> Closed): allocate a port, bind its
// public listener, reply, register the session, run the visitor acceptor
// and control loop, then tear everything down.
func (s *Server) handleControlChannel(ctx context.Context, conn net.Conn, req *protocol.TunnelRequestMessage) {
	defer conn.Close()

	port, err := s.ports.Allocate()
	if err != nil {
		log.Warn("no ports available for new tunnel", "remote_addr", conn.RemoteAddr(), "error", err)
		return
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		log.Error("failed to bind public listener", "port", port, "error", err)
		s.ports.Release(port)
		return
	}

	if err := protocol.WriteMessage(conn, protocol.NewTunnelResponse(port)); err != nil {
		log.Error("failed to send tunnel response", "error", err)
		ln.Close()
		s.ports.Release(port)
		return
	}

	sess := newSession(conn.RemoteAddr().String(), port, ln)

	s.mu.Lock()
	s.sessions[sess.remoteAddr] = sess
	s.mu.Unlock()

	log.Info("tunnel registered",
		"remote_addr", sess.remoteAddr,
		"local_port", req.LocalPort,
		"assigned_port", port,
	)

	go s.acceptVisitors(sess)

	s.controlChannelLoop(conn, sess)
	close(sess.closed)

	s.mu.Lock()
	delete(s.sessions, sess.remoteAddr)
	s.mu.Unlock()
	ln.Close()
	s.ports.Release(port)

	log.Info("tunnel torn down", "remote_addr", sess.remoteAddr, "assigned_port", port)
}

// controlChannelLoop is the Established state: concurrently read frames
// from the client, drain ctrlQ to the client, and send heartbeats. It
// returns on any I/O error; unexpected frame types are logged and ignored.
func (s *Server) controlChannelLoop(conn net.Conn, sess *session) {
	frames := make(chan any)
	readErrs := make(chan error, 1)
	readerDone := make(chan struct{})
	defer close(readerDone)

	go func() {
		for {
			msg, err := protocol.ReadMessage(conn)
			if err != nil {
				readErrs <- err
				return
			}
			select {
			case frames <- msg:
			case <-readerDone:
				return
			}
		}
	}()

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-readErrs:
			log.Debug("control channel closed", "remote_addr", sess.remoteAddr, "error", err)
			return

		case msg := <-frames:
			switch m := msg.(type) {
			case *protocol.HeartbeatMessage:
				// Liveness only. Unlike the client, the server does not echo
				// a received Heartbeat: the client already echoes the
				// server's own periodic Heartbeat, and echoing that echo
				// back would ping-pong the two sides indefinitely.
			default:
				log.Warn("unexpected message on control channel", "remote_addr", sess.remoteAddr, "type", fmt.Sprintf("%T", m))
			}

		case out := <-sess.ctrlQ:
			if err := protocol.WriteMessage(conn, out); err != nil {
				log.Debug("control channel write failed", "remote_addr", sess.remoteAddr, "error", err)
				return
			}

		case <-ticker.C:
			if err := protocol.WriteMessage(conn, protocol.NewHeartbeat()); err != nil {
				log.Debug("heartbeat write failed", "remote_addr", sess.remoteAddr, "error", err)
				return
			}
		}
	}
}

// acceptVisitors is the visitor acceptor task bound to a session's public
// listener: request a data channel per visitor, pair them within the
// pairing timeout, and pump bytes between them.
func (s *Server) acceptVisitors(sess *session) {
	for {
		visitor, err := sess.listener.Accept()
		if err != nil {
			log.Debug("public listener closed", "remote_addr", sess.remoteAddr, "assigned_port", sess.assignedPort)
			return
		}

		select {
		case sess.ctrlQ <- protocol.NewCreateDataChannel():
		case <-sess.closed:
			visitor.Close()
			return
		}

		select {
		case dataConn := <-sess.dataQ:
			go func() {
				in, out := proxy.Pump(visitor, dataConn)
				log.Debug("visitor session closed", "assigned_port", sess.assignedPort, "bytes_from_visitor", in, "bytes_from_client", out)
			}()

		case <-time.After(PairingTimeout):
			log.Warn("visitor pairing timed out", "assigned_port", sess.assignedPort, "remote_addr", visitor.RemoteAddr())
			visitor.Close()

		case <-sess.closed:
			visitor.Close()
			return
		}
	}
}

// handleDataChannel looks up the session matching this connection's
// remote address and hands it the socket for pairing. A connection with
// no matching control channel is closed.
func (s *Server) handleDataChannel(conn net.Conn) {
	addr := conn.RemoteAddr().String()

	s.mu.RLock()
	sess, ok := s.sessions[addr]
	s.mu.RUnlock()

	if !ok {
		log.Debug("data channel with no matching control channel", "remote_addr", addr)
		conn.Close()
		return
	}

	select {
	case sess.dataQ <- conn:
	case <-sess.closed:
		conn.Close()
	}
}
