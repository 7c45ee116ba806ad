// Package client implements the otun tunnel client: the control loop that
// registers a tunnel with the server, keeps it alive with heartbeats, opens
// data channels on demand, and reconnects on failure.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bc183/otun/internal/protocol"
	"github.com/bc183/otun/internal/proxy"
	"github.com/charmbracelet/log"
)

const (
	// TunnelResponseTimeout bounds how long Phase A waits for TunnelResponse.
	TunnelResponseTimeout = 10 * time.Second

	// HeartbeatInterval is how often the control loop sends a Heartbeat.
	HeartbeatInterval = 20 * time.Second

	// HeartbeatReceiveTimeout is how long the control loop waits for any
	// frame before treating the channel as dead.
	HeartbeatReceiveTimeout = 60 * time.Second
)

// Tunnel is the client-side handle for a single tunnel's lifecycle: the
// remote/local addresses, the port the server assigned, and the background
// control loop that keeps the tunnel alive. Single owner; Shutdown consumes it.
type Tunnel struct {
	remoteAddr string
	localPort  uint16

	mu           sync.Mutex
	assignedPort uint16

	ready     chan struct{}
	readyOnce sync.Once

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Start dials remoteAddr and begins the control loop in the background,
// retrying on transient failure until ctx is cancelled. It returns
// immediately; use AssignedPort to wait for the server's reply.
func Start(ctx context.Context, remoteAddr string, localPort uint16) *Tunnel {
	ctx, cancel := context.WithCancel(ctx)
	t := &Tunnel{
		remoteAddr: remoteAddr,
		localPort:  localPort,
		ready:      make(chan struct{}),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go t.supervise(ctx)
	return t
}

// AssignedPort blocks until the server has assigned a public port, the
// tunnel has ended, or ctx is cancelled.
func (t *Tunnel) AssignedPort(ctx context.Context) (uint16, error) {
	select {
	case <-t.ready:
		t.mu.Lock()
		port := t.assignedPort
		t.mu.Unlock()
		return port, nil
	case <-t.done:
		return 0, t.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Done returns a channel closed when the tunnel's control loop has exited
// for good (clean shutdown or a permanent failure).
func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}

// Err returns the reason the tunnel ended. It blocks until Done is closed.
func (t *Tunnel) Err() error {
	<-t.done
	return t.err
}

// Shutdown signals the control loop to stop and waits for it to exit.
func (t *Tunnel) Shutdown() {
	t.cancel()
	<-t.done
}

func (t *Tunnel) setAssignedPort(port uint16) {
	t.mu.Lock()
	t.assignedPort = port
	t.mu.Unlock()
	t.readyOnce.Do(func() { close(t.ready) })
}

// supervise is the outer retry loop wrapping Phase A and Phase B: on any
// non-permanent error it waits RetryInterval and tries again. Shutdown
// always wins the race against a pending retry.
func (t *Tunnel) supervise(ctx context.Context) {
	defer close(t.done)

	r := newRetrier()
	for {
		err := t.connectOnce(ctx, r)

		if err == nil {
			t.err = nil
			return
		}
		if isPermanentError(err) {
			t.err = err
			return
		}
		if ctx.Err() != nil {
			t.err = ErrShutdown
			return
		}

		delay := r.NextDelay()
		log.Warn("tunnel connection lost, retrying",
			"remote_addr", t.remoteAddr,
			"error", err,
			"attempt", r.Attempt(),
			"delay", delay,
		)

		select {
		case <-ctx.Done():
			t.err = ErrShutdown
			return
		case <-time.After(delay):
		}
	}
}

// connectOnce runs Phase A (establish) followed by Phase B (control loop).
// It returns nil only on clean shutdown; any other return value is a
// reason to retry.
func (t *Tunnel) connectOnce(ctx context.Context, r *retrier) error {
	conn, err := net.Dial("tcp", t.remoteAddr)
	if err != nil {
		return fmt.Errorf("dial server: %w", err)
	}

	if err := protocol.WriteMessage(conn, protocol.NewTunnelRequest(t.localPort)); err != nil {
		conn.Close()
		return fmt.Errorf("send tunnel request: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(TunnelResponseTimeout))
	msg, err := protocol.ReadMessage(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("await tunnel response: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	resp, ok := msg.(*protocol.TunnelResponseMessage)
	if !ok {
		conn.Close()
		return fmt.Errorf("%w: got %T", ErrUnexpectedResponse, msg)
	}

	t.setAssignedPort(resp.AssignedPort)
	r.Reset()
	log.Info("tunnel established",
		"remote_addr", t.remoteAddr,
		"local_port", t.localPort,
		"assigned_port", resp.AssignedPort,
	)

	return t.controlLoop(ctx, conn)
}

// controlLoop is Phase B: it reads frames from the control channel,
// dispatches CreateDataChannel to a new goroutine and echoes Heartbeat,
// sends its own Heartbeat every HeartbeatInterval, and exits cleanly on
// shutdown or with ErrHeartbeatTimeout if the receive timeout elapses.
func (t *Tunnel) controlLoop(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	frames := make(chan any)
	readErrs := make(chan error, 1)

	go func() {
		for {
			conn.SetReadDeadline(time.Now().Add(HeartbeatReceiveTimeout))
			msg, err := protocol.ReadMessage(conn)
			if err != nil {
				readErrs <- err
				return
			}
			select {
			case frames <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-readErrs:
			if isTimeoutErr(err) {
				return ErrHeartbeatTimeout
			}
			return fmt.Errorf("control channel read: %w", err)

		case msg := <-frames:
			switch m := msg.(type) {
			case *protocol.CreateDataChannelMessage:
				go t.openDataChannel(ctx)
			case *protocol.HeartbeatMessage:
				if err := protocol.WriteMessage(conn, protocol.NewHeartbeat()); err != nil {
					return fmt.Errorf("send heartbeat reply: %w", err)
				}
			default:
				log.Warn("unexpected message on control channel", "type", fmt.Sprintf("%T", m))
			}

		case <-ticker.C:
			if err := protocol.WriteMessage(conn, protocol.NewHeartbeat()); err != nil {
				return fmt.Errorf("send heartbeat: %w", err)
			}
			log.Debug("heartbeat sent", "remote_addr", t.remoteAddr)
		}
	}
}

// openDataChannel implements Phase C: it dials the server and the local
// service in parallel, then pumps bytes between them. No TunnelRequest is
// sent on the server-facing connection; the server identifies a data
// channel by it not being one.
func (t *Tunnel) openDataChannel(ctx context.Context) {
	var serverConn, localConn net.Conn
	var serverErr, localErr error

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		var d net.Dialer
		serverConn, serverErr = d.DialContext(ctx, "tcp", t.remoteAddr)
	}()
	go func() {
		defer wg.Done()
		var d net.Dialer
		localConn, localErr = d.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", t.localPort))
	}()
	wg.Wait()

	if serverErr != nil {
		log.Error("failed to dial server for data channel", "error", serverErr)
		if localConn != nil {
			localConn.Close()
		}
		return
	}
	if localErr != nil {
		log.Error("failed to dial local service", "error", localErr, "local_port", t.localPort)
		serverConn.Close()
		return
	}

	log.Debug("data channel established", "remote_addr", t.remoteAddr, "local_port", t.localPort)
	in, out := proxy.Pump(serverConn, localConn)
	log.Debug("data channel closed", "bytes_from_server", in, "bytes_from_local", out)
}

// isTimeoutErr reports whether err is (or wraps) a net.Error whose Timeout
// method returns true.
func isTimeoutErr(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
