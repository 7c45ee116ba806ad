package test

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/bc183/otun/internal/client"
	"github.com/bc183/otun/internal/protocol"
	"github.com/bc183/otun/internal/server"
)

// startEchoServer starts a TCP server that echoes back whatever it reads
// on every accepted connection.
func startEchoServer(t *testing.T) (addr string, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

// waitForPort waits for a port to accept connections.
func waitForPort(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return net.ErrClosed
}

func startTunnelServer(t *testing.T, lo, hi uint16) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr = ln.Addr().String()
	ln.Close()

	srv := server.New(addr, lo, hi)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := srv.Run(ctx); err != nil {
			t.Logf("server error: %v", err)
		}
	}()

	if err := waitForPort(addr, 2*time.Second); err != nil {
		t.Fatalf("tunnel server not ready: %v", err)
	}
	return addr, cancel
}

// S1 — happy path: client establishes a tunnel for a local echo service and
// a visitor round-trips a message through the assigned public port.
func TestHappyPath(t *testing.T) {
	localAddr, closeEcho := startEchoServer(t)
	defer closeEcho()
	_, localPortStr, _ := net.SplitHostPort(localAddr)
	localPort, _ := strconv.Atoi(localPortStr)

	serverAddr, stopServer := startTunnelServer(t, 45100, 45200)
	defer stopServer()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tun := client.Start(ctx, serverAddr, uint16(localPort))
	defer tun.Shutdown()

	assignedPort, err := tun.AssignedPort(ctx)
	if err != nil {
		t.Fatalf("AssignedPort: %v", err)
	}
	if assignedPort < 45100 || assignedPort >= 45200 {
		t.Fatalf("assigned port %d out of configured range", assignedPort)
	}

	publicAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(int(assignedPort)))
	visitor, err := net.DialTimeout("tcp", publicAddr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial public port: %v", err)
	}
	defer visitor.Close()

	if _, err := visitor.Write([]byte("ping\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	visitor.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 5)
	if _, err := io.ReadFull(visitor, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "ping\n" {
		t.Errorf("got %q, want %q", buf, "ping\n")
	}
}

// S2 — port exhaustion: with a two-port range, a third client is refused.
func TestPortExhaustionAcrossClients(t *testing.T) {
	localAddr, closeEcho := startEchoServer(t)
	defer closeEcho()
	_, localPortStr, _ := net.SplitHostPort(localAddr)
	localPort, _ := strconv.Atoi(localPortStr)

	serverAddr, stopServer := startTunnelServer(t, 45300, 45302)
	defer stopServer()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tun1 := client.Start(ctx, serverAddr, uint16(localPort))
	defer tun1.Shutdown()
	port1, err := tun1.AssignedPort(ctx)
	if err != nil {
		t.Fatalf("client 1 AssignedPort: %v", err)
	}

	tun2 := client.Start(ctx, serverAddr, uint16(localPort))
	defer tun2.Shutdown()
	port2, err := tun2.AssignedPort(ctx)
	if err != nil {
		t.Fatalf("client 2 AssignedPort: %v", err)
	}

	if port1 == port2 {
		t.Fatalf("expected distinct ports, got %d twice", port1)
	}

	// A third control channel, dialed directly (not through client.Start, to
	// avoid its infinite retry loop), must be closed without a TunnelResponse.
	conn, err := net.Dial("tcp", serverAddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := protocol.WriteMessage(conn, protocol.NewTunnelRequest(uint16(localPort))); err != nil {
		t.Fatalf("send tunnel request: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := protocol.ReadMessage(conn); err == nil {
		t.Error("expected no TunnelResponse while the port range is exhausted")
	}
}

// S3 — port release: once a client disconnects, its port becomes available
// to a retrying client.
func TestPortReleaseOnDisconnect(t *testing.T) {
	localAddr, closeEcho := startEchoServer(t)
	defer closeEcho()
	_, localPortStr, _ := net.SplitHostPort(localAddr)
	localPort, _ := strconv.Atoi(localPortStr)

	serverAddr, stopServer := startTunnelServer(t, 45400, 45401) // single port
	defer stopServer()

	ctx1, cancel1 := context.WithCancel(context.Background())
	tun1 := client.Start(ctx1, serverAddr, uint16(localPort))
	port1, err := tun1.AssignedPort(ctx1)
	if err != nil {
		t.Fatalf("client 1 AssignedPort: %v", err)
	}
	if port1 != 45400 {
		t.Fatalf("assigned port = %d, want 45400", port1)
	}

	tun1.Shutdown()
	cancel1()

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	tun2 := client.Start(ctx2, serverAddr, uint16(localPort))
	defer tun2.Shutdown()

	port2, err := tun2.AssignedPort(ctx2)
	if err != nil {
		t.Fatalf("client 2 AssignedPort: %v", err)
	}
	if port2 != 45400 {
		t.Errorf("reassigned port = %d, want 45400", port2)
	}
}

// S6 — message framing: a valid Heartbeat is accepted and an oversized
// declared length is rejected without the server allocating the buffer.
func TestMessageFramingEdgeCases(t *testing.T) {
	serverAddr, stopServer := startTunnelServer(t, 45500, 45501)
	defer stopServer()

	t.Run("oversized length is rejected", func(t *testing.T) {
		conn, err := net.Dial("tcp", serverAddr)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer conn.Close()

		var hdr [4]byte
		binary.LittleEndian.PutUint32(hdr[:], 0xFFFFFFFF)
		if _, err := conn.Write(hdr[:]); err != nil {
			t.Fatalf("write oversized length: %v", err)
		}

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 1)
		if _, err := conn.Read(buf); err == nil {
			t.Error("expected server to close the connection without allocating the payload")
		}
	})

	t.Run("valid control channel accepts a manually framed heartbeat", func(t *testing.T) {
		conn, err := net.Dial("tcp", serverAddr)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer conn.Close()

		if err := protocol.WriteMessage(conn, protocol.NewTunnelRequest(9001)); err != nil {
			t.Fatalf("send tunnel request: %v", err)
		}
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := protocol.ReadMessage(conn); err != nil {
			t.Fatalf("read tunnel response: %v", err)
		}

		if err := protocol.WriteMessage(conn, protocol.NewHeartbeat()); err != nil {
			t.Fatalf("send heartbeat: %v", err)
		}

		// The server doesn't reply to a client-sent heartbeat (only the
		// client echoes), so the channel staying open is demonstrated by a
		// second frame still being accepted rather than the connection
		// having been torn down.
		time.Sleep(100 * time.Millisecond)
		if err := protocol.WriteMessage(conn, protocol.NewHeartbeat()); err != nil {
			t.Fatalf("control channel closed after accepting a heartbeat: %v", err)
		}
	})
}
