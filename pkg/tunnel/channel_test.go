package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

// blockingDialer never connects; it honors ctx cancellation only. It is
// used to exercise the connect timeout deterministically.
type blockingDialer struct{}

func (blockingDialer) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// startEchoServer runs a TCP server that echoes each accepted connection
// until EOF, then closes it. It is shut down via t.Cleanup.
func startEchoServer(t *testing.T) int {
	nl, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo server listen failed: %s", err)
	}
	t.Cleanup(func() { nl.Close() })
	go func() {
		for {
			conn, err := nl.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				io.Copy(c, c)
				c.Close()
			}(conn)
		}
	}()
	return nl.Addr().(*net.TCPAddr).Port
}

// shutdownChannel tears a Channel all the way down, waiting for its worker
// to exit. Safe to call on an already-shut-down Channel.
func shutdownChannel(t *testing.T, ch *Channel) {
	t.Helper()
	ch.StartShutdown(nil)
	ch.WaitShutdown()
}

// nextEvent fails the test if no event arrives in time.
func nextEvent(t *testing.T, ch *Channel) Event {
	t.Helper()
	select {
	case ev, ok := <-ch.Events():
		if !ok {
			t.Fatal("event stream closed unexpectedly")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an event")
	}
	panic("unreachable")
}

// expectNoEvent asserts that the event stream stays quiet for the window.
func expectNoEvent(t *testing.T, ch *Channel, window time.Duration) {
	t.Helper()
	select {
	case ev, ok := <-ch.Events():
		if ok {
			t.Fatalf("unexpected event: %s", ev)
		}
		t.Fatal("event stream closed unexpectedly")
	case <-time.After(window):
	}
}

func TestChannelOpenConnectTimeout(t *testing.T) {
	lg := newTestLogger(t, "TestChannelOpenConnectTimeout")
	timeout := 200 * time.Millisecond
	ch := NewChannel(lg, &Config{
		ConnectTimeout: timeout,
		Dialer:         blockingDialer{},
	})
	defer shutdownChannel(t, ch)

	start := time.Now()
	ch.Open("192.0.2.1", 9999)

	ev := nextEvent(t, ch)
	if ev.Kind != EventError || !strings.Contains(ev.Message, "timed out") {
		t.Fatalf("first event = %s, want a connect timeout error", ev)
	}
	ev = nextEvent(t, ch)
	if ev.Kind != EventOpenResult || ev.Success {
		t.Fatalf("second event = %s, want a failed open result", ev)
	}

	elapsed := time.Since(start)
	if elapsed < timeout {
		t.Errorf("open failed after %s, before the %s timeout", elapsed, timeout)
	}
	if elapsed > timeout+2*time.Second {
		t.Errorf("open failed after %s, far beyond the %s timeout", elapsed, timeout)
	}
	if st := ch.State(); st != Unconnected {
		t.Errorf("state after timeout = %s, want %s", st, Unconnected)
	}
}

func TestChannelOpenConnectRefused(t *testing.T) {
	lg := newTestLogger(t, "TestChannelOpenConnectRefused")

	// grab a port that is definitely not listening
	nl, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %s", err)
	}
	deadPort := nl.Addr().(*net.TCPAddr).Port
	nl.Close()

	ch := NewChannel(lg, &Config{ConnectTimeout: 5 * time.Second})
	defer shutdownChannel(t, ch)

	ch.Open("127.0.0.1", deadPort)

	ev := nextEvent(t, ch)
	if ev.Kind != EventError || !strings.Contains(ev.Message, "remote connection error") {
		t.Fatalf("first event = %s, want a remote connection error", ev)
	}
	ev = nextEvent(t, ch)
	if ev.Kind != EventOpenResult || ev.Success {
		t.Fatalf("second event = %s, want a failed open result", ev)
	}
	if st := ch.State(); st != Unconnected {
		t.Errorf("state after refusal = %s, want %s", st, Unconnected)
	}
}

func TestChannelOpenRelayClose(t *testing.T) {
	lg := newTestLogger(t, "TestChannelOpenRelayClose")
	echoPort := startEchoServer(t)

	ch := NewChannel(lg, &Config{ConnectTimeout: 5 * time.Second})
	defer shutdownChannel(t, ch)

	ch.Open("127.0.0.1", echoPort)

	ev := nextEvent(t, ch)
	if ev.Kind != EventOpenResult || !ev.Success {
		t.Fatalf("event = %s, want a successful open result", ev)
	}
	if ev.LocalPort == 0 {
		t.Fatal("open result carries no local port")
	}
	localPort := ev.LocalPort
	if st := ch.State(); st != Connected {
		t.Fatalf("state after open = %s, want %s", st, Connected)
	}

	// a second open must be rejected without disturbing the live tunnel
	ch.Open("127.0.0.1", echoPort)
	ev = nextEvent(t, ch)
	if ev.Kind != EventOpenResult || ev.Success {
		t.Fatalf("event = %s, want a failed open result for the second open", ev)
	}
	if st := ch.State(); st != Connected {
		t.Fatalf("state after rejected open = %s, want %s", st, Connected)
	}

	// traffic flows client -> tunnel -> echo server -> tunnel -> client
	client, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	if err != nil {
		t.Fatalf("dial local port failed: %s", err)
	}
	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("client write failed: %s", err)
	}
	buf := make([]byte, 4)
	if _, err := readFull(client, buf); err != nil {
		t.Fatalf("client read failed: %s", err)
	}
	if string(buf) != "ping" {
		t.Errorf("echoed %q, want %q", buf, "ping")
	}

	// graceful close: the client sees EOF, closes its side, and the channel
	// reports the tunnel closed
	ch.Close()
	go func() {
		io.Copy(io.Discard, client)
		client.Close()
	}()
	ev = nextEvent(t, ch)
	if ev.Kind != EventClosed || !ev.Success {
		t.Fatalf("event = %s, want a successful close", ev)
	}
	if st := ch.State(); st != Unconnected {
		t.Errorf("state after close = %s, want %s", st, Unconnected)
	}
}

func TestChannelGracefulCloseWithoutLocalClient(t *testing.T) {
	lg := newTestLogger(t, "TestChannelGracefulCloseWithoutLocalClient")

	// a server that reports how its accepted conn ended: nil for a clean
	// EOF, non-nil for an abortive reset
	nl, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %s", err)
	}
	t.Cleanup(func() { nl.Close() })
	endC := make(chan error, 1)
	go func() {
		conn, err := nl.Accept()
		if err != nil {
			return
		}
		_, cerr := io.Copy(io.Discard, conn)
		endC <- cerr
		conn.Close()
	}()

	ch := NewChannel(lg, &Config{ConnectTimeout: 5 * time.Second})
	defer shutdownChannel(t, ch)

	ch.Open("127.0.0.1", nl.Addr().(*net.TCPAddr).Port)
	ev := nextEvent(t, ch)
	if ev.Kind != EventOpenResult || !ev.Success {
		t.Fatalf("event = %s, want a successful open result", ev)
	}

	// no local client ever dials; the close must still be a graceful
	// disconnect, with the remote peer seeing EOF rather than a reset
	ch.Close()
	ev = nextEvent(t, ch)
	if ev.Kind != EventClosed || !ev.Success {
		t.Fatalf("event = %s, want a successful close", ev)
	}
	if st := ch.State(); st != Unconnected {
		t.Errorf("state after close = %s, want %s", st, Unconnected)
	}

	select {
	case cerr := <-endC:
		if cerr != nil {
			t.Errorf("remote peer saw %v, want a clean end-of-stream", cerr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("remote peer never observed end-of-stream")
	}
}

func TestChannelCloseWhenNotOpen(t *testing.T) {
	lg := newTestLogger(t, "TestChannelCloseWhenNotOpen")
	ch := NewChannel(lg, nil)
	defer shutdownChannel(t, ch)

	ch.Close()
	ev := nextEvent(t, ch)
	if ev.Kind != EventClosed || ev.Success {
		t.Fatalf("event = %s, want EventClosed with Success=false", ev)
	}
}

func TestChannelAbortIsSilent(t *testing.T) {
	lg := newTestLogger(t, "TestChannelAbortIsSilent")
	echoPort := startEchoServer(t)

	ch := NewChannel(lg, &Config{ConnectTimeout: 5 * time.Second})
	defer shutdownChannel(t, ch)

	ch.Open("127.0.0.1", echoPort)
	ev := nextEvent(t, ch)
	if ev.Kind != EventOpenResult || !ev.Success {
		t.Fatalf("event = %s, want a successful open result", ev)
	}

	ch.Abort()
	if st := ch.State(); st != Unconnected {
		t.Fatalf("state after abort = %s, want %s", st, Unconnected)
	}
	expectNoEvent(t, ch, 100*time.Millisecond)

	// the channel is reusable after an abort
	ch.Open("127.0.0.1", echoPort)
	ev = nextEvent(t, ch)
	if ev.Kind != EventOpenResult || !ev.Success {
		t.Fatalf("event after reopen = %s, want a successful open result", ev)
	}
}

func TestChannelAbortWithNotice(t *testing.T) {
	lg := newTestLogger(t, "TestChannelAbortWithNotice")
	echoPort := startEchoServer(t)

	ch := NewChannel(lg, &Config{ConnectTimeout: 5 * time.Second})
	defer shutdownChannel(t, ch)

	if ch.AbortWithNotice() {
		t.Error("AbortWithNotice acted on an unconnected channel")
	}

	ch.Open("127.0.0.1", echoPort)
	ev := nextEvent(t, ch)
	if ev.Kind != EventOpenResult || !ev.Success {
		t.Fatalf("event = %s, want a successful open result", ev)
	}

	if !ch.AbortWithNotice() {
		t.Fatal("AbortWithNotice did not act on a connected channel")
	}
	ev = nextEvent(t, ch)
	if ev.Kind != EventClosed || !ev.Success {
		t.Fatalf("event = %s, want a successful close", ev)
	}
	if st := ch.State(); st != Unconnected {
		t.Errorf("state after abort = %s, want %s", st, Unconnected)
	}
}

func TestChannelRemoteDisconnect(t *testing.T) {
	lg := newTestLogger(t, "TestChannelRemoteDisconnect")
	echoPort := startEchoServer(t)

	ch := NewChannel(lg, &Config{ConnectTimeout: 5 * time.Second})
	defer shutdownChannel(t, ch)

	ch.Open("127.0.0.1", echoPort)
	ev := nextEvent(t, ch)
	if ev.Kind != EventOpenResult || !ev.Success {
		t.Fatalf("event = %s, want a successful open result", ev)
	}

	client, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", ev.LocalPort))
	if err != nil {
		t.Fatalf("dial local port failed: %s", err)
	}
	defer client.Close()

	// drive one round trip so the relay is up, then hang up locally; the
	// echo server answers the EOF by closing, the relay drains out, and the
	// channel reports the tunnel closed
	if _, err := client.Write([]byte("bye")); err != nil {
		t.Fatalf("client write failed: %s", err)
	}
	buf := make([]byte, 3)
	if _, err := readFull(client, buf); err != nil {
		t.Fatalf("client read failed: %s", err)
	}
	client.Close()

	ev = nextEvent(t, ch)
	if ev.Kind != EventClosed || !ev.Success {
		t.Fatalf("event = %s, want a close after remote disconnect", ev)
	}
	if st := ch.State(); st != Unconnected {
		t.Errorf("state = %s, want %s", st, Unconnected)
	}
}

func TestChannelSetKeepaliveWhileConnected(t *testing.T) {
	lg := newTestLogger(t, "TestChannelSetKeepaliveWhileConnected")
	echoPort := startEchoServer(t)

	ch := NewChannel(lg, &Config{ConnectTimeout: 5 * time.Second})
	defer shutdownChannel(t, ch)

	ch.Open("127.0.0.1", echoPort)
	ev := nextEvent(t, ch)
	if ev.Kind != EventOpenResult || !ev.Success {
		t.Fatalf("event = %s, want a successful open result", ev)
	}

	ch.SetKeepalive(KeepaliveParams{
		Enabled:    true,
		ProbeCount: 3,
		Idle:       30 * time.Second,
		Interval:   10 * time.Second,
	})
	if st := ch.State(); st != Connected {
		t.Fatalf("state after SetKeepalive = %s, want %s", st, Connected)
	}
	expectNoEvent(t, ch, 100*time.Millisecond)
}

func TestChannelShutdownClosesEventStream(t *testing.T) {
	lg := newTestLogger(t, "TestChannelShutdownClosesEventStream")
	echoPort := startEchoServer(t)

	ch := NewChannel(lg, &Config{ConnectTimeout: 5 * time.Second})
	ch.Open("127.0.0.1", echoPort)
	ev := nextEvent(t, ch)
	if ev.Kind != EventOpenResult || !ev.Success {
		t.Fatalf("event = %s, want a successful open result", ev)
	}

	ch.StartShutdown(nil)
	if err := ch.WaitShutdown(); err != nil {
		t.Errorf("WaitShutdown returned error: %s", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event stream was not closed by shutdown")
		}
	}
}
