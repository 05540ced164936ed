package server

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wirechat/wirechat/internal/directory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type instance struct {
	srv   *Server
	dir   *directory.Directory
	done  chan struct{}
	close context.CancelFunc
}

// startInstance brings up a full server on an ephemeral port.
func startInstance(t *testing.T) *instance {
	t.Helper()
	dir := directory.New(testLogger())
	srv := New(Config{
		Host:        "127.0.0.1",
		Port:        0,
		DialTimeout: 2 * time.Second,
		Directory:   dir,
		Logger:      testLogger(),
	})
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()

	inst := &instance{srv: srv, dir: dir, done: done, close: cancel}
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})
	return inst
}

// client is a test chat client over real TCP.
type client struct {
	conn net.Conn
	br   *bufio.Reader
}

func dialClient(t *testing.T, inst *instance) *client {
	t.Helper()
	conn, err := net.Dial("tcp", inst.srv.Addr().String())
	if err != nil {
		t.Fatalf("dialing server: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &client{conn: conn, br: bufio.NewReader(conn)}
}

func (c *client) send(t *testing.T, line string) {
	t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("write %q: %v", line, err)
	}
}

func (c *client) expect(t *testing.T, want string) {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := c.br.ReadString('\n')
	if err != nil {
		t.Fatalf("reading (want %q): %v", want, err)
	}
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func (c *client) roundTrip(t *testing.T, line, want string) {
	t.Helper()
	c.send(t, line)
	c.expect(t, want)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSingleInstance(t *testing.T) {
	inst := startInstance(t)
	x := dialClient(t, inst)
	y := dialClient(t, inst)

	x.roundTrip(t, "REGISTER alice pw", "RESULT REGISTER 1\n")
	x.roundTrip(t, "LOGIN alice pw", "RESULT LOGIN 1\n")
	x.roundTrip(t, "CREATE lobby", "RESULT CREATE lobby 1\n")
	x.roundTrip(t, "JOIN lobby", "RESULT JOIN lobby 1\n")

	y.roundTrip(t, "REGISTER bob pw", "RESULT REGISTER 1\n")
	y.roundTrip(t, "LOGIN bob pw", "RESULT LOGIN 1\n")
	y.roundTrip(t, "JOIN lobby", "RESULT JOIN lobby 1\n")

	x.send(t, "SAY lobby hi there")
	x.expect(t, "RESULT SAY lobby 1\n")
	x.expect(t, "RECV alice lobby hi there\n")
	y.expect(t, "RECV alice lobby hi there\n")

	// Duplicate registration.
	y.roundTrip(t, "REGISTER alice pw2", "RESULT REGISTER 0\n")

	// Channel listing.
	x.roundTrip(t, "CHANNELS", "RESULT CHANNELS lobby\n")

	// Malformed input is dropped; the connection survives.
	x.send(t, "SAY onlyonearg")
	x.roundTrip(t, "CHANNELS", "RESULT CHANNELS lobby\n")
}

func TestUnclassifiableFirstRecordIsFatal(t *testing.T) {
	inst := startInstance(t)
	conn, err := net.Dial("tcp", inst.srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("NOISE whatever\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("connection survived an unclassifiable first record")
	}
}

// federate links a and b by writing a bootstrap file for a and dialing.
// It returns the address under which b is known in a's directory (the
// near-side address of the link, per the peer identity rules).
func federate(ctx context.Context, t *testing.T, a, b *instance) netip.AddrPort {
	t.Helper()
	peersFile := filepath.Join(t.TempDir(), "peers")
	if err := os.WriteFile(peersFile, []byte(b.srv.Addr().String()+"\n"), 0o644); err != nil {
		t.Fatalf("writing peers file: %v", err)
	}
	if err := a.srv.DialPeers(ctx, peersFile); err != nil {
		t.Fatalf("DialPeers: %v", err)
	}

	waitFor(t, "bootstrap on both sides", func() bool {
		return len(a.dir.PeerAddrs()) == 1 && len(b.dir.PeerAddrs()) == 1
	})
	return a.dir.PeerAddrs()[0]
}

func TestFederation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := startInstance(t)
	b := startInstance(t)
	bAddr := federate(ctx, t, a, b)

	// A channel created on B is advertised to A.
	bob := dialClient(t, b)
	bob.roundTrip(t, "REGISTER bob pw", "RESULT REGISTER 1\n")
	bob.roundTrip(t, "LOGIN bob pw", "RESULT LOGIN 1\n")
	bob.roundTrip(t, "CREATE room", "RESULT CREATE room 1\n")
	bob.roundTrip(t, "JOIN room", "RESULT JOIN room 1\n")

	waitFor(t, "FEDNEW to reach A", func() bool {
		chans := a.dir.PeerChannels(bAddr)
		return len(chans) == 1 && chans[0] == "room"
	})

	// Remote join: the reply arrives through the callback, not synchronously.
	alice := dialClient(t, a)
	alice.roundTrip(t, "REGISTER alice pw", "RESULT REGISTER 1\n")
	alice.roundTrip(t, "LOGIN alice pw", "RESULT LOGIN 1\n")
	alice.send(t, "JOIN room:"+bAddr.String())
	alice.expect(t, "RESULT JOIN room 1\n")

	// A second remote join is rejected by B.
	alice.send(t, "JOIN room:"+bAddr.String())
	alice.expect(t, "RESULT JOIN room 0\n")

	// A message on B fans out to the remote member on A.
	bob.send(t, "SAY room hi there")
	bob.expect(t, "RESULT SAY room 1\n")
	bob.expect(t, "RECV bob room hi there\n")
	alice.expect(t, "RECV bob room hi there\n")

	// Remote say: alice speaks into B's room from A.
	alice.send(t, "SAY room:"+bAddr.String()+" hello from afar")
	alice.expect(t, "RESULT SAY room hello from afar 1\n")
	alice.expect(t, "RECV alice@"+aliceWireAddr(t, a)+" room hello from afar\n")
	bob.expect(t, "RECV alice@"+aliceWireAddr(t, a)+" room hello from afar\n")
}

// aliceWireAddr reconstructs the identity suffix a's server stamps on
// outgoing federation requests for its clients: the near-side address of the
// client socket, which is the server's own listen address.
func aliceWireAddr(t *testing.T, a *instance) string {
	t.Helper()
	return a.srv.Addr().String()
}

func TestFederationBootstrapEmptyChannelList(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := startInstance(t)
	b := startInstance(t)
	bAddr := federate(ctx, t, a, b)

	if chans := a.dir.PeerChannels(bAddr); len(chans) != 0 {
		t.Errorf("fresh peer advertises channels: %v", chans)
	}

	// FEDNEW also flows from the dialing side (A) to the accepting side (B).
	carol := dialClient(t, a)
	carol.roundTrip(t, "CREATE meadow", "RESULT CREATE meadow 1\n")
	waitFor(t, "FEDNEW to reach B", func() bool {
		addrs := b.dir.PeerAddrs()
		if len(addrs) != 1 {
			return false
		}
		chans := b.dir.PeerChannels(addrs[0])
		return len(chans) == 1 && chans[0] == "meadow"
	})
}

func TestShutdownTerminatesSessions(t *testing.T) {
	inst := startInstance(t)
	c := dialClient(t, inst)
	c.roundTrip(t, "CHANNELS", "RESULT CHANNELS\n")

	inst.close()
	select {
	case <-inst.done:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}

	// The session's socket was closed underneath the client.
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.br.ReadString('\n'); err == nil {
		t.Fatal("client connection survived shutdown")
	}
}
