package session

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"net/netip"
	"strings"

	"github.com/wirechat/wirechat/internal/directory"
	"github.com/wirechat/wirechat/internal/mailbox"
	"github.com/wirechat/wirechat/internal/models"
	"github.com/wirechat/wirechat/internal/protocol"
)

// Client is the state machine bound to one local client socket: an optional
// logged-in identity, an inbound delivery queue, and the near-side socket
// address the server uses as its own identity in outgoing federation
// requests.
type Client struct {
	id       models.ULID
	conn     net.Conn
	dir      *directory.Directory
	logger   *slog.Logger
	mbox     *mailbox.Mailbox[string]
	username string
	selfAddr string
}

// NewClient wraps an accepted client connection. Run drives it.
func NewClient(conn net.Conn, dir *directory.Directory, logger *slog.Logger) *Client {
	id := models.NewULID()
	return &Client{
		id:   id,
		conn: conn,
		dir:  dir,
		logger: logger.With(
			slog.String("session", id.String()),
			slog.String("kind", "client"),
			slog.String("remote", conn.RemoteAddr().String()),
		),
		mbox:     mailbox.New[string](),
		selfAddr: conn.LocalAddr().String(),
	}
}

// Deliver enqueues one outbound record for this client. It implements
// directory.ClientEndpoint and reports false once the session is gone.
func (c *Client) Deliver(record string) bool {
	return c.mbox.Push(record)
}

// Run drives the session until the socket fails, the client disconnects, or
// ctx is cancelled. first, when non-nil, is the record that classified the
// connection and is handled before the loop starts. On exit the session
// removes its memberships and endpoint binding; queued deliveries are
// discarded.
func (c *Client) Run(ctx context.Context, br *bufio.Reader, first protocol.ClientRequest) {
	defer c.conn.Close()
	defer c.dir.DropClient(c)
	defer c.mbox.Close()

	done := make(chan struct{})
	defer close(done)

	c.logger.Debug("client session started")
	defer c.logger.Debug("client session closed")

	if first != nil {
		if err := c.handle(first); err != nil {
			return
		}
	}

	lines := readLines(br, done)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			req, ok := protocol.ParseClient(line)
			if !ok {
				// Malformed records are dropped; the connection stays up.
				c.logger.Debug("malformed client record dropped", slog.String("record", line))
				continue
			}
			if err := c.handle(req); err != nil {
				return
			}
		case <-c.mbox.Ready():
			if err := c.drain(); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// drain writes every queued delivery record to the socket.
func (c *Client) drain() error {
	for {
		record, ok := c.mbox.Pop()
		if !ok {
			return nil
		}
		if err := c.write(record); err != nil {
			return err
		}
	}
}

func (c *Client) write(record string) error {
	if err := writeRecord(c.conn, record); err != nil {
		c.logger.Debug("socket write failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// handle dispatches one parsed request and writes any synchronous reply.
func (c *Client) handle(req protocol.ClientRequest) error {
	switch r := req.(type) {
	case protocol.Register:
		return c.write(protocol.ResultRegister(c.dir.Register(r.Username, r.Password)))
	case protocol.Login:
		ok := c.dir.Authenticate(r.Username, r.Password)
		if ok {
			// Repeated logins overwrite the bound identity; the endpoint map
			// is last-writer-wins across sessions.
			c.username = r.Username
			c.dir.BindEndpoint(r.Username, c)
		}
		return c.write(protocol.ResultLogin(ok))
	case protocol.Create:
		return c.write(protocol.ResultCreate(r.Channel, c.dir.CreateChannel(r.Channel)))
	case protocol.Channels:
		return c.write(protocol.ChannelList("RESULT CHANNELS", c.dir.ChannelNames()))
	case protocol.Join:
		return c.handleJoin(r.Target)
	case protocol.Say:
		return c.handleSay(r.Target, r.Message)
	}
	return nil
}

func (c *Client) handleJoin(target string) error {
	name, addr, remote := splitRemoteTarget(target)
	if !remote {
		ok := c.username != "" && c.dir.JoinLocal(target, c.username, c)
		return c.write(protocol.ResultJoin(target, ok))
	}

	if c.username == "" {
		return c.write(protocol.ResultJoin(target, false))
	}

	// No immediate reply: the peer session writes the request and installs a
	// callback; the eventual FEDRESULT is delivered through our mailbox.
	user := c.wireIdentity()
	sent := c.dir.SendToPeer(addr, directory.PeerMessage{
		Record: protocol.FedJoinLine(user, name),
		Callback: &directory.Callback{
			Client: c,
			User:   user,
			Reply:  directory.PendingReply{Op: "JOIN", Channel: name},
		},
	})
	if !sent {
		// Unknown or dead peer: the request is lost and no reply arrives.
		c.logger.Debug("remote join dropped, peer unknown", slog.String("target", target))
	}
	return nil
}

func (c *Client) handleSay(target, message string) error {
	name, addr, remote := splitRemoteTarget(target)
	if !remote {
		ok := c.username != "" && c.dir.Say(c.username, target, message)
		return c.write(protocol.ResultSay(target, ok))
	}

	if c.username == "" {
		return c.write(protocol.ResultSay(target, false))
	}

	user := c.wireIdentity()
	sent := c.dir.SendToPeer(addr, directory.PeerMessage{
		Record: protocol.FedSayLine(user, name, message),
		Callback: &directory.Callback{
			Client: c,
			User:   user,
			Reply:  directory.PendingReply{Op: "SAY", Channel: name, Message: message},
		},
	})
	if !sent {
		c.logger.Debug("remote say dropped, peer unknown", slog.String("target", target))
	}
	return nil
}

// wireIdentity is the user@addr form peers know this client by; the peer
// echoes it back in FEDRESULT, so callbacks key on it.
func (c *Client) wireIdentity() string {
	return c.username + "@" + c.selfAddr
}

// splitRemoteTarget recognizes the remote form "name:host:port". Targets
// whose suffix is not a socket address are treated as plain local names.
func splitRemoteTarget(target string) (string, netip.AddrPort, bool) {
	name, rest, ok := strings.Cut(target, ":")
	if !ok {
		return target, netip.AddrPort{}, false
	}
	addr, err := netip.ParseAddrPort(rest)
	if err != nil {
		return target, netip.AddrPort{}, false
	}
	return name, addr, true
}
