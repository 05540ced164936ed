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

// callbackKey correlates an expected FEDRESULT with the client session that
// issued the originating request. Two identical outstanding SAY requests for
// the same user collide: the later one replaces the earlier table entry, so
// the first matching reply consumes it and the second is dropped.
type callbackKey struct {
	user  string
	reply directory.PendingReply
}

// Peer is the state machine bound to one federation socket, inbound or
// dialed: a delivery queue of PeerMessages and the table of pending
// callbacks. The directory knows the peer under its near-side socket address.
type Peer struct {
	id        models.ULID
	conn      net.Conn
	dir       *directory.Directory
	logger    *slog.Logger
	mbox      *mailbox.Mailbox[directory.PeerMessage]
	addr      netip.AddrPort
	callbacks map[callbackKey]directory.ClientEndpoint
}

// NewPeer wraps a federation connection observed at addr. Run drives it.
func NewPeer(conn net.Conn, addr netip.AddrPort, dir *directory.Directory, logger *slog.Logger) *Peer {
	id := models.NewULID()
	return &Peer{
		id:   id,
		conn: conn,
		dir:  dir,
		logger: logger.With(
			slog.String("session", id.String()),
			slog.String("kind", "peer"),
			slog.String("peer", addr.String()),
		),
		mbox:      mailbox.New[directory.PeerMessage](),
		addr:      addr,
		callbacks: make(map[callbackKey]directory.ClientEndpoint),
	}
}

// Send enqueues one message for this peer link. It implements
// directory.PeerEndpoint and reports false once the link is gone.
func (p *Peer) Send(msg directory.PeerMessage) bool {
	return p.mbox.Push(msg)
}

// Run drives the session until the socket fails or ctx is cancelled. first,
// when non-nil, is the record that classified the connection; dialed links
// pass nil and wait for the peer's FEDCONFIRM. On exit the peer record and
// the remote memberships it served are removed; pending callbacks are
// abandoned and their waiting clients receive no reply.
func (p *Peer) Run(ctx context.Context, br *bufio.Reader, first protocol.PeerRequest) {
	defer p.conn.Close()
	defer p.dir.DropPeer(p.addr, p)
	defer p.mbox.Close()

	done := make(chan struct{})
	defer close(done)

	p.logger.Debug("peer session started")
	defer p.logger.Debug("peer session closed")

	if first != nil {
		if err := p.handle(first); err != nil {
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
			req, ok := protocol.ParsePeer(line)
			if !ok {
				p.logger.Debug("malformed federation record skipped", slog.String("record", line))
				continue
			}
			if err := p.handle(req); err != nil {
				return
			}
		case <-p.mbox.Ready():
			if err := p.drain(); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// drain writes queued records to the socket. A callback-arming message
// installs its table entry immediately after its request bytes are written,
// so the entry exists strictly before any reply can race back through the
// same socket.
func (p *Peer) drain() error {
	for {
		msg, ok := p.mbox.Pop()
		if !ok {
			return nil
		}
		if err := p.write(msg.Record); err != nil {
			return err
		}
		if cb := msg.Callback; cb != nil {
			p.callbacks[callbackKey{user: cb.User, reply: cb.Reply}] = cb.Client
		}
	}
}

func (p *Peer) write(record string) error {
	if err := writeRecord(p.conn, record); err != nil {
		p.logger.Debug("socket write failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// handle dispatches one parsed federation record.
func (p *Peer) handle(req protocol.PeerRequest) error {
	switch r := req.(type) {
	case protocol.FederateOut:
		p.dir.RegisterPeer(p.addr, p)
		return p.write(protocol.FedConfirmLine())
	case protocol.FedConfirm:
		p.dir.RegisterPeer(p.addr, p)
		return p.write(protocol.ChannelList("FEDCHANNELS", p.dir.ChannelNames()))
	case protocol.FedChannels:
		p.dir.AddPeerChannels(p.addr, r.Channels)
	case protocol.FedNew:
		p.dir.AddPeerChannels(p.addr, []string{r.Channel})
	case protocol.FedJoin:
		ok := p.dir.JoinRemote(r.Channel, r.User, p)
		return p.write(protocol.FedResultJoinLine(r.User, r.Channel, ok))
	case protocol.FedSay:
		ok := p.dir.Say(r.User, r.Channel, r.Message)
		return p.write(protocol.FedResultSayLine(r.User, r.Channel, ok, r.Message))
	case protocol.FedRecv:
		p.deliverLocal(r)
	case protocol.FedResultJoin:
		key := callbackKey{user: r.User, reply: directory.PendingReply{Op: "JOIN", Channel: r.Channel}}
		p.resolve(key, protocol.ResultJoin(r.Channel, r.OK))
	case protocol.FedResultSay:
		key := callbackKey{user: r.User, reply: directory.PendingReply{Op: "SAY", Channel: r.Channel, Message: r.Message}}
		p.resolve(key, protocol.ResultSayRelayed(r.Channel, r.Message, r.OK))
	}
	return nil
}

// deliverLocal routes a FEDRECV to the named local user. The sender addresses
// recipients by the identity it holds, which for users joined over this link
// is the user@addr wire form; the bare username is tried when the exact name
// is not bound. Unknown recipients are dropped.
func (p *Peer) deliverLocal(r protocol.FedRecv) {
	ep, ok := p.dir.Endpoint(r.To)
	if !ok {
		if name, _, cut := strings.Cut(r.To, "@"); cut {
			ep, ok = p.dir.Endpoint(name)
		}
	}
	if !ok {
		p.logger.Debug("delivery for unknown local user dropped", slog.String("to", r.To))
		return
	}
	ep.Deliver(protocol.Recv(r.From, r.Channel, r.Message))
}

// resolve pops the callback for a FEDRESULT and delivers the client-facing
// reply. Replies with no matching callback are dropped.
func (p *Peer) resolve(key callbackKey, record string) {
	ep, ok := p.callbacks[key]
	if !ok {
		p.logger.Debug("unmatched federation result dropped",
			slog.String("user", key.user),
			slog.String("op", key.reply.Op),
		)
		return
	}
	delete(p.callbacks, key)
	ep.Deliver(record)
}
