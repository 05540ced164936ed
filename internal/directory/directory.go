// Package directory holds the shared in-memory state of a WireChat instance:
// registered accounts, the live endpoint of each logged-in user, named
// channels with their memberships, and known peer servers with the channel
// sets they advertise. Nothing is persisted; the directory is rebuilt empty on
// every start.
//
// Each top-level map is guarded by its own reader-writer lock, as is each
// channel's membership map and each peer's advertised set. Lock order is
// accounts < endpoints < channels < channel.members < peers < peer.channels;
// no write lock is ever held across a socket write. Fan-out runs under read
// locks only and enqueues onto unbounded mailboxes, which never block.
package directory

import (
	"log/slog"
	"net/netip"
	"sort"
	"sync"

	"github.com/wirechat/wirechat/internal/protocol"
)

// ClientEndpoint is the delivery side of a client session. Deliver enqueues
// one outbound text record and reports false once the session is gone.
type ClientEndpoint interface {
	Deliver(record string) bool
}

// PeerEndpoint is the delivery side of a peer session. Send enqueues one
// PeerMessage and reports false once the link is gone.
type PeerEndpoint interface {
	Send(msg PeerMessage) bool
}

// PendingReply identifies the kind of FEDRESULT a forwarded client request is
// waiting for. Op is "JOIN" or "SAY"; Message is set only for SAY, making two
// distinct outstanding says distinguishable unless their text is identical.
type PendingReply struct {
	Op      string
	Channel string
	Message string
}

// Callback names the client session awaiting a correlated FEDRESULT. User is
// the wire identity (user@addr) sent in the originating request, which the
// peer echoes back.
type Callback struct {
	Client ClientEndpoint
	User   string
	Reply  PendingReply
}

// PeerMessage is one item on a peer session's delivery queue: a plain record
// to write, optionally paired with a callback to install. The peer session
// writes the record and installs the callback in that order from its single
// writer loop, so the entry exists strictly before any reply can race back.
type PeerMessage struct {
	Record   string
	Callback *Callback
}

// membership is one channel member: exactly one of local or remote is set.
type membership struct {
	local  ClientEndpoint
	remote PeerEndpoint
}

type channel struct {
	mu      sync.RWMutex
	members map[string]membership
}

type peerRecord struct {
	ep PeerEndpoint

	mu       sync.RWMutex
	channels map[string]struct{}
}

// Directory is the shared state. All methods are safe for concurrent use.
type Directory struct {
	logger *slog.Logger

	accountsMu sync.RWMutex
	accounts   map[string]string

	endpointsMu sync.RWMutex
	endpoints   map[string]ClientEndpoint

	channelsMu sync.RWMutex
	channels   map[string]*channel

	peersMu sync.RWMutex
	peers   map[netip.AddrPort]*peerRecord
}

// New returns an empty directory.
func New(logger *slog.Logger) *Directory {
	return &Directory{
		logger:    logger,
		accounts:  make(map[string]string),
		endpoints: make(map[string]ClientEndpoint),
		channels:  make(map[string]*channel),
		peers:     make(map[netip.AddrPort]*peerRecord),
	}
}

// Register creates an account. It reports false when the username is taken.
// Accounts are never deleted and passwords never change.
func (d *Directory) Register(username, password string) bool {
	d.accountsMu.Lock()
	defer d.accountsMu.Unlock()
	if _, ok := d.accounts[username]; ok {
		return false
	}
	d.accounts[username] = password
	return true
}

// Authenticate reports whether the stored password for username equals
// password. Unknown usernames fail.
func (d *Directory) Authenticate(username, password string) bool {
	d.accountsMu.RLock()
	defer d.accountsMu.RUnlock()
	stored, ok := d.accounts[username]
	return ok && stored == password
}

// BindEndpoint records ep as the live delivery endpoint for username. A later
// login from another connection overwrites the binding (last writer wins).
func (d *Directory) BindEndpoint(username string, ep ClientEndpoint) {
	d.endpointsMu.Lock()
	d.endpoints[username] = ep
	d.endpointsMu.Unlock()
}

// Endpoint returns the live endpoint bound to username, if any.
func (d *Directory) Endpoint(username string) (ClientEndpoint, bool) {
	d.endpointsMu.RLock()
	defer d.endpointsMu.RUnlock()
	ep, ok := d.endpoints[username]
	return ep, ok
}

// CreateChannel inserts an empty channel and, on success, broadcasts
// FEDNEW to every known peer. It reports false when the name is taken.
func (d *Directory) CreateChannel(name string) bool {
	d.channelsMu.Lock()
	if _, ok := d.channels[name]; ok {
		d.channelsMu.Unlock()
		return false
	}
	d.channels[name] = &channel{members: make(map[string]membership)}
	d.channelsMu.Unlock()

	// The broadcast happens only after the insert succeeded, and without
	// holding the channels lock.
	record := protocol.FedNewLine(name)
	d.peersMu.RLock()
	for addr, peer := range d.peers {
		if !peer.ep.Send(PeerMessage{Record: record}) {
			d.logger.Debug("FEDNEW dropped for dead peer", slog.String("peer", addr.String()))
		}
	}
	d.peersMu.RUnlock()
	return true
}

// ChannelNames returns the sorted list of channel names.
func (d *Directory) ChannelNames() []string {
	d.channelsMu.RLock()
	names := make([]string, 0, len(d.channels))
	for name := range d.channels {
		names = append(names, name)
	}
	d.channelsMu.RUnlock()
	sort.Strings(names)
	return names
}

// JoinLocal adds username as a local member of the named channel. It reports
// false when the channel does not exist or the username is already a member.
func (d *Directory) JoinLocal(name, username string, ep ClientEndpoint) bool {
	return d.join(name, username, membership{local: ep})
}

// JoinRemote adds username (a wire identity like user@addr) as a remote
// member delivered through the given peer link. Same rejection rules as
// JoinLocal.
func (d *Directory) JoinRemote(name, username string, ep PeerEndpoint) bool {
	return d.join(name, username, membership{remote: ep})
}

func (d *Directory) join(name, username string, m membership) bool {
	d.channelsMu.RLock()
	ch, ok := d.channels[name]
	d.channelsMu.RUnlock()
	if !ok {
		return false
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if _, ok := ch.members[username]; ok {
		return false
	}
	ch.members[username] = m
	return true
}

// Say fans a message out to every member of the named channel. It reports
// false when the channel does not exist or author is not a member. Local
// members share one RECV record; each remote member gets a FEDRECV record
// naming it so the receiving peer can route by recipient. Members whose
// endpoint is gone are pruned afterwards.
func (d *Directory) Say(author, name, message string) bool {
	d.channelsMu.RLock()
	ch, ok := d.channels[name]
	d.channelsMu.RUnlock()
	if !ok {
		return false
	}

	ch.mu.RLock()
	if _, ok := ch.members[author]; !ok {
		ch.mu.RUnlock()
		return false
	}

	local := protocol.Recv(author, name, message)
	var dead map[string]membership
	for member, m := range ch.members {
		delivered := false
		if m.local != nil {
			delivered = m.local.Deliver(local)
		} else {
			delivered = m.remote.Send(PeerMessage{Record: protocol.FedRecvLine(member, author, name, message)})
		}
		if !delivered {
			if dead == nil {
				dead = make(map[string]membership)
			}
			dead[member] = m
		}
	}
	ch.mu.RUnlock()

	if dead != nil {
		d.prune(name, ch, dead)
	}
	return true
}

// prune removes memberships observed dead during fan-out, rechecking under
// the write lock that the entry still names the same endpoint.
func (d *Directory) prune(name string, ch *channel, dead map[string]membership) {
	ch.mu.Lock()
	for member, seen := range dead {
		if cur, ok := ch.members[member]; ok && cur == seen {
			delete(ch.members, member)
		}
	}
	ch.mu.Unlock()
	d.logger.Debug("pruned dead channel members",
		slog.String("channel", name),
		slog.Int("count", len(dead)),
	)
}

// RegisterPeer records a peer link under its observed address with an empty
// advertised set, replacing any previous record at that address.
func (d *Directory) RegisterPeer(addr netip.AddrPort, ep PeerEndpoint) {
	d.peersMu.Lock()
	d.peers[addr] = &peerRecord{ep: ep, channels: make(map[string]struct{})}
	d.peersMu.Unlock()
}

// SendToPeer enqueues msg on the peer registered at addr. It reports false
// when no such peer is known or the link is gone.
func (d *Directory) SendToPeer(addr netip.AddrPort, msg PeerMessage) bool {
	d.peersMu.RLock()
	peer, ok := d.peers[addr]
	d.peersMu.RUnlock()
	if !ok {
		return false
	}
	return peer.ep.Send(msg)
}

// AddPeerChannels adds names to the advertised set of the peer at addr.
// Unknown peers are ignored: a FEDCHANNELS or FEDNEW can only arrive on a
// link that failed to register, which is logged and skipped.
func (d *Directory) AddPeerChannels(addr netip.AddrPort, names []string) {
	d.peersMu.RLock()
	peer, ok := d.peers[addr]
	d.peersMu.RUnlock()
	if !ok {
		d.logger.Warn("channel advertisement from unregistered peer", slog.String("peer", addr.String()))
		return
	}

	peer.mu.Lock()
	for _, name := range names {
		if name != "" {
			peer.channels[name] = struct{}{}
		}
	}
	peer.mu.Unlock()
}

// PeerChannels returns the sorted advertised set of the peer at addr.
func (d *Directory) PeerChannels(addr netip.AddrPort) []string {
	d.peersMu.RLock()
	peer, ok := d.peers[addr]
	d.peersMu.RUnlock()
	if !ok {
		return nil
	}

	peer.mu.RLock()
	names := make([]string, 0, len(peer.channels))
	for name := range peer.channels {
		names = append(names, name)
	}
	peer.mu.RUnlock()
	sort.Strings(names)
	return names
}

// PeerAddrs returns the sorted addresses of all known peers.
func (d *Directory) PeerAddrs() []netip.AddrPort {
	d.peersMu.RLock()
	addrs := make([]netip.AddrPort, 0, len(d.peers))
	for addr := range d.peers {
		addrs = append(addrs, addr)
	}
	d.peersMu.RUnlock()
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].String() < addrs[j].String() })
	return addrs
}

// DropClient removes every trace of a departing client session: its endpoint
// bindings (only where they still point at ep) and its channel memberships.
func (d *Directory) DropClient(ep ClientEndpoint) {
	d.endpointsMu.Lock()
	for username, bound := range d.endpoints {
		if bound == ep {
			delete(d.endpoints, username)
		}
	}
	d.endpointsMu.Unlock()

	d.removeMemberships(func(m membership) bool { return m.local == ep })
}

// DropPeer removes a departing peer link: its peer record (only when it still
// names ep) and every remote membership delivered through it. In-flight
// requests toward the peer are lost, matching the error model.
func (d *Directory) DropPeer(addr netip.AddrPort, ep PeerEndpoint) {
	d.peersMu.Lock()
	if cur, ok := d.peers[addr]; ok && cur.ep == ep {
		delete(d.peers, addr)
	}
	d.peersMu.Unlock()

	d.removeMemberships(func(m membership) bool { return m.remote == ep })
}

func (d *Directory) removeMemberships(match func(membership) bool) {
	d.channelsMu.RLock()
	channels := make([]*channel, 0, len(d.channels))
	for _, ch := range d.channels {
		channels = append(channels, ch)
	}
	d.channelsMu.RUnlock()

	for _, ch := range channels {
		ch.mu.Lock()
		for member, m := range ch.members {
			if match(m) {
				delete(ch.members, member)
			}
		}
		ch.mu.Unlock()
	}
}

// Stats is a point-in-time snapshot of directory sizes for the status API.
type Stats struct {
	Accounts int `json:"accounts"`
	Online   int `json:"online"`
	Channels int `json:"channels"`
	Peers    int `json:"peers"`
}

// Snapshot returns current directory sizes.
func (d *Directory) Snapshot() Stats {
	var s Stats
	d.accountsMu.RLock()
	s.Accounts = len(d.accounts)
	d.accountsMu.RUnlock()
	d.endpointsMu.RLock()
	s.Online = len(d.endpoints)
	d.endpointsMu.RUnlock()
	d.channelsMu.RLock()
	s.Channels = len(d.channels)
	d.channelsMu.RUnlock()
	d.peersMu.RLock()
	s.Peers = len(d.peers)
	d.peersMu.RUnlock()
	return s
}
