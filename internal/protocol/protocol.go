// Package protocol implements the WireChat wire format: newline-terminated
// ASCII records split on the first space into a verb and its arguments. It
// parses client records (REGISTER, LOGIN, JOIN, CREATE, SAY, CHANNELS) and
// federation records (the FED-prefixed verbs exchanged between peer servers),
// and formats every reply and federation record the server emits. Parsing and
// formatting live together so the two directions cannot drift apart.
package protocol

import "strings"

// ClientRequest is a parsed record received from a chat client.
type ClientRequest interface {
	clientRequest()
}

// Register asks the server to create an account.
type Register struct {
	Username string
	Password string
}

// Login binds an account identity to the issuing connection.
type Login struct {
	Username string
	Password string
}

// Join adds the logged-in user to a channel. Target is either a local channel
// name or the remote form "name:host:port".
type Join struct {
	Target string
}

// Create creates a new channel on this instance.
type Create struct {
	Channel string
}

// Say posts a message to a channel. Target follows the same local/remote
// forms as Join; Message is the remainder of the line and may contain spaces.
type Say struct {
	Target  string
	Message string
}

// Channels requests the list of channels on this instance.
type Channels struct{}

func (Register) clientRequest() {}
func (Login) clientRequest()    {}
func (Join) clientRequest()     {}
func (Create) clientRequest()   {}
func (Say) clientRequest()      {}
func (Channels) clientRequest() {}

// PeerRequest is a parsed record received over a federation link.
type PeerRequest interface {
	peerRequest()
}

// FederateOut is the first record a dialing server sends on a new link.
type FederateOut struct{}

// FedConfirm acknowledges a FederateOut and asks for the channel list.
type FedConfirm struct{}

// FedChannels carries the sender's full channel list.
type FedChannels struct {
	Channels []string
}

// FedNew announces a single newly created channel.
type FedNew struct {
	Channel string
}

// FedJoin asks the receiver to add a remote user to a local channel.
type FedJoin struct {
	User    string
	Channel string
}

// FedSay asks the receiver to fan out a message as if User had spoken.
type FedSay struct {
	User    string
	Channel string
	Message string
}

// FedRecv delivers a channel message to a single user homed on the receiver.
type FedRecv struct {
	To      string
	From    string
	Channel string
	Message string
}

// FedResultJoin is the correlated reply to an earlier FedJoin.
type FedResultJoin struct {
	User    string
	Channel string
	OK      bool
}

// FedResultSay is the correlated reply to an earlier FedSay.
type FedResultSay struct {
	User    string
	Channel string
	OK      bool
	Message string
}

func (FederateOut) peerRequest()   {}
func (FedConfirm) peerRequest()    {}
func (FedChannels) peerRequest()   {}
func (FedNew) peerRequest()        {}
func (FedJoin) peerRequest()       {}
func (FedSay) peerRequest()        {}
func (FedRecv) peerRequest()       {}
func (FedResultJoin) peerRequest() {}
func (FedResultSay) peerRequest()  {}

// two splits args into exactly two space-separated tokens. The second token
// must not itself contain a space.
func two(args string) (string, string, bool) {
	a, b, ok := strings.Cut(args, " ")
	if !ok || a == "" || b == "" || strings.Contains(b, " ") {
		return "", "", false
	}
	return a, b, true
}

// ParseClient parses a single client record. It returns false for anything
// malformed; callers drop such records without closing the connection.
func ParseClient(line string) (ClientRequest, bool) {
	verb, args, _ := strings.Cut(line, " ")
	switch verb {
	case "REGISTER":
		u, p, ok := two(args)
		if !ok {
			return nil, false
		}
		return Register{Username: u, Password: p}, true
	case "LOGIN":
		u, p, ok := two(args)
		if !ok {
			return nil, false
		}
		return Login{Username: u, Password: p}, true
	case "JOIN":
		if args == "" || strings.Contains(args, " ") {
			return nil, false
		}
		return Join{Target: args}, true
	case "CREATE":
		if args == "" || strings.Contains(args, " ") {
			return nil, false
		}
		return Create{Channel: args}, true
	case "SAY":
		target, msg, ok := strings.Cut(args, " ")
		if !ok || target == "" {
			return nil, false
		}
		return Say{Target: target, Message: msg}, true
	case "CHANNELS":
		if args != "" {
			return nil, false
		}
		return Channels{}, true
	}
	return nil, false
}

// ParsePeer parses a single federation record. It returns false for anything
// malformed; peer sessions skip such records.
func ParsePeer(line string) (PeerRequest, bool) {
	verb, args, _ := strings.Cut(line, " ")
	switch verb {
	case "FEDERATEOUT":
		if args != "" {
			return nil, false
		}
		return FederateOut{}, true
	case "FEDCONFIRM":
		if args != "" {
			return nil, false
		}
		return FedConfirm{}, true
	case "FEDCHANNELS":
		// The list may be empty (a server with no channels yet).
		if args == "" {
			return FedChannels{}, true
		}
		return FedChannels{Channels: strings.Split(args, ", ")}, true
	case "FEDNEW":
		if args == "" || strings.Contains(args, " ") {
			return nil, false
		}
		return FedNew{Channel: args}, true
	case "FEDJOIN":
		u, ch, ok := two(args)
		if !ok {
			return nil, false
		}
		return FedJoin{User: u, Channel: ch}, true
	case "FEDSAY":
		u, rest, ok := strings.Cut(args, " ")
		if !ok || u == "" {
			return nil, false
		}
		ch, msg, ok := strings.Cut(rest, " ")
		if !ok || ch == "" {
			return nil, false
		}
		return FedSay{User: u, Channel: ch, Message: msg}, true
	case "FEDRECV":
		to, rest, ok := strings.Cut(args, " ")
		if !ok || to == "" {
			return nil, false
		}
		from, rest, ok := strings.Cut(rest, " ")
		if !ok || from == "" {
			return nil, false
		}
		ch, msg, ok := strings.Cut(rest, " ")
		if !ok || ch == "" {
			return nil, false
		}
		return FedRecv{To: to, From: from, Channel: ch, Message: msg}, true
	case "FEDRESULT":
		return parseFedResult(args)
	}
	return nil, false
}

// parseFedResult handles the two FEDRESULT shapes:
//
//	FEDRESULT user JOIN channel {0|1}
//	FEDRESULT user SAY channel {0|1} message
func parseFedResult(args string) (PeerRequest, bool) {
	user, rest, ok := strings.Cut(args, " ")
	if !ok || user == "" {
		return nil, false
	}
	op, rest, ok := strings.Cut(rest, " ")
	if !ok {
		return nil, false
	}
	ch, rest, ok := strings.Cut(rest, " ")
	if !ok || ch == "" {
		return nil, false
	}
	switch op {
	case "JOIN":
		// The status must be the entire remainder.
		if rest != "0" && rest != "1" {
			return nil, false
		}
		return FedResultJoin{User: user, Channel: ch, OK: rest == "1"}, true
	case "SAY":
		status, msg, ok := strings.Cut(rest, " ")
		if !ok || (status != "0" && status != "1") {
			return nil, false
		}
		return FedResultSay{User: user, Channel: ch, OK: status == "1", Message: msg}, true
	}
	return nil, false
}

// status renders a protocol status byte.
func status(ok bool) string {
	if ok {
		return "1"
	}
	return "0"
}

// ResultRegister formats the reply to REGISTER.
func ResultRegister(ok bool) string {
	return "RESULT REGISTER " + status(ok) + "\n"
}

// ResultLogin formats the reply to LOGIN.
func ResultLogin(ok bool) string {
	return "RESULT LOGIN " + status(ok) + "\n"
}

// ResultCreate formats the reply to CREATE.
func ResultCreate(channel string, ok bool) string {
	return "RESULT CREATE " + channel + " " + status(ok) + "\n"
}

// ResultJoin formats the reply to JOIN. Target is echoed as the client sent
// it for immediate replies, or as the bare channel name for callback-driven
// replies to remote joins.
func ResultJoin(target string, ok bool) string {
	return "RESULT JOIN " + target + " " + status(ok) + "\n"
}

// ResultSay formats the reply to a local SAY.
func ResultSay(channel string, ok bool) string {
	return "RESULT SAY " + channel + " " + status(ok) + "\n"
}

// ResultSayRelayed formats the callback-driven reply to a remote SAY. The
// message precedes the status on the wire.
func ResultSayRelayed(channel, message string, ok bool) string {
	return "RESULT SAY " + channel + " " + message + " " + status(ok) + "\n"
}

// Recv formats the delivery record a channel member receives on fan-out.
func Recv(from, channel, message string) string {
	return "RECV " + from + " " + channel + " " + message + "\n"
}

// ChannelList formats a verb followed by a comma-separated channel list, e.g.
// "RESULT CHANNELS a, b\n". With no channels the body after the verb is empty.
func ChannelList(verb string, names []string) string {
	var b strings.Builder
	b.WriteString(verb)
	for i, name := range names {
		if i == 0 {
			b.WriteByte(' ')
		} else {
			b.WriteString(", ")
		}
		b.WriteString(name)
	}
	b.WriteByte('\n')
	return b.String()
}

// FederateOutLine is the record a dialing server writes first on a new link.
func FederateOutLine() string {
	return "FEDERATEOUT\n"
}

// FedConfirmLine acknowledges a FEDERATEOUT.
func FedConfirmLine() string {
	return "FEDCONFIRM\n"
}

// FedNewLine announces a newly created channel to a peer.
func FedNewLine(channel string) string {
	return "FEDNEW " + channel + "\n"
}

// FedJoinLine formats an outgoing remote-join request.
func FedJoinLine(user, channel string) string {
	return "FEDJOIN " + user + " " + channel + "\n"
}

// FedSayLine formats an outgoing remote-say request.
func FedSayLine(user, channel, message string) string {
	return "FEDSAY " + user + " " + channel + " " + message + "\n"
}

// FedRecvLine formats a per-recipient delivery record for a remote member.
func FedRecvLine(to, from, channel, message string) string {
	return "FEDRECV " + to + " " + from + " " + channel + " " + message + "\n"
}

// FedResultJoinLine formats the correlated reply to a FEDJOIN.
func FedResultJoinLine(user, channel string, ok bool) string {
	return "FEDRESULT " + user + " JOIN " + channel + " " + status(ok) + "\n"
}

// FedResultSayLine formats the correlated reply to a FEDSAY.
func FedResultSayLine(user, channel string, ok bool, message string) string {
	return "FEDRESULT " + user + " SAY " + channel + " " + status(ok) + " " + message + "\n"
}
