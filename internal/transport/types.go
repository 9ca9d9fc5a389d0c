package transport

import (
	"context"
	"errors"
	"time"
)

// Peer is a stable handle for a conversation target: "@SomeBot", a username,
// or a numeric chat ID rendered as a string.
type Peer string

// Inbound is one message received from a peer, already reduced to what the
// engine needs: text, an optional photo, and any keyboard labels attached.
type Inbound struct {
	ID      int
	Peer    Peer
	Text    string   // text or media caption
	Photo   bool     // message carries a photo attachment
	Buttons []string // flattened keyboard labels, row by row
	At      time.Time
}

var (
	ErrSessionClosed = errors.New("transport: session closed")
	ErrUnknownPeer   = errors.New("transport: unknown peer")
)

// Session is one account's live connection. At most one conversation uses a
// Session at a time; the engine's account lock enforces that, not the Session.
type Session interface {
	// Account returns the logical account identity bound to this session.
	Account() string

	// Send delivers text to the peer.
	Send(ctx context.Context, peer Peer, text string) error

	// Reply answers a specific message. Used to deliver captcha answers;
	// transports without a native button press send the label as text
	// (reply-keyboard semantics).
	Reply(ctx context.Context, peer Peer, inReplyTo int, text string) error

	// Subscribe returns a channel of messages arriving from peer, starting
	// now. The unsubscribe func must be called to release the route.
	Subscribe(peer Peer, buffer int) (<-chan Inbound, func())

	// DownloadPhoto fetches the photo payload of an inbound message.
	DownloadPhoto(ctx context.Context, msg Inbound) ([]byte, error)

	// Recent returns buffered messages from peer no older than the window,
	// oldest first. Transports that cannot fetch history serve this from an
	// in-memory ring of messages observed since startup.
	Recent(peer Peer, window time.Duration, limit int) []Inbound
}

// Dialer opens (or returns a cached) Session for an account.
type Dialer interface {
	Session(account string) (Session, error)
	Close(ctx context.Context) error
}
