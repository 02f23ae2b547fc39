package changefeed

import "context"

type EventKind int

const (
	EventRow EventKind = iota + 1
	EventBegin
	EventCommit
	EventKeepalive
)

type RowKind string

const (
	RowInsert RowKind = "insert"
	RowUpdate RowKind = "update"
)

// Event is one decoded message from a change feed.
type Event struct {
	Kind     EventKind
	Relation string
	RowKind  RowKind
	// Columns holds decoded values keyed by column name. Columns the source
	// did not send are absent.
	Columns map[string]any
	// Position is the row's WAL start, the commit LSN, or the server WAL end
	// for keepalives.
	Position       LSN
	ReplyRequested bool
}

// Source is a live change feed session.
type Source interface {
	// Start begins streaming after a successful connect.
	Start(ctx context.Context) error
	// Next blocks until the next event or until ctx is done.
	Next(ctx context.Context) (Event, error)
	// SendStatus reports progress upstream.
	SendStatus(ctx context.Context, cursor Cursor) error
	Close(ctx context.Context) error
}

// Dialer opens change feed sessions.
type Dialer interface {
	Dial(ctx context.Context) (Source, error)
}
