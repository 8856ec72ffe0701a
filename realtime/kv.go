package realtime

import (
	"context"
	"errors"
	"sort"
)

var (
	ErrNotConnected = errors.New("realtime: not connected")
	ErrClosed       = errors.New("realtime: connection closed")
	ErrNotFound     = errors.New("realtime: not found")
)

// Snapshot is the full set of fields held by a node at one point in time.
type Snapshot map[string]string

// Fields returns the field names in sorted order.
func (s Snapshot) Fields() []string {
	out := make([]string, 0, len(s))
	for f := range s {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func (s Snapshot) clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

type OpKind string

const (
	OpRemove     OpKind = "remove"
	OpSet        OpKind = "set"
	OpServerTime OpKind = "server_time"
)

// DisconnectOp is a write the backend performs on behalf of a connection
// once that connection goes away, whether gracefully or not.
type DisconnectOp struct {
	Kind  OpKind `json:"kind"`
	Node  string `json:"node"`
	Field string `json:"field"`
	Value string `json:"value,omitempty"`
}

// DisconnectHook is a pending DisconnectOp. Cancel withdraws it.
type DisconnectHook interface {
	Cancel(ctx context.Context) error
}

// KV is one client connection to the realtime key-value backend.
type KV interface {
	Get(ctx context.Context, node string) (Snapshot, error)
	Set(ctx context.Context, node, field, value string) error
	// SetServerTime stores the backend's current time, in epoch
	// milliseconds, into node/field.
	SetServerTime(ctx context.Context, node, field string) error
	Remove(ctx context.Context, node, field string) error

	// Watch calls fn with the current snapshot of node and again after
	// every change. Deliveries for one watch never overlap and never go
	// back in time.
	Watch(ctx context.Context, node string, fn func(Snapshot)) (func(), error)

	// WatchConnection calls fn with the current connection state and on
	// every transition.
	WatchConnection(fn func(connected bool)) func()

	// OnDisconnect registers op with the backend. It fails with
	// ErrNotConnected while the connection is down.
	OnDisconnect(ctx context.Context, op DisconnectOp) (DisconnectHook, error)
}
