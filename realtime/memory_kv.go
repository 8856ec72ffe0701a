package realtime

import (
	"context"
	"strconv"
	"sync"

	"github.com/benbjohnson/clock"
)

// MemoryKV is a single-process key-value backend. Every client obtains its
// own MemoryConn through Connect; disconnect hooks are held by the backend
// and run when the connection drops or closes.
type MemoryKV struct {
	clock clock.Clock

	mu       sync.Mutex
	version  uint64
	nodes    map[string]Snapshot
	watchers map[string]map[*subscriber[Snapshot]]struct{}
}

func NewMemoryKV(clk clock.Clock) *MemoryKV {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryKV{
		clock:    clk,
		nodes:    make(map[string]Snapshot),
		watchers: make(map[string]map[*subscriber[Snapshot]]struct{}),
	}
}

// Connect opens a new connected client.
func (s *MemoryKV) Connect() *MemoryConn {
	return &MemoryConn{
		server:    s,
		connected: true,
		hooks:     make(map[uint64]DisconnectOp),
		watchers:  make(map[uint64]func(bool)),
	}
}

type pendingDelivery struct {
	sub     *subscriber[Snapshot]
	version uint64
	snap    Snapshot
}

func (s *MemoryKV) apply(ops ...DisconnectOp) {
	s.mu.Lock()
	var out []pendingDelivery
	for _, op := range ops {
		fields := s.nodes[op.Node]
		switch op.Kind {
		case OpRemove:
			if _, ok := fields[op.Field]; !ok {
				continue
			}
			delete(fields, op.Field)
			if len(fields) == 0 {
				delete(s.nodes, op.Node)
			}
		case OpSet, OpServerTime:
			if fields == nil {
				fields = make(Snapshot)
				s.nodes[op.Node] = fields
			}
			value := op.Value
			if op.Kind == OpServerTime {
				value = strconv.FormatInt(s.clock.Now().UnixMilli(), 10)
			}
			fields[op.Field] = value
		}
		s.version++
		for sub := range s.watchers[op.Node] {
			out = append(out, pendingDelivery{sub: sub, version: s.version, snap: s.nodes[op.Node].clone()})
		}
	}
	s.mu.Unlock()

	for _, d := range out {
		d.sub.deliver(d.version, d.snap)
	}
}

func (s *MemoryKV) get(node string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodes[node].clone()
}

func (s *MemoryKV) watch(node string, fn func(Snapshot)) func() {
	sub := newSubscriber(fn)

	s.mu.Lock()
	if s.watchers[node] == nil {
		s.watchers[node] = make(map[*subscriber[Snapshot]]struct{})
	}
	s.watchers[node][sub] = struct{}{}
	version := s.version
	snap := s.nodes[node].clone()
	s.mu.Unlock()

	sub.deliver(version, snap)

	return func() {
		sub.close()
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers[node], sub)
		if len(s.watchers[node]) == 0 {
			delete(s.watchers, node)
		}
	}
}

// MemoryConn is one client connection to a MemoryKV.
type MemoryConn struct {
	server *MemoryKV

	mu        sync.Mutex
	connected bool
	closed    bool
	nextID    uint64
	hooks     map[uint64]DisconnectOp
	watchers  map[uint64]func(bool)
}

var _ KV = (*MemoryConn)(nil)

func (c *MemoryConn) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.connected {
		return ErrNotConnected
	}
	return nil
}

func (c *MemoryConn) Get(ctx context.Context, node string) (Snapshot, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.server.get(node), nil
}

func (c *MemoryConn) Set(ctx context.Context, node, field, value string) error {
	if err := c.check(); err != nil {
		return err
	}
	c.server.apply(DisconnectOp{Kind: OpSet, Node: node, Field: field, Value: value})
	return nil
}

func (c *MemoryConn) SetServerTime(ctx context.Context, node, field string) error {
	if err := c.check(); err != nil {
		return err
	}
	c.server.apply(DisconnectOp{Kind: OpServerTime, Node: node, Field: field})
	return nil
}

func (c *MemoryConn) Remove(ctx context.Context, node, field string) error {
	if err := c.check(); err != nil {
		return err
	}
	c.server.apply(DisconnectOp{Kind: OpRemove, Node: node, Field: field})
	return nil
}

func (c *MemoryConn) Watch(ctx context.Context, node string, fn func(Snapshot)) (func(), error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return c.server.watch(node, fn), nil
}

func (c *MemoryConn) WatchConnection(fn func(connected bool)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.watchers[id] = fn
	connected := c.connected
	c.mu.Unlock()

	fn(connected)

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.watchers, id)
	}
}

func (c *MemoryConn) OnDisconnect(ctx context.Context, op DisconnectOp) (DisconnectHook, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if !c.connected {
		return nil, ErrNotConnected
	}
	c.nextID++
	c.hooks[c.nextID] = op
	return &memoryHook{conn: c, id: c.nextID}, nil
}

// Drop simulates an abrupt network loss: the backend runs every pending
// hook and the client observes connected=false.
func (c *MemoryConn) Drop() {
	c.disconnect(false)
}

// Reconnect brings a dropped connection back.
func (c *MemoryConn) Reconnect() {
	c.mu.Lock()
	if c.closed || c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = true
	fns := c.connectionWatchers()
	c.mu.Unlock()

	for _, fn := range fns {
		fn(true)
	}
}

// Close disconnects for good. Pending hooks still run, as they would for
// any client going offline.
func (c *MemoryConn) Close() error {
	c.disconnect(true)
	return nil
}

func (c *MemoryConn) disconnect(final bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	wasConnected := c.connected
	c.connected = false
	c.closed = final
	ops := make([]DisconnectOp, 0, len(c.hooks))
	for id, op := range c.hooks {
		ops = append(ops, op)
		delete(c.hooks, id)
	}
	fns := c.connectionWatchers()
	c.mu.Unlock()

	c.server.apply(ops...)
	if wasConnected {
		for _, fn := range fns {
			fn(false)
		}
	}
}

func (c *MemoryConn) connectionWatchers() []func(bool) {
	fns := make([]func(bool), 0, len(c.watchers))
	for _, fn := range c.watchers {
		fns = append(fns, fn)
	}
	return fns
}

type memoryHook struct {
	conn *MemoryConn
	id   uint64
}

func (h *memoryHook) Cancel(ctx context.Context) error {
	h.conn.mu.Lock()
	defer h.conn.mu.Unlock()
	delete(h.conn.hooks, h.id)
	return nil
}
