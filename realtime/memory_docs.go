package realtime

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
)

// MemoryDocs is a single-process document backend.
type MemoryDocs struct {
	clock clock.Clock

	mu          sync.Mutex
	version     uint64
	collections map[string]map[string]Document
	subs        map[string]map[*docSubscription]struct{}
}

type docSubscription struct {
	query Query
	sub   *subscriber[[]Document]
}

var _ DocStore = (*MemoryDocs)(nil)

func NewMemoryDocs(clk clock.Clock) *MemoryDocs {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryDocs{
		clock:       clk,
		collections: make(map[string]map[string]Document),
		subs:        make(map[string]map[*docSubscription]struct{}),
	}
}

func (m *MemoryDocs) Get(ctx context.Context, collection, id string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.collections[collection][id]
	if !ok {
		return Document{}, ErrNotFound
	}
	doc.Data = cloneData(doc.Data)
	return doc, nil
}

func (m *MemoryDocs) Upsert(ctx context.Context, collection, id string, data map[string]any, merge bool) error {
	now := m.clock.Now()
	fields := resolveFields(data, now)

	m.mu.Lock()
	docs := m.collections[collection]
	if docs == nil {
		docs = make(map[string]Document)
		m.collections[collection] = docs
	}
	if existing, ok := docs[id]; ok && merge {
		merged := cloneData(existing.Data)
		for k, v := range fields {
			merged[k] = v
		}
		fields = merged
	}
	docs[id] = Document{ID: id, Data: fields, UpdatedAt: now}
	pending := m.changedLocked(collection)
	m.mu.Unlock()

	pending()
	return nil
}

func (m *MemoryDocs) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	if _, ok := m.collections[collection][id]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.collections[collection], id)
	pending := m.changedLocked(collection)
	m.mu.Unlock()

	pending()
	return nil
}

func (m *MemoryDocs) List(ctx context.Context, q Query) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queryLocked(q), nil
}

func (m *MemoryDocs) Subscribe(ctx context.Context, q Query, fn func([]Document)) (func(), error) {
	s := &docSubscription{query: q, sub: newSubscriber(fn)}

	m.mu.Lock()
	if m.subs[q.Collection] == nil {
		m.subs[q.Collection] = make(map[*docSubscription]struct{})
	}
	m.subs[q.Collection][s] = struct{}{}
	version := m.version
	result := m.queryLocked(q)
	m.mu.Unlock()

	s.sub.deliver(version, result)

	return func() {
		s.sub.close()
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs[q.Collection], s)
		if len(m.subs[q.Collection]) == 0 {
			delete(m.subs, q.Collection)
		}
	}, nil
}

// changedLocked bumps the version and captures every affected query
// result; the returned func delivers them once the lock is released.
func (m *MemoryDocs) changedLocked(collection string) func() {
	m.version++
	version := m.version
	type delivery struct {
		sub    *subscriber[[]Document]
		result []Document
	}
	var out []delivery
	for s := range m.subs[collection] {
		out = append(out, delivery{sub: s.sub, result: m.queryLocked(s.query)})
	}
	return func() {
		for _, d := range out {
			d.sub.deliver(version, d.result)
		}
	}
}

func (m *MemoryDocs) queryLocked(q Query) []Document {
	docs := make([]Document, 0, len(m.collections[q.Collection]))
	for _, doc := range m.collections[q.Collection] {
		doc.Data = cloneData(doc.Data)
		docs = append(docs, doc)
	}
	return orderDocuments(docs, q)
}
