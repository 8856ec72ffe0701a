package realtime

import (
	"context"
	"fmt"
	"sort"
	"time"

	"chorus/chat-sync/models"
)

// Document is one record of the document backend.
type Document struct {
	ID        string         `json:"id"`
	Data      map[string]any `json:"data"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Query selects a whole collection, optionally ordered by a data field and
// truncated to the first Limit documents after ordering.
type Query struct {
	Collection string
	OrderBy    string
	Desc       bool
	Limit      int
}

// DocStore is the realtime document backend.
type DocStore interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	// Upsert writes data to collection/id. With merge the fields are laid
	// over the existing document, otherwise the document is replaced.
	// ServerTimestamp values are replaced by the store's clock.
	Upsert(ctx context.Context, collection, id string, data map[string]any, merge bool) error
	Delete(ctx context.Context, collection, id string) error
	// List returns the ordered query result once.
	List(ctx context.Context, q Query) ([]Document, error)
	// Subscribe delivers the full, ordered query result now and after every
	// change to the collection.
	Subscribe(ctx context.Context, q Query, fn func([]Document)) (func(), error)
}

type serverTimestamp struct{}

// ServerTimestamp is a placeholder value resolved to the store's current
// time, in epoch milliseconds, when written.
var ServerTimestamp any = serverTimestamp{}

func resolveFields(data map[string]any, now time.Time) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if _, ok := v.(serverTimestamp); ok {
			out[k] = now.UnixMilli()
			continue
		}
		out[k] = v
	}
	return out
}

func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// orderDocuments sorts docs in place by q.OrderBy and applies q.Limit.
// Field values are compared as timestamps when both sides normalise to one,
// otherwise as strings; ties break on document id.
func orderDocuments(docs []Document, q Query) []Document {
	if q.OrderBy != "" {
		sort.SliceStable(docs, func(i, j int) bool {
			c := compareField(docs[i].Data[q.OrderBy], docs[j].Data[q.OrderBy])
			if c == 0 {
				c = compareStrings(docs[i].ID, docs[j].ID)
			}
			if q.Desc {
				return c > 0
			}
			return c < 0
		})
	} else {
		sort.SliceStable(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	}
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs
}

func compareField(a, b any) int {
	ta, okA := models.NormalizeTimestamp(a)
	tb, okB := models.NormalizeTimestamp(b)
	switch {
	case okA && okB:
		return ta.Compare(tb)
	case okA:
		return 1
	case okB:
		return -1
	}
	return compareStrings(fmt.Sprint(a), fmt.Sprint(b))
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
