package realtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"chorus/chat-sync/models"
	"chorus/chat-sync/utils"
)

// DocumentRow is the storage form of a Document.
type DocumentRow struct {
	Collection string       `gorm:"primaryKey;size:255"`
	DocID      string       `gorm:"primaryKey;size:255"`
	Data       models.JSONB `gorm:"type:jsonb;not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (DocumentRow) TableName() string {
	return "documents"
}

// GormDocs stores documents in a SQL database through gorm. Queries are
// ordered and limited in SQL on postgres and sqlite. Subscriptions re-run
// their query whenever the Notifier signals a change to the collection;
// each subscription re-queries serially so results only move forward.
type GormDocs struct {
	db       *gorm.DB
	notifier Notifier
	logger   *utils.Logger
	clock    clock.Clock
}

var _ DocStore = (*GormDocs)(nil)

func NewGormDocs(db *gorm.DB, notifier Notifier, logger *utils.Logger) *GormDocs {
	return &GormDocs{
		db:       db,
		notifier: notifier,
		logger:   logger,
		clock:    clock.New(),
	}
}

// SetClock replaces the clock used to resolve ServerTimestamp.
func (g *GormDocs) SetClock(clk clock.Clock) {
	g.clock = clk
}

func (g *GormDocs) Get(ctx context.Context, collection, id string) (Document, error) {
	var row DocumentRow
	err := g.db.WithContext(ctx).
		Where("collection = ? AND doc_id = ?", collection, id).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Document{}, ErrNotFound
		}
		return Document{}, fmt.Errorf("failed to get document: %w", err)
	}
	return rowToDocument(row), nil
}

func (g *GormDocs) Upsert(ctx context.Context, collection, id string, data map[string]any, merge bool) error {
	now := g.clock.Now()
	fields := resolveFields(data, now)

	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if merge {
			return g.mergeLocked(tx, collection, id, fields, now)
		}

		row := DocumentRow{
			Collection: collection,
			DocID:      id,
			Data:       models.JSONB(fields),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "collection"}, {Name: "doc_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
		}).Create(&row).Error
	})
	if err != nil {
		return fmt.Errorf("failed to upsert %s/%s: %w", collection, id, err)
	}

	g.publish(ctx, collection)
	return nil
}

// mergeLocked lays fields over the stored document while holding its row.
// The seed insert makes sure there is a row to hold even for the first
// write, so concurrent merges serialise instead of overwriting each other.
func (g *GormDocs) mergeLocked(tx *gorm.DB, collection, id string, fields map[string]any, now time.Time) error {
	seed := DocumentRow{
		Collection: collection,
		DocID:      id,
		Data:       models.JSONB{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return err
	}

	read := tx
	if g.db.Dialector.Name() == "postgres" {
		read = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var existing DocumentRow
	if err := read.Where("collection = ? AND doc_id = ?", collection, id).Take(&existing).Error; err != nil {
		return err
	}

	merged := make(models.JSONB, len(existing.Data)+len(fields))
	for k, v := range existing.Data {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return tx.Model(&DocumentRow{}).
		Where("collection = ? AND doc_id = ?", collection, id).
		Updates(map[string]any{"data": merged, "updated_at": now}).Error
}

func (g *GormDocs) Delete(ctx context.Context, collection, id string) error {
	err := g.db.WithContext(ctx).
		Where("collection = ? AND doc_id = ?", collection, id).
		Delete(&DocumentRow{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
	}

	g.publish(ctx, collection)
	return nil
}

func (g *GormDocs) List(ctx context.Context, q Query) ([]Document, error) {
	docs, err := g.query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", q.Collection, err)
	}
	return docs, nil
}

func (g *GormDocs) Subscribe(ctx context.Context, q Query, fn func([]Document)) (func(), error) {
	kick := make(chan struct{}, 1)
	signal := func() {
		select {
		case kick <- struct{}{}:
		default:
		}
	}

	unsubscribe, err := g.notifier.Subscribe(ctx, q.Collection, signal)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			docs, err := g.query(subCtx, q)
			if err != nil {
				if subCtx.Err() != nil {
					return
				}
				g.logger.Warn("Document query failed", "collection", q.Collection, "error", err)
			} else if subCtx.Err() == nil {
				fn(docs)
			}

			select {
			case <-subCtx.Done():
				return
			case <-kick:
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			unsubscribe()
		})
	}, nil
}

func (g *GormDocs) query(ctx context.Context, q Query) ([]Document, error) {
	tx := g.db.WithContext(ctx).Where("collection = ?", q.Collection)
	order, inSQL := g.orderClause(q)
	if inSQL {
		tx = tx.Clauses(order)
		if q.Limit > 0 {
			tx = tx.Limit(q.Limit)
		}
	}

	var rows []DocumentRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, err
	}
	docs := make([]Document, 0, len(rows))
	for _, row := range rows {
		docs = append(docs, rowToDocument(row))
	}
	if !inSQL {
		return orderDocuments(docs, q), nil
	}
	return docs, nil
}

// orderClause renders q's ordering for the connected dialect. Numeric
// field values sort by value after all non-numeric ones, which sort as
// text; ties break on the document id. It reports false for dialects
// without JSON support, which are ordered in memory instead.
func (g *GormDocs) orderClause(q Query) (clause.OrderBy, bool) {
	if q.OrderBy == "" {
		return clause.OrderBy{Columns: []clause.OrderByColumn{{Column: clause.Column{Name: "doc_id"}}}}, true
	}

	dir, nulls := "ASC", "NULLS FIRST"
	if q.Desc {
		dir, nulls = "DESC", "NULLS LAST"
	}

	var sql string
	var vars []any
	switch g.db.Dialector.Name() {
	case "postgres":
		sql = fmt.Sprintf("CASE WHEN jsonb_typeof(data->CAST(? AS text)) = 'number' THEN (data->>CAST(? AS text))::double precision END %[1]s %[2]s, data->>CAST(? AS text) %[1]s, doc_id %[1]s", dir, nulls)
		vars = []any{q.OrderBy, q.OrderBy, q.OrderBy}
	case "sqlite":
		path := "$." + strconv.Quote(q.OrderBy)
		sql = fmt.Sprintf("CASE WHEN json_type(CAST(data AS TEXT), ?) IN ('integer', 'real') THEN json_extract(CAST(data AS TEXT), ?) END %[1]s %[2]s, CAST(json_extract(CAST(data AS TEXT), ?) AS TEXT) %[1]s, doc_id %[1]s", dir, nulls)
		vars = []any{path, path, path}
	default:
		return clause.OrderBy{}, false
	}
	return clause.OrderBy{Expression: clause.Expr{SQL: sql, Vars: vars, WithoutParentheses: true}}, true
}

func (g *GormDocs) publish(ctx context.Context, collection string) {
	if err := g.notifier.Publish(ctx, collection); err != nil {
		g.logger.Warn("Failed to publish document change", "collection", collection, "error", err)
	}
}

func rowToDocument(row DocumentRow) Document {
	data := make(map[string]any, len(row.Data))
	for k, v := range row.Data {
		data[k] = v
	}
	return Document{ID: row.DocID, Data: data, UpdatedAt: row.UpdatedAt}
}
