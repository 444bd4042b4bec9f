// Package cache is the rewrite cache contract used by the gateway.
package cache

import (
	"context"
	"database/sql"
	"time"

	"github.com/hpungsan/recast/internal/article"
	"github.com/hpungsan/recast/internal/db"
	"github.com/hpungsan/recast/internal/errors"
)

// Store persists one record per canonical source URL.
// Lookup and Upsert are not coupled: two concurrent misses may both write, last write wins.
type Store interface {
	Lookup(ctx context.Context, url string) (*article.Record, bool, error)
	Upsert(ctx context.Context, rec *article.Record) error
}

// SQLStore is the SQLite-backed Store.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an initialized database.
func NewSQLStore(database *sql.DB) *SQLStore {
	return &SQLStore{db: database}
}

// Lookup returns the record for url. A missing record is (nil, false, nil).
func (s *SQLStore) Lookup(ctx context.Context, url string) (*article.Record, bool, error) {
	rec, err := db.GetArticleByURL(ctx, s.db, url)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return rec, true, nil
}

// Upsert writes rec keyed by rec.URL.
func (s *SQLStore) Upsert(ctx context.Context, rec *article.Record) error {
	_, err := db.UpsertArticle(ctx, s.db, rec)
	return err
}

// List returns record summaries, newest first.
func (s *SQLStore) List(ctx context.Context, limit, offset int) ([]article.Summary, db.Pagination, error) {
	return db.ListArticles(ctx, s.db, limit, offset)
}

// Delete evicts the record for url.
func (s *SQLStore) Delete(ctx context.Context, url string) error {
	return db.DeleteArticle(ctx, s.db, url)
}

// Purge removes records not updated within olderThan.
func (s *SQLStore) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	return db.PurgeArticles(ctx, s.db, time.Now().Add(-olderThan))
}

// Count returns the number of cached records.
func (s *SQLStore) Count(ctx context.Context) (int, error) {
	return db.CountArticles(ctx, s.db)
}
