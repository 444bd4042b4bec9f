package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"github.com/hpungsan/recast/internal/article"
	"github.com/hpungsan/recast/internal/errors"
)

// Pagination limits
const (
	DefaultListLimit = 20
	MaxListLimit     = 200
)

// Pagination contains pagination metadata for list operations.
type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
	Total   int  `json:"total"`
}

// UpsertArticle writes a record keyed by URL in a single statement.
// The first write's id and created_at survive later writes; everything else is replaced.
func UpsertArticle(ctx context.Context, db *sql.DB, rec *article.Record) (*article.Record, error) {
	insights, err := json.Marshal(rec.Insights.Normalized())
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	now := time.Now().Unix()
	id := rec.ID
	if id == "" {
		id, err = NewID()
		if err != nil {
			return nil, errors.NewInternal(err)
		}
	}

	query := `
		INSERT INTO article_cache (
			id, url, original_content, rewritten_content, insights_json,
			language, rewrite_chars, insights_total, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			original_content  = excluded.original_content,
			rewritten_content = excluded.rewritten_content,
			insights_json     = excluded.insights_json,
			language          = excluded.language,
			rewrite_chars     = excluded.rewrite_chars,
			insights_total    = excluded.insights_total,
			updated_at        = excluded.updated_at
		RETURNING id, created_at, updated_at
	`

	out := *rec
	out.Insights = rec.Insights.Normalized()
	err = db.QueryRowContext(ctx, query,
		id, rec.URL, rec.OriginalContent, rec.RewrittenContent, string(insights),
		toNullString(rec.Language), utf8.RuneCountInString(rec.RewrittenContent),
		out.Insights.Stats().Total, now, now,
	).Scan(&out.ID, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return &out, nil
}

// GetArticleByURL retrieves a cached record by canonical URL.
func GetArticleByURL(ctx context.Context, db *sql.DB, url string) (*article.Record, error) {
	query := `
		SELECT id, url, original_content, rewritten_content, insights_json,
			language, created_at, updated_at
		FROM article_cache
		WHERE url = ?
	`

	row := db.QueryRowContext(ctx, query, url)
	rec, err := scanArticle(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound(url)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return rec, nil
}

// ListArticles returns record summaries, most recently updated first.
func ListArticles(ctx context.Context, db *sql.DB, limit, offset int) ([]article.Summary, Pagination, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	total, err := CountArticles(ctx, db)
	if err != nil {
		return nil, Pagination{}, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, url, language, rewrite_chars, insights_total, created_at, updated_at
		FROM article_cache
		ORDER BY updated_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, Pagination{}, errors.NewInternal(err)
	}
	defer rows.Close()

	items := make([]article.Summary, 0)
	for rows.Next() {
		var (
			s    article.Summary
			lang sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.URL, &lang, &s.RewriteChars, &s.InsightsTotal, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, Pagination{}, errors.NewInternal(err)
		}
		s.Language = lang.String
		items = append(items, s)
	}
	if err := rows.Err(); err != nil {
		return nil, Pagination{}, errors.NewInternal(err)
	}

	return items, Pagination{
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+len(items) < total,
		Total:   total,
	}, nil
}

// CountArticles returns the number of cached records.
func CountArticles(ctx context.Context, db *sql.DB) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM article_cache").Scan(&n); err != nil {
		return 0, errors.NewInternal(err)
	}
	return n, nil
}

// DeleteArticle removes the record for url. Returns NOT_FOUND if none exists.
func DeleteArticle(ctx context.Context, db *sql.DB, url string) error {
	res, err := db.ExecContext(ctx, "DELETE FROM article_cache WHERE url = ?", url)
	if err != nil {
		return errors.NewInternal(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewInternal(err)
	}
	if n == 0 {
		return errors.NewNotFound(url)
	}
	return nil
}

// PurgeArticles deletes records last updated before cutoff and returns how many were removed.
func PurgeArticles(ctx context.Context, db *sql.DB, cutoff time.Time) (int, error) {
	res, err := db.ExecContext(ctx, "DELETE FROM article_cache WHERE updated_at < ?", cutoff.Unix())
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return int(n), nil
}

// NewID generates a new ULID.
func NewID() (string, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// scanArticle scans a single row into a Record.
func scanArticle(row *sql.Row) (*article.Record, error) {
	var (
		rec      article.Record
		insights string
		language sql.NullString
	)

	err := row.Scan(
		&rec.ID, &rec.URL, &rec.OriginalContent, &rec.RewrittenContent, &insights,
		&language, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Language = language.String
	if insights != "" {
		if err := json.Unmarshal([]byte(insights), &rec.Insights); err != nil {
			return nil, err
		}
	}
	rec.Insights = rec.Insights.Normalized()

	return &rec, nil
}

func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
