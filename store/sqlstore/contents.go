package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/warp/tabcoin-engine/ledger"
)

// =============================================================================
// CONTENT STORE (ledger.ContentRepo interface)
// =============================================================================

const contentColumns = `id, owner_id, parent_id, title, body, status, published_at, created_at, updated_at`

func (r *repo) CreateContent(ctx context.Context, c ledger.Content) (ledger.Content, error) {
	if c.OwnerID == "" {
		return ledger.Content{}, &ledger.ValidationError{Key: "owner_id", Message: "owner_id is required"}
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = ledger.StatusDraft
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt
	if c.Status == ledger.StatusPublished && c.PublishedAt == nil {
		published := c.CreatedAt
		c.PublishedAt = &published
	}

	_, err := r.exec(ctx, `
		INSERT INTO contents (`+contentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID,
		c.OwnerID,
		nullStringPtr(c.ParentID),
		c.Title,
		c.Body,
		string(c.Status),
		timePtrArg(c.PublishedAt),
		timeArg(c.CreatedAt),
		timeArg(c.UpdatedAt),
	)
	if err != nil {
		return ledger.Content{}, r.classify("create content", err)
	}
	return c, nil
}

// FindContentByID returns a single content, or nil if it does not exist.
func (r *repo) FindContentByID(ctx context.Context, id string) (*ledger.Content, error) {
	contents, err := r.FindContentsByIDs(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(contents) == 0 {
		return nil, nil
	}
	return &contents[0], nil
}

func (r *repo) FindContentsByIDs(ctx context.Context, ids []string) ([]ledger.Content, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	return r.queryContents(ctx, `SELECT `+contentColumns+` FROM contents
		WHERE id IN (`+Placeholders(len(ids))+`)
		ORDER BY created_at ASC, id ASC`, stringArgs(ids)...)
}

// UpdateContentsStatus moves contents to status. The first transition to
// published stamps published_at.
func (r *repo) UpdateContentsStatus(ctx context.Context, ids []string, status ledger.ContentStatus) ([]ledger.Content, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	now := timeArg(time.Now().UTC().Truncate(time.Microsecond))

	args := append([]any{string(status), now}, stringArgs(ids)...)
	_, err := r.exec(ctx, `UPDATE contents SET status = ?, updated_at = ?
		WHERE id IN (`+Placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, r.classify("update content status", err)
	}

	if status == ledger.StatusPublished {
		args = append([]any{now}, stringArgs(ids)...)
		_, err = r.exec(ctx, `UPDATE contents SET published_at = ?
			WHERE published_at IS NULL AND id IN (`+Placeholders(len(ids))+`)`, args...)
		if err != nil {
			return nil, r.classify("update content published_at", err)
		}
	}
	return r.FindContentsByIDs(ctx, ids)
}

// FindRecentContents returns the owner's latest published contents of one
// kind, newest first.
func (r *repo) FindRecentContents(ctx context.Context, q ledger.ContentQuery) ([]ledger.Content, error) {
	if q.Limit <= 0 {
		return nil, nil
	}
	kind := `parent_id IS NULL`
	if !q.IsRoot {
		kind = `parent_id IS NOT NULL`
	}
	before := q.Before
	if before.IsZero() {
		before = time.Now()
	}

	return r.queryContents(ctx, `SELECT `+contentColumns+` FROM contents
		WHERE owner_id = ? AND status = ? AND `+kind+` AND published_at < ?
		ORDER BY published_at DESC, id DESC
		LIMIT ?`,
		q.OwnerID, string(ledger.StatusPublished), timeArg(before), q.Limit)
}

func (r *repo) queryContents(ctx context.Context, query string, args ...any) ([]ledger.Content, error) {
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, r.classify("query contents", err)
	}
	defer rows.Close()

	var contents []ledger.Content
	for rows.Next() {
		var (
			c           ledger.Content
			parentID    sql.NullString
			status      string
			publishedAt scanTime
			createdAt   scanTime
			updatedAt   scanTime
		)
		err := rows.Scan(&c.ID, &c.OwnerID, &parentID, &c.Title, &c.Body, &status,
			&publishedAt, &createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan content: %w", err)
		}
		if parentID.Valid {
			p := parentID.String
			c.ParentID = &p
		}
		c.Status = ledger.ContentStatus(status)
		c.PublishedAt = publishedAt.Ptr()
		c.CreatedAt = createdAt.Time
		c.UpdatedAt = updatedAt.Time
		contents = append(contents, c)
	}
	return contents, rows.Err()
}
