package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/warp/tabcoin-engine/ledger"
)

// =============================================================================
// EVENT STORE (ledger.EventRepo interface)
// =============================================================================

const eventColumns = `e.id, e.type, e.originator_user_id, e.originator_ip, e.metadata, e.created_at`

// CreateEvent appends an event. Events are never updated afterwards.
func (r *repo) CreateEvent(ctx context.Context, e ledger.Event) (ledger.Event, error) {
	if err := e.Validate(); err != nil {
		return ledger.Event{}, err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.CreatedAt = e.CreatedAt.UTC().Truncate(time.Microsecond)

	metadata, err := ledger.EncodeMetadata(e.Metadata)
	if err != nil {
		return ledger.Event{}, fmt.Errorf("failed to encode event metadata: %w", err)
	}

	query := `
		INSERT INTO events (id, type, originator_user_id, originator_ip, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = r.exec(ctx, query,
		e.ID,
		string(e.Type),
		nullString(e.OriginatorUserID),
		nullString(e.OriginatorIP),
		string(metadata),
		timeArg(e.CreatedAt),
	)
	if err != nil {
		return ledger.Event{}, r.classify("create event", err)
	}
	return e, nil
}

// FindEventByID returns a single event, or nil if it does not exist.
func (r *repo) FindEventByID(ctx context.Context, id string) (*ledger.Event, error) {
	rows, err := r.query(ctx, `SELECT `+eventColumns+` FROM events e WHERE e.id = ?`, id)
	if err != nil {
		return nil, r.classify("query event", err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

func (r *repo) FindEventsByIDs(ctx context.Context, ids []string) ([]ledger.Event, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + eventColumns + ` FROM events e
		WHERE e.id IN (` + Placeholders(len(ids)) + `)
		ORDER BY e.created_at ASC, e.id ASC`
	return r.queryEvents(ctx, query, stringArgs(ids)...)
}

// FindEventsBySubjects is the single round trip of each closure iteration.
func (r *repo) FindEventsBySubjects(ctx context.Context, types []ledger.EventType, users, contents []string) ([]ledger.Event, error) {
	users, contents = dedupe(users), dedupe(contents)
	if len(types) == 0 || (len(users) == 0 && len(contents) == 0) {
		return nil, nil
	}

	args := make([]any, 0, len(types)+len(users)+len(contents))
	for _, t := range types {
		args = append(args, string(t))
	}

	var match []string
	if len(users) > 0 {
		match = append(match, r.d.ArrayOverlap("e.metadata", "users", len(users)))
		args = append(args, stringArgs(users)...)
	}
	if len(contents) > 0 {
		match = append(match, r.d.ArrayOverlap("e.metadata", "contents", len(contents)))
		args = append(args, stringArgs(contents)...)
	}

	query := `SELECT ` + eventColumns + ` FROM events e
		WHERE e.type IN (` + Placeholders(len(types)) + `)
		  AND (` + strings.Join(match, " OR ") + `)
		ORDER BY e.created_at ASC, e.id ASC`
	return r.queryEvents(ctx, query, args...)
}

func (r *repo) FindEventsByOriginatorIP(ctx context.Context, t ledger.EventType, ip string, since time.Time) ([]ledger.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events e
		WHERE e.type = ? AND e.originator_ip = ? AND e.created_at >= ?
		ORDER BY e.created_at ASC, e.id ASC`
	return r.queryEvents(ctx, query, string(t), ip, timeArg(since))
}

func (r *repo) queryEvents(ctx context.Context, query string, args ...any) ([]ledger.Event, error) {
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, r.classify("query events", err)
	}
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]ledger.Event, error) {
	defer rows.Close()

	var events []ledger.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (ledger.Event, error) {
	var (
		e          ledger.Event
		eventType  string
		originator sql.NullString
		ip         sql.NullString
		metadata   []byte
		createdAt  scanTime
	)
	if err := rows.Scan(&e.ID, &eventType, &originator, &ip, &metadata, &createdAt); err != nil {
		return e, fmt.Errorf("failed to scan event: %w", err)
	}

	e.Type = ledger.EventType(eventType)
	e.OriginatorUserID = originator.String
	e.OriginatorIP = ip.String
	e.CreatedAt = createdAt.Time

	m, err := ledger.DecodeMetadata(e.Type, metadata)
	if err != nil {
		return e, fmt.Errorf("event %s: %w", e.ID, err)
	}
	e.Metadata = m
	return e, nil
}
