package firewall

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/warp/tabcoin-engine/ledger"
	"github.com/warp/tabcoin-engine/metrics"
)

// =============================================================================
// REVIEW ACTIONS
// =============================================================================

type Action string

const (
	ActionConfirm Action = "confirm"
	ActionUndo    Action = "undo"
)

func (a Action) Valid() bool { return a == ActionConfirm || a == ActionUndo }

// ReviewInput is one moderator decision on a block event.
type ReviewInput struct {
	Action           Action
	EventID          string
	OriginatorUserID string
	OriginatorIP     string
}

type reviewKey struct {
	action Action
	seed   ledger.EventType
}

// reviewTypes maps (action, seed block type) to the review event written.
var reviewTypes = map[reviewKey]ledger.EventType{
	{ActionConfirm, ledger.EventFirewallBlockUsers}:         ledger.EventModerationBlockUsers,
	{ActionConfirm, ledger.EventFirewallBlockContentsRoot}:  ledger.EventModerationBlockContentsRoot,
	{ActionConfirm, ledger.EventFirewallBlockContentsChild}: ledger.EventModerationBlockContentsChild,
	{ActionUndo, ledger.EventFirewallBlockUsers}:            ledger.EventModerationUnblockUsers,
	{ActionUndo, ledger.EventFirewallBlockContentsRoot}:     ledger.EventModerationUnblockContentsRoot,
	{ActionUndo, ledger.EventFirewallBlockContentsChild}:    ledger.EventModerationUnblockContentsChild,
}

// ReviewTypeFor resolves the review event type. A missing combination is a
// programming error and is returned as a plain error.
func ReviewTypeFor(action Action, seed ledger.EventType) (ledger.EventType, error) {
	t, ok := reviewTypes[reviewKey{action, seed}]
	if !ok {
		return "", fmt.Errorf("firewall: no review event type for action %q on %q", action, seed)
	}
	return t, nil
}

// =============================================================================
// REVIEWER
// =============================================================================

type Reviewer struct {
	store   ledger.Store
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type ReviewerOption func(*Reviewer)

func WithReviewerMetrics(m *metrics.Metrics) ReviewerOption {
	return func(r *Reviewer) { r.metrics = m }
}

func WithReviewerClock(now func() time.Time) ReviewerOption {
	return func(r *Reviewer) { r.now = now }
}

func NewReviewer(store ledger.Store, log *zap.Logger, opts ...ReviewerOption) *Reviewer {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Reviewer{
		store: store,
		log:   log.With(zap.String("component", "firewall.reviewer")),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReviewEvent applies a moderator decision to the closure of in.EventID.
//
// Flow:
//  1. Compute the closure and reject it if a review already exists in it
//  2. Resolve the review event type from (action, seed type)
//  3. In one transaction: recompute and re-check the closure, write the
//     review event, run the handler for its type
//
// A second review of the same or an overlapping closure fails with a
// ValidationError keyed ledger.KeyAlreadyReviewed.
func (r *Reviewer) ReviewEvent(ctx context.Context, in ReviewInput) (*Result, error) {
	start := time.Now()
	if !in.Action.Valid() {
		return nil, &ledger.ValidationError{Key: "action", Message: fmt.Sprintf("unknown review action %q", in.Action)}
	}

	// Read-only pass, outside the transaction, to fail fast.
	closure, err := FindClosure(ctx, r.store, in.EventID)
	if err != nil {
		return nil, err
	}
	if err := ensureUnreviewed(closure); err != nil {
		r.metrics.ObserveReview(string(in.Action), "", "already_reviewed", time.Since(start).Seconds())
		return nil, err
	}

	seed := findSeed(closure, in.EventID)
	reviewType, err := ReviewTypeFor(in.Action, seed.Type)
	if err != nil {
		return nil, err
	}

	var (
		result *Result
		review ledger.Event
	)
	err = r.store.WithTx(ctx, func(tx ledger.Repo) error {
		closure, err := FindClosure(ctx, tx, in.EventID)
		if err != nil {
			return err
		}
		if err := ensureUnreviewed(closure); err != nil {
			return err
		}

		users, contents := AggregateSubjects(closure)
		review, err = tx.CreateEvent(ctx, ledger.Event{
			Type:             reviewType,
			OriginatorUserID: in.OriginatorUserID,
			OriginatorIP:     in.OriginatorIP,
			CreatedAt:        r.now(),
			Metadata: ledger.ReviewMetadata{
				Action:        string(in.Action),
				Users:         users,
				Contents:      contents,
				RelatedEvents: eventIDs(closure),
			},
		})
		if err != nil {
			return fmt.Errorf("failed to create review event: %w", err)
		}

		affected, err := handleReview(ctx, tx, review)
		if err != nil {
			return err
		}
		result = &Result{Affected: affected, Events: append(closure, review)}
		return nil
	})
	if err != nil {
		outcome := "error"
		if ledger.IsAlreadyReviewed(err) {
			outcome = "already_reviewed"
		}
		r.metrics.ObserveReview(string(in.Action), string(reviewType), outcome, time.Since(start).Seconds())
		r.log.Warn("review rolled back",
			zap.String("event_id", in.EventID),
			zap.String("action", string(in.Action)),
			zap.Error(err))
		return nil, err
	}

	r.metrics.ObserveReview(string(in.Action), string(reviewType), "ok", time.Since(start).Seconds())
	r.log.Info("closure reviewed",
		zap.String("event_id", in.EventID),
		zap.String("review_id", review.ID),
		zap.String("type", string(reviewType)),
		zap.Int("events", len(result.Events)),
		zap.Int("users", len(result.Affected.Users)),
		zap.Int("contents", len(result.Affected.Contents)))
	return result, nil
}

func ensureUnreviewed(closure []ledger.Event) error {
	for _, e := range closure {
		if e.Type.IsReview() {
			return &ledger.ValidationError{
				Key:     ledger.KeyAlreadyReviewed,
				Message: fmt.Sprintf("this block was already reviewed (event %s)", e.ID),
			}
		}
	}
	return nil
}

func findSeed(closure []ledger.Event, id string) ledger.Event {
	for _, e := range closure {
		if e.ID == id {
			return e
		}
	}
	return ledger.Event{}
}

func eventIDs(events []ledger.Event) []string {
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	return ids
}
