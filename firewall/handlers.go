package firewall

import (
	"context"
	"fmt"

	"github.com/warp/tabcoin-engine/ledger"
)

// =============================================================================
// REVIEW HANDLERS - run inside the review transaction
// =============================================================================

// handleReview dispatches on the review event type.
func handleReview(ctx context.Context, tx ledger.Repo, review ledger.Event) (Affected, error) {
	meta, ok := review.Metadata.(ledger.ReviewMetadata)
	if !ok {
		return Affected{}, fmt.Errorf("firewall: review event %s carries %T metadata", review.ID, review.Metadata)
	}

	switch review.Type {
	case ledger.EventModerationBlockUsers:
		return confirmBlockUsers(ctx, tx, meta)
	case ledger.EventModerationBlockContentsRoot, ledger.EventModerationBlockContentsChild:
		return confirmBlockContents(ctx, tx, meta)
	case ledger.EventModerationUnblockUsers:
		return unblockUsers(ctx, tx, meta)
	case ledger.EventModerationUnblockContentsRoot, ledger.EventModerationUnblockContentsChild:
		return unblockContents(ctx, tx, review.ID, meta)
	}
	return Affected{}, fmt.Errorf("firewall: no handler for review event type %q", review.Type)
}

// confirmBlockUsers replaces every feature of the users with the nuke marker.
func confirmBlockUsers(ctx context.Context, tx ledger.Repo, meta ledger.ReviewMetadata) (Affected, error) {
	users, err := tx.AddFeatures(ctx, meta.Users, []string{ledger.FeatureNuked}, ledger.UserQuery{
		Replace:         true,
		IgnoreUpdatedAt: true,
	})
	if err != nil {
		return Affected{}, fmt.Errorf("failed to nuke users: %w", err)
	}
	return Affected{Users: users}, nil
}

// confirmBlockContents keeps the contents in the firewall state.
func confirmBlockContents(ctx context.Context, tx ledger.Repo, meta ledger.ReviewMetadata) (Affected, error) {
	contents, err := tx.UpdateContentsStatus(ctx, meta.Contents, ledger.StatusFirewall)
	if err != nil {
		return Affected{}, fmt.Errorf("failed to block contents: %w", err)
	}
	owners, err := findOwners(ctx, tx, contents)
	if err != nil {
		return Affected{}, err
	}
	return Affected{Users: owners, Contents: contents}, nil
}

// unblockUsers restores capabilities based on the users' current features:
// inactive users may only request a new activation token, active users get
// their sessions back.
func unblockUsers(ctx context.Context, tx ledger.Repo, meta ledger.ReviewMetadata) (Affected, error) {
	users, err := tx.FindUsersByIDs(ctx, meta.Users, ledger.UserQuery{})
	if err != nil {
		return Affected{}, fmt.Errorf("failed to load users: %w", err)
	}

	var inactive, active []string
	for _, u := range users {
		if u.IsInactive() {
			inactive = append(inactive, u.ID)
		} else {
			active = append(active, u.ID)
		}
	}

	var restored []ledger.User
	if len(inactive) > 0 {
		updated, err := tx.AddFeatures(ctx, inactive, []string{ledger.FeatureReadActivation}, ledger.UserQuery{
			Replace:         true,
			IgnoreUpdatedAt: true,
		})
		if err != nil {
			return Affected{}, fmt.Errorf("failed to restore inactive users: %w", err)
		}
		restored = append(restored, updated...)
	}
	if len(active) > 0 {
		updated, err := tx.AddFeatures(ctx, active, ledger.SessionFeatures, ledger.UserQuery{
			IgnoreUpdatedAt: true,
		})
		if err != nil {
			return Affected{}, fmt.Errorf("failed to restore active users: %w", err)
		}
		restored = append(restored, updated...)
	}
	return Affected{Users: restored}, nil
}

// unblockContents publishes the blocked contents again and reverses every
// ledger entry the block events made.
func unblockContents(ctx context.Context, tx ledger.Repo, reviewID string, meta ledger.ReviewMetadata) (Affected, error) {
	current, err := tx.FindContentsByIDs(ctx, meta.Contents)
	if err != nil {
		return Affected{}, fmt.Errorf("failed to load contents: %w", err)
	}
	var blocked []string
	for _, c := range current {
		if c.Status == ledger.StatusFirewall {
			blocked = append(blocked, c.ID)
		}
	}
	if _, err := tx.UpdateContentsStatus(ctx, blocked, ledger.StatusPublished); err != nil {
		return Affected{}, fmt.Errorf("failed to unblock contents: %w", err)
	}

	bal := ledger.NewBalance(tx)
	entries, err := bal.FindAllByOriginatorID(ctx, meta.RelatedEvents...)
	if err != nil {
		return Affected{}, fmt.Errorf("failed to load block reversals: %w", err)
	}
	if _, err := bal.UndoAll(ctx, entries, reviewID); err != nil {
		return Affected{}, err
	}

	contents, err := tx.FindContentsByIDs(ctx, meta.Contents)
	if err != nil {
		return Affected{}, fmt.Errorf("failed to reload contents: %w", err)
	}
	owners, err := findOwners(ctx, tx, contents)
	if err != nil {
		return Affected{}, err
	}
	return Affected{Users: owners, Contents: contents}, nil
}

func findOwners(ctx context.Context, tx ledger.Repo, contents []ledger.Content) ([]ledger.User, error) {
	ids := ledger.NewIDSet()
	for _, c := range contents {
		ids.Add(c.OwnerID)
	}
	if ids.Len() == 0 {
		return nil, nil
	}
	owners, err := tx.FindUsersByIDs(ctx, ids.List(), ledger.UserQuery{})
	if err != nil {
		return nil, fmt.Errorf("failed to load content owners: %w", err)
	}
	return owners, nil
}
