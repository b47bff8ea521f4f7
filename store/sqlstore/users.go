package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/warp/tabcoin-engine/ledger"
)

// =============================================================================
// USER STORE (ledger.UserRepo interface)
// =============================================================================

const userColumns = `id, username, features, rewarded_at, created_at, updated_at`

func (r *repo) CreateUser(ctx context.Context, u ledger.User) (ledger.User, error) {
	if u.Username == "" {
		return ledger.User{}, &ledger.ValidationError{Key: "username", Message: "username is required"}
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = u.CreatedAt
	u.Features = ledger.MergeFeatures(u.Features, nil)

	features, err := encodeFeatures(u.Features)
	if err != nil {
		return ledger.User{}, err
	}

	_, err = r.exec(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
	`, u.ID, u.Username, features, timeArg(u.RewardedAt), timeArg(u.CreatedAt), timeArg(u.UpdatedAt))
	if err != nil {
		if r.d.IsUniqueViolation(err) {
			return ledger.User{}, &ledger.ValidationError{
				Key:     "username",
				Message: fmt.Sprintf("username %q is already taken", u.Username),
			}
		}
		return ledger.User{}, r.classify("create user", err)
	}
	return u, nil
}

// FindUserByID returns a single user, or nil if it does not exist.
func (r *repo) FindUserByID(ctx context.Context, id string, q ledger.UserQuery) (*ledger.User, error) {
	users, err := r.FindUsersByIDs(ctx, []string{id}, q)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, nil
	}
	return &users[0], nil
}

func (r *repo) FindUsersByIDs(ctx context.Context, ids []string, q ledger.UserQuery) ([]ledger.User, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.query(ctx, `SELECT `+userColumns+` FROM users
		WHERE id IN (`+Placeholders(len(ids))+`)
		ORDER BY created_at ASC, id ASC`, stringArgs(ids)...)
	if err != nil {
		return nil, r.classify("query users", err)
	}
	defer rows.Close()

	var users []ledger.User
	for rows.Next() {
		var (
			u          ledger.User
			features   []byte
			rewardedAt scanTime
			createdAt  scanTime
			updatedAt  scanTime
		)
		if err := rows.Scan(&u.ID, &u.Username, &features, &rewardedAt, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		if u.Features, err = decodeFeatures(features); err != nil {
			return nil, fmt.Errorf("user %s: %w", u.ID, err)
		}
		u.RewardedAt = rewardedAt.Time
		u.CreatedAt = createdAt.Time
		u.UpdatedAt = updatedAt.Time
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read users: %w", err)
	}
	rows.Close()

	if q.WithBalance && len(users) > 0 {
		if err := r.fillBalances(ctx, users); err != nil {
			return nil, err
		}
	}
	return users, nil
}

func (r *repo) fillBalances(ctx context.Context, users []ledger.User) error {
	ids := make([]string, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	tabcoins, err := r.SumBalances(ctx, ledger.BalanceUserTabcoin, ids)
	if err != nil {
		return err
	}
	tabcash, err := r.SumBalances(ctx, ledger.BalanceUserTabcash, ids)
	if err != nil {
		return err
	}
	for i := range users {
		users[i].Tabcoins = tabcoins[users[i].ID]
		users[i].Tabcash = tabcash[users[i].ID]
	}
	return nil
}

// AddFeatures merges features into each user's set, or replaces the set
// when q.Replace is true.
func (r *repo) AddFeatures(ctx context.Context, ids []string, features []string, q ledger.UserQuery) ([]ledger.User, error) {
	return r.rewriteFeatures(ctx, ids, q, func(current []string) []string {
		if q.Replace {
			return ledger.MergeFeatures(features, nil)
		}
		return ledger.MergeFeatures(current, features)
	})
}

func (r *repo) RemoveFeatures(ctx context.Context, ids []string, features []string, q ledger.UserQuery) ([]ledger.User, error) {
	return r.rewriteFeatures(ctx, ids, q, func(current []string) []string {
		return ledger.SubtractFeatures(current, features)
	})
}

func (r *repo) rewriteFeatures(ctx context.Context, ids []string, q ledger.UserQuery, next func([]string) []string) ([]ledger.User, error) {
	users, err := r.FindUsersByIDs(ctx, ids, ledger.UserQuery{})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	for i := range users {
		users[i].Features = next(users[i].Features)
		encoded, err := encodeFeatures(users[i].Features)
		if err != nil {
			return nil, err
		}

		if q.IgnoreUpdatedAt {
			_, err = r.exec(ctx, `UPDATE users SET features = ? WHERE id = ?`, encoded, users[i].ID)
		} else {
			users[i].UpdatedAt = now
			_, err = r.exec(ctx, `UPDATE users SET features = ?, updated_at = ? WHERE id = ?`,
				encoded, timeArg(now), users[i].ID)
		}
		if err != nil {
			return nil, r.classify("update user features", err)
		}
	}

	if q.WithBalance && len(users) > 0 {
		if err := r.fillBalances(ctx, users); err != nil {
			return nil, err
		}
	}
	return users, nil
}

func (r *repo) UpdateRewardedAt(ctx context.Context, id string, at time.Time) error {
	res, err := r.exec(ctx, `UPDATE users SET rewarded_at = ? WHERE id = ?`,
		timeArg(at.UTC().Truncate(time.Microsecond)), id)
	if err != nil {
		return r.classify("update rewarded_at", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &ledger.NotFoundError{Resource: "user", ID: id}
	}
	return nil
}
