/*
Package reward credits users a daily tabcoin reward.

PURPOSE:
  At most once per UTC day a user receives tabcoins in proportion to their
  prestige level, reduced by how many tabcoins they already hold and by
  how long ago they last published.

FORMULA:
  factor  = floor((balance / base)^2)
  weeks   = floor((now - lastPublishedAt) / week)
  reward  = ceil(max(0, level - factor) / (weeks + 1))

  Computed with exact decimals.

CONCURRENCY:
  1. Guard: rewarded_at on today's UTC date means 0, no writes
  2. In one transaction: re-read the user; if rewarded_at moved since the
     guard, another request won the race, roll back and return 0
  3. Credit (when > 0), record the reward event, always move rewarded_at

  Serialization failures are returned to the caller, who may re-run Reward
  as a whole; the guard makes the re-run safe.
*/
package reward

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/tabcoin-engine/ledger"
	"github.com/warp/tabcoin-engine/metrics"
	"github.com/warp/tabcoin-engine/prestige"
)

const RewardTypeDaily = "daily"

// Config holds the reward parameters.
type Config struct {
	Base     int64
	Week     time.Duration
	Prestige prestige.Options
}

func DefaultConfig() Config {
	return Config{
		Base:     20,
		Week:     ledger.Week,
		Prestige: prestige.DefaultOptions(),
	}
}

// Calculate applies the reward formula.
func Calculate(level int, balance int64, ageWeeks int64, base int64) int64 {
	if base <= 0 {
		base = 20
	}
	if ageWeeks < 0 {
		ageWeeks = 0
	}
	ratio := decimal.NewFromInt(balance).Div(decimal.NewFromInt(base))
	factor := ratio.Mul(ratio).Floor()

	diff := decimal.NewFromInt(int64(level)).Sub(factor)
	if diff.IsNegative() {
		return 0
	}
	return diff.Div(decimal.NewFromInt(ageWeeks + 1)).Ceil().IntPart()
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store   ledger.Store
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Engine)

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func NewEngine(store ledger.Store, cfg Config, log *zap.Logger, opts ...Option) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Base <= 0 {
		cfg.Base = 20
	}
	if cfg.Week <= 0 {
		cfg.Week = ledger.Week
	}
	e := &Engine{
		store: store,
		cfg:   cfg,
		log:   log.With(zap.String("component", "reward")),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var errRaced = errors.New("reward: rewarded_at changed concurrently")

// Reward credits the daily reward of userID and returns the amount.
func (e *Engine) Reward(ctx context.Context, userID string) (int64, error) {
	now := e.now().UTC()

	user, err := e.store.FindUserByID(ctx, userID, ledger.UserQuery{})
	if err != nil {
		return 0, fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil {
		return 0, &ledger.NotFoundError{Resource: "user", ID: userID}
	}
	if !user.RewardedAt.IsZero() && ledger.SameUTCDay(user.RewardedAt, now) {
		e.metrics.ObserveReward("skipped", 0)
		return 0, nil
	}

	var amount int64
	err = e.store.WithTx(ctx, func(tx ledger.Repo) error {
		fresh, err := tx.FindUserByID(ctx, userID, ledger.UserQuery{WithBalance: true})
		if err != nil {
			return fmt.Errorf("failed to reload user: %w", err)
		}
		if fresh == nil {
			return &ledger.NotFoundError{Resource: "user", ID: userID}
		}
		if !fresh.RewardedAt.Equal(user.RewardedAt) {
			return errRaced
		}

		opts := e.cfg.Prestige
		opts.Now = now
		p, err := prestige.GetByUserID(ctx, tx, userID, opts)
		if err != nil {
			return err
		}

		var weeks int64
		if p.LastPublishedAt != nil {
			weeks = int64(now.Sub(*p.LastPublishedAt) / e.cfg.Week)
		}
		amount = Calculate(p.Level, fresh.Tabcoins, weeks, e.cfg.Base)

		if amount > 0 {
			event, err := tx.CreateEvent(ctx, ledger.Event{
				Type:             ledger.EventRewardUser,
				OriginatorUserID: userID,
				CreatedAt:        now,
				Metadata:         ledger.RewardMetadata{Amount: amount, RewardType: RewardTypeDaily},
			})
			if err != nil {
				return fmt.Errorf("failed to record reward: %w", err)
			}
			if _, err := ledger.NewBalance(tx).Create(ctx, ledger.BalanceUserTabcoin, userID, amount, event.ID); err != nil {
				return fmt.Errorf("failed to credit reward: %w", err)
			}
		}
		return tx.UpdateRewardedAt(ctx, userID, now)
	})
	if errors.Is(err, errRaced) {
		e.metrics.ObserveReward("raced", 0)
		return 0, nil
	}
	if err != nil {
		e.metrics.ObserveReward("error", 0)
		return 0, err
	}

	outcome := "credited"
	if amount == 0 {
		outcome = "zero"
	}
	e.metrics.ObserveReward(outcome, amount)
	e.log.Info("daily reward",
		zap.String("user_id", userID),
		zap.Int64("amount", amount))
	return amount, nil
}
