/*
Package prestige scores users and contents from their ledger history.

PURPOSE:
  A user's prestige level is derived from how their recent contents were
  received: the mean content:tabcoin balance of their last N published
  contents, mapped through a calibrated breakpoint table.

KEY OPERATIONS:
  GetByContentID:      initial and total tabcoins of one content
  GetByUserID:         level, mean and recency of a user's recent contents
  CalcTabcoinsAverage: arithmetic mean, exactly 1 for an empty set
  CalcPrestigeLevel:   step function over the breakpoint tables

BREAKPOINTS:
  Upper bounds are inclusive and compared as exact decimals, so a mean of
  exactly 0.50 on a root content is level -1 and 0.51 is level 0. Child
  contents use a stricter table. Above the last bound the level is 10.

All functions take a ledger.Repo so they can run inside a transaction.
*/
package prestige

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/tabcoin-engine/ledger"
)

// =============================================================================
// BREAKPOINT TABLES
// =============================================================================

var (
	rootBreakpoints  = mustDecimals("0.50", "1.10", "1.20", "1.30", "1.40", "1.60", "1.80", "2.10", "2.40", "3.00", "4.00")
	childBreakpoints = mustDecimals("0.40", "1.00", "1.10", "1.20", "1.25", "1.30", "1.50", "1.70", "2.00", "3.00", "4.00")
)

// MinLevel is returned for means at or below the first breakpoint.
const MinLevel = -1

func mustDecimals(values ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		out[i] = decimal.RequireFromString(v)
	}
	return out
}

// CalcPrestigeLevel maps a mean content balance to a level in [-1, 10].
// NaN and -Inf map to MinLevel, +Inf to the top level.
func CalcPrestigeLevel(mean float64, isRoot bool) int {
	table := childBreakpoints
	if isRoot {
		table = rootBreakpoints
	}
	switch {
	case math.IsNaN(mean), math.IsInf(mean, -1):
		return MinLevel
	case math.IsInf(mean, 1):
		return MinLevel + len(table)
	}
	m := decimal.NewFromFloat(mean)
	for i, bound := range table {
		if m.LessThanOrEqual(bound) {
			return MinLevel + i
		}
	}
	return MinLevel + len(table)
}

// CalcTabcoinsAverage returns the mean of tabcoins, or exactly 1 when empty.
func CalcTabcoinsAverage(tabcoins []int64) float64 {
	if len(tabcoins) == 0 {
		return 1
	}
	var sum int64
	for _, v := range tabcoins {
		sum += v
	}
	return float64(sum) / float64(len(tabcoins))
}

// =============================================================================
// CONTENT PRESTIGE
// =============================================================================

type ContentPrestige struct {
	InitialTabcoins int64
	TotalTabcoins   int64
}

// GetByContentID reads the content's content:tabcoin history. Initial
// tabcoins are the entries originated by the content's creation event; the
// total is every entry, reversals included.
func GetByContentID(ctx context.Context, repo ledger.Repo, contentID string) (ContentPrestige, error) {
	entries, err := repo.FindBalanceEntriesByRecipient(ctx, ledger.BalanceContentTabcoin, contentID)
	if err != nil {
		return ContentPrestige{}, fmt.Errorf("failed to load content entries: %w", err)
	}
	if len(entries) == 0 {
		return ContentPrestige{}, nil
	}

	originators := ledger.NewIDSet()
	for _, e := range entries {
		if e.OriginatorType == ledger.OriginatorEvent {
			originators.Add(e.OriginatorID)
		}
	}
	events, err := repo.FindEventsByIDs(ctx, originators.List())
	if err != nil {
		return ContentPrestige{}, fmt.Errorf("failed to load originating events: %w", err)
	}
	creations := ledger.NewIDSet()
	for _, e := range events {
		if e.Type.IsContentCreation() {
			creations.Add(e.ID)
		}
	}

	var p ContentPrestige
	for _, e := range entries {
		p.TotalTabcoins += e.Amount
		if e.OriginatorType == ledger.OriginatorEvent && creations.Has(e.OriginatorID) {
			p.InitialTabcoins += e.Amount
		}
	}
	return p, nil
}

// =============================================================================
// USER PRESTIGE
// =============================================================================

// Options select the contents a user's prestige is computed from.
type Options struct {
	// TimeOffset excludes contents published within this duration of Now.
	TimeOffset time.Duration
	IsRoot     bool
	Limit      int
	Now        time.Time
}

// DefaultOptions are the reward engine settings.
func DefaultOptions() Options {
	return Options{TimeOffset: 36 * time.Hour, IsRoot: true, Limit: 10}
}

type UserPrestige struct {
	Level   int
	Average float64

	// Contents is how many contents were considered.
	Contents int
	// LastPublishedAt is the newest considered content, nil when there is none.
	LastPublishedAt *time.Time
}

func GetByUserID(ctx context.Context, repo ledger.Repo, userID string, opts Options) (UserPrestige, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	contents, err := repo.FindRecentContents(ctx, ledger.ContentQuery{
		OwnerID: userID,
		IsRoot:  opts.IsRoot,
		Before:  now.Add(-opts.TimeOffset),
		Limit:   opts.Limit,
	})
	if err != nil {
		return UserPrestige{}, fmt.Errorf("failed to load recent contents: %w", err)
	}

	ids := make([]string, len(contents))
	for i, c := range contents {
		ids[i] = c.ID
	}
	sums, err := repo.SumBalances(ctx, ledger.BalanceContentTabcoin, ids)
	if err != nil {
		return UserPrestige{}, fmt.Errorf("failed to sum content balances: %w", err)
	}

	tabcoins := make([]int64, len(contents))
	for i, c := range contents {
		tabcoins[i] = sums[c.ID]
	}

	avg := CalcTabcoinsAverage(tabcoins)
	p := UserPrestige{
		Level:    CalcPrestigeLevel(avg, opts.IsRoot),
		Average:  avg,
		Contents: len(contents),
	}
	if len(contents) > 0 {
		p.LastPublishedAt = contents[0].PublishedAt
	}
	return p, nil
}
