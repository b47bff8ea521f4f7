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
// RULES
// =============================================================================

// Rule limits how many events of one type a single IP may create in a window.
type Rule struct {
	ID     string
	Limit  int
	Window time.Duration

	// Watched is the activity event type being counted.
	Watched ledger.EventType
	// Block is the firewall event type written when the rule fires.
	Block ledger.EventType
}

const (
	RuleCreateUser         = "create:user"
	RuleCreateContentRoot  = "create:content:text_root"
	RuleCreateContentChild = "create:content:text_child"
)

// DefaultRules are used when no configuration overrides them.
func DefaultRules() []Rule {
	return []Rule{
		{ID: RuleCreateUser, Limit: 2, Window: 30 * time.Minute, Watched: ledger.EventCreateUser, Block: ledger.EventFirewallBlockUsers},
		{ID: RuleCreateContentRoot, Limit: 2, Window: 30 * time.Minute, Watched: ledger.EventCreateContentRoot, Block: ledger.EventFirewallBlockContentsRoot},
		{ID: RuleCreateContentChild, Limit: 5, Window: 30 * time.Minute, Watched: ledger.EventCreateContentChild, Block: ledger.EventFirewallBlockContentsChild},
	}
}

// =============================================================================
// GUARD
// =============================================================================

// Guard checks a request against its rule before the request is served.
type Guard struct {
	store   ledger.Store
	rules   map[string]Rule
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type GuardOption func(*Guard)

func WithGuardMetrics(m *metrics.Metrics) GuardOption {
	return func(g *Guard) { g.metrics = m }
}

func WithGuardClock(now func() time.Time) GuardOption {
	return func(g *Guard) { g.now = now }
}

func NewGuard(store ledger.Store, rules []Rule, log *zap.Logger, opts ...GuardOption) *Guard {
	if log == nil {
		log = zap.NewNop()
	}
	g := &Guard{
		store: store,
		rules: make(map[string]Rule, len(rules)),
		log:   log.With(zap.String("component", "firewall.guard")),
		now:   time.Now,
	}
	for _, r := range rules {
		g.rules[r.ID] = r
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) Rule(id string) (Rule, bool) {
	r, ok := g.rules[id]
	return r, ok
}

// Inspect counts the rule's events created from ip inside the window. Below
// the limit it returns nil. At or above it, the subjects of those events
// that no active block covers are blocked by a new firewall event, and a
// *ledger.FirewallError is returned. When every subject is already covered
// the error names the most recent covering block instead.
//
// A block stops covering its subjects once an unblock review lists it.
// A nil Guard, an unknown rule or an empty ip never blocks.
func (g *Guard) Inspect(ctx context.Context, ruleID, ip string) error {
	if g == nil || ip == "" {
		return nil
	}
	rule, ok := g.rules[ruleID]
	if !ok || rule.Limit <= 0 {
		return nil
	}

	var blockID string
	fired := false
	err := g.store.WithTx(ctx, func(tx ledger.Repo) error {
		recent, err := tx.FindEventsByOriginatorIP(ctx, rule.Watched, ip, g.now().Add(-rule.Window))
		if err != nil {
			return fmt.Errorf("failed to count recent events: %w", err)
		}
		if len(recent) < rule.Limit {
			return nil
		}
		fired = true

		blockID, err = g.block(ctx, tx, rule, ip, recent)
		return err
	})
	if err != nil {
		return err
	}
	if !fired {
		return nil
	}

	g.metrics.ObserveBlock(rule.ID)
	g.log.Warn("request blocked by firewall",
		zap.String("rule", rule.ID),
		zap.String("ip", ip),
		zap.String("block_event_id", blockID))
	return &ledger.FirewallError{Rule: rule.ID, EventID: blockID}
}

// block writes a block event for the uncovered subjects and returns its id,
// or the id of the latest covering block when nothing is left to block.
func (g *Guard) block(ctx context.Context, tx ledger.Repo, rule Rule, ip string, recent []ledger.Event) (string, error) {
	creations := make(map[string]string, len(recent)) // subject id -> creation event id
	var subjects []string
	for _, e := range recent {
		id := subjectOf(e)
		if id == "" {
			continue
		}
		if _, ok := creations[id]; !ok {
			subjects = append(subjects, id)
		}
		creations[id] = e.ID
	}

	covered, latest, err := g.coveredSubjects(ctx, tx, rule, subjects)
	if err != nil {
		return "", err
	}

	var fresh, related []string
	for _, id := range subjects {
		if covered.Has(id) {
			continue
		}
		fresh = append(fresh, id)
		related = append(related, creations[id])
	}
	if len(fresh) == 0 {
		return latest, nil
	}

	meta := ledger.BlockMetadata{FromRule: rule.ID, RelatedEvents: related}
	if rule.Block == ledger.EventFirewallBlockUsers {
		meta.Users = fresh
	} else {
		meta.Contents = fresh
	}

	block, err := tx.CreateEvent(ctx, ledger.Event{
		Type:         rule.Block,
		OriginatorIP: ip,
		CreatedAt:    g.now(),
		Metadata:     meta,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create block event: %w", err)
	}

	if rule.Block == ledger.EventFirewallBlockUsers {
		_, err = tx.RemoveFeatures(ctx, fresh, ledger.BlockedFeatures, ledger.UserQuery{IgnoreUpdatedAt: true})
		if err != nil {
			return "", fmt.Errorf("failed to block users: %w", err)
		}
		return block.ID, nil
	}

	if err := blockContents(ctx, tx, block.ID, fresh, related); err != nil {
		return "", err
	}
	return block.ID, nil
}

// unblockTypes are the reviews that lift a block.
var unblockTypes = []ledger.EventType{
	ledger.EventModerationUnblockUsers,
	ledger.EventModerationUnblockContentsRoot,
	ledger.EventModerationUnblockContentsChild,
}

// coveredSubjects returns the ids named by an earlier block of the rule's
// type that no unblock review has lifted, and the id of the newest such
// block.
func (g *Guard) coveredSubjects(ctx context.Context, tx ledger.Repo, rule Rule, ids []string) (*ledger.IDSet, string, error) {
	var users, contents []string
	if rule.Block == ledger.EventFirewallBlockUsers {
		users = ids
	} else {
		contents = ids
	}
	types := append([]ledger.EventType{rule.Block}, unblockTypes...)
	earlier, err := tx.FindEventsBySubjects(ctx, types, users, contents)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load earlier blocks: %w", err)
	}

	lifted := ledger.NewIDSet()
	for _, e := range earlier {
		if e.Type != rule.Block {
			lifted.Add(e.RelatedEvents()...)
		}
	}

	covered := ledger.NewIDSet()
	var latest string
	for _, e := range earlier {
		if e.Type != rule.Block || lifted.Has(e.ID) {
			continue
		}
		u, c := e.Subjects()
		covered.Add(u...)
		covered.Add(c...)
		latest = e.ID
	}
	return covered, latest, nil
}

// blockContents moves published contents to the firewall state and reverses
// the ledger entries their creation produced.
func blockContents(ctx context.Context, tx ledger.Repo, blockID string, contentIDs, creationIDs []string) error {
	current, err := tx.FindContentsByIDs(ctx, contentIDs)
	if err != nil {
		return fmt.Errorf("failed to load contents: %w", err)
	}
	var published []string
	for _, c := range current {
		if c.Status == ledger.StatusPublished {
			published = append(published, c.ID)
		}
	}
	if _, err := tx.UpdateContentsStatus(ctx, published, ledger.StatusFirewall); err != nil {
		return fmt.Errorf("failed to block contents: %w", err)
	}

	bal := ledger.NewBalance(tx)
	entries, err := bal.FindAllByOriginatorID(ctx, creationIDs...)
	if err != nil {
		return fmt.Errorf("failed to load creation entries: %w", err)
	}
	if _, err := bal.UndoAll(ctx, entries, blockID); err != nil {
		return err
	}
	return nil
}

func subjectOf(e ledger.Event) string {
	switch m := e.Metadata.(type) {
	case ledger.UserMetadata:
		return m.ID
	case ledger.ContentMetadata:
		return m.ID
	}
	return ""
}
