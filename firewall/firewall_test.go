package firewall

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/tabcoin-engine/ledger"
	"github.com/warp/tabcoin-engine/store/sqlite"
	"github.com/warp/tabcoin-engine/store/sqlstore"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestStore(t *testing.T) *sqlstore.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *sqlstore.Store
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	return &fixture{
		t:     t,
		ctx:   context.Background(),
		store: newTestStore(t),
		clock: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

// tick returns strictly increasing timestamps so event order is deterministic.
func (f *fixture) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fixture) user(features ...string) ledger.User {
	u, err := f.store.CreateUser(f.ctx, ledger.User{Username: "u_" + uuid.NewString()[:8], Features: features})
	require.NoError(f.t, err)
	return u
}

func (f *fixture) content(owner ledger.User, status ledger.ContentStatus) ledger.Content {
	c, err := f.store.CreateContent(f.ctx, ledger.Content{OwnerID: owner.ID, Title: "t", Status: status})
	require.NoError(f.t, err)
	return c
}

func (f *fixture) block(t ledger.EventType, meta ledger.BlockMetadata) ledger.Event {
	e, err := f.store.CreateEvent(f.ctx, ledger.Event{Type: t, Metadata: meta, CreatedAt: f.tick()})
	require.NoError(f.t, err)
	return e
}

func (f *fixture) reviewer() *Reviewer {
	return NewReviewer(f.store, nil, WithReviewerClock(f.tick))
}

func ids(events []ledger.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}

func userIDs(users []ledger.User) []string {
	out := make([]string, len(users))
	for i, u := range users {
		out[i] = u.ID
	}
	return out
}

// =============================================================================
// CLOSURE
// =============================================================================

func TestFindClosure_TransitiveAndIdempotent(t *testing.T) {
	// GIVEN: A{u1} - B{u1,u2} - C{u2, c1} - D{c1}, and an unrelated E{u3}
	// WHEN: computing the closure from every member
	// THEN: all of them yield {A,B,C,D}, E is never included

	f := newFixture(t)
	a := f.block(ledger.EventFirewallBlockUsers, ledger.BlockMetadata{Users: []string{"u1"}})
	b := f.block(ledger.EventFirewallBlockUsers, ledger.BlockMetadata{Users: []string{"u1", "u2"}})
	c := f.block(ledger.EventFirewallBlockUsers, ledger.BlockMetadata{Users: []string{"u2"}, Contents: []string{"c1"}})
	d := f.block(ledger.EventFirewallBlockContentsRoot, ledger.BlockMetadata{Contents: []string{"c1"}})
	f.block(ledger.EventFirewallBlockUsers, ledger.BlockMetadata{Users: []string{"u3"}})

	want := []string{a.ID, b.ID, c.ID, d.ID}
	for _, seed := range want {
		closure, err := FindClosure(f.ctx, f.store, seed)
		require.NoError(t, err)
		assert.Equal(t, want, ids(closure), "seed %s", seed)
	}
}

func TestFindClosure_IgnoresActivityEvents(t *testing.T) {
	f := newFixture(t)
	seed := f.block(ledger.EventFirewallBlockUsers, ledger.BlockMetadata{Users: []string{"u1"}})
	_, err := f.store.CreateEvent(f.ctx, ledger.Event{
		Type:     ledger.EventCreateUser,
		Metadata: ledger.UserMetadata{ID: "u1", Username: "x"},
	})
	require.NoError(t, err)

	closure, err := FindClosure(f.ctx, f.store, seed.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{seed.ID}, ids(closure))
}

func TestFindClosure_NotFoundForMissingOrNonFirewallSeed(t *testing.T) {
	f := newFixture(t)
	activity, err := f.store.CreateEvent(f.ctx, ledger.Event{
		Type:     ledger.EventCreateUser,
		Metadata: ledger.UserMetadata{ID: "u1"},
	})
	require.NoError(t, err)

	_, errMissing := FindClosure(f.ctx, f.store, uuid.NewString())
	_, errWrongType := FindClosure(f.ctx, f.store, activity.ID)

	for _, err := range []error{errMissing, errWrongType} {
		var nf *ledger.NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "event", nf.Resource)
	}
}

func TestFindByEventID_BackfillsContentOwners(t *testing.T) {
	// GIVEN: a content block naming only the content
	// WHEN: inspecting it
	// THEN: the owner is part of the affected users

	f := newFixture(t)
	owner := f.user(ledger.FeatureCreateSession)
	c := f.content(owner, ledger.StatusPublished)
	seed := f.block(ledger.EventFirewallBlockContentsRoot, ledger.BlockMetadata{Contents: []string{c.ID}})

	result, err := NewInspector(f.store).FindByEventID(f.ctx, seed.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{seed.ID}, ids(result.Events))
	require.Len(t, result.Affected.Contents, 1)
	assert.Equal(t, c.ID, result.Affected.Contents[0].ID)
	assert.Equal(t, []string{owner.ID}, userIDs(result.Affected.Users))
}

// =============================================================================
// REVIEW LOOKUP TABLE
// =============================================================================

func TestReviewTypeFor_CoversEveryBlockType(t *testing.T) {
	for _, action := range []Action{ActionConfirm, ActionUndo} {
		for _, blockType := range ledger.FirewallEventTypes {
			reviewType, err := ReviewTypeFor(action, blockType)
			require.NoError(t, err, "%s/%s", action, blockType)
			assert.True(t, reviewType.IsReview())

			// Every review type has a handler.
			_, err = handleReview(context.Background(), newTestStore(t), ledger.Event{
				Type:     reviewType,
				Metadata: ledger.ReviewMetadata{Action: string(action)},
			})
			assert.NoError(t, err, "%s has no handler", reviewType)
		}
	}

	_, err := ReviewTypeFor(ActionConfirm, ledger.EventCreateUser)
	assert.Error(t, err)
	assert.False(t, ledger.IsValidation(err), "unmapped combinations are internal errors")
}

// =============================================================================
// REVIEWER
// =============================================================================

func TestReviewEvent_RejectsUnknownAction(t *testing.T) {
	f := newFixture(t)
	seed := f.block(ledger.EventFirewallBlockUsers, ledger.BlockMetadata{Users: []string{"u1"}})

	_, err := f.reviewer().ReviewEvent(f.ctx, ReviewInput{Action: "ban", EventID: seed.ID})
	assert.True(t, ledger.IsValidation(err))
	assert.False(t, ledger.IsAlreadyReviewed(err))
}

func TestReviewEvent_ConfirmUsersOnlyOnce(t *testing.T) {
	// GIVEN: two linked user blocks
	// WHEN: confirming from the first, then again from the second
	// THEN: users are nuked once, the second review is rejected as already reviewed

	f := newFixture(t)
	alice := f.user(ledger.FeatureCreateContent, ledger.FeatureReadSession)
	bob := f.user(ledger.FeatureCreateContent)
	first := f.block(ledger.EventFirewallBlockUsers, ledger.BlockMetadata{Users: []string{alice.ID}})
	second := f.block(ledger.EventFirewallBlockUsers, ledger.BlockMetadata{Users: []string{alice.ID, bob.ID}})
	moderator := f.user(ledger.FeatureReviewFirewall)

	result, err := f.reviewer().ReviewEvent(f.ctx, ReviewInput{
		Action:           ActionConfirm,
		EventID:          first.ID,
		OriginatorUserID: moderator.ID,
		OriginatorIP:     "127.0.0.1",
	})
	require.NoError(t, err)

	require.Len(t, result.Events, 3)
	review := result.Events[2]
	assert.Equal(t, ledger.EventModerationBlockUsers, review.Type)
	meta := review.Metadata.(ledger.ReviewMetadata)
	assert.Equal(t, []string{first.ID, second.ID}, meta.RelatedEvents)
	assert.ElementsMatch(t, []string{alice.ID, bob.ID}, meta.Users)
	assert.Equal(t, "confirm", meta.Action)

	for _, id := range []string{alice.ID, bob.ID} {
		u, err := f.store.FindUserByID(f.ctx, id, ledger.UserQuery{})
		require.NoError(t, err)
		assert.Equal(t, []string{ledger.FeatureNuked}, u.Features)
	}
	stored, err := f.store.FindUserByID(f.ctx, alice.ID, ledger.UserQuery{})
	require.NoError(t, err)
	assert.True(t, alice.UpdatedAt.Equal(stored.UpdatedAt), "updated_at must not move")

	_, err = f.reviewer().ReviewEvent(f.ctx, ReviewInput{Action: ActionUndo, EventID: second.ID})
	require.Error(t, err)
	assert.True(t, ledger.IsAlreadyReviewed(err))

	reviews, err := f.store.FindEventsBySubjects(f.ctx, ledger.ReviewEventTypes, []string{alice.ID}, nil)
	require.NoError(t, err)
	assert.Len(t, reviews, 1)
}

func TestReviewEvent_SeedMustBeFirewallEvent(t *testing.T) {
	f := newFixture(t)
	seed := f.block(ledger.EventFirewallBlockUsers, ledger.BlockMetadata{Users: []string{"u1"}})
	result, err := f.reviewer().ReviewEvent(f.ctx, ReviewInput{Action: ActionConfirm, EventID: seed.ID})
	require.NoError(t, err)

	// The review event itself is not a valid seed.
	_, err = f.reviewer().ReviewEvent(f.ctx, ReviewInput{Action: ActionConfirm, EventID: result.Events[1].ID})
	assert.True(t, ledger.IsNotFound(err))
}

func TestReviewEvent_UnblockUsersPartitionsByCurrentFeatures(t *testing.T) {
	// GIVEN: an inactive user (no features) and an active one (can still create content)
	// WHEN: undoing the block
	// THEN: the inactive user may only request activation, the active one gets sessions back

	f := newFixture(t)
	inactive := f.user()
	nuked := f.user(ledger.FeatureNuked)
	active := f.user(ledger.FeatureCreateContent)
	seed := f.block(ledger.EventFirewallBlockUsers, ledger.BlockMetadata{Users: []string{inactive.ID, nuked.ID, active.ID}})

	result, err := f.reviewer().ReviewEvent(f.ctx, ReviewInput{Action: ActionUndo, EventID: seed.ID})
	require.NoError(t, err)
	assert.Equal(t, ledger.EventModerationUnblockUsers, result.Events[len(result.Events)-1].Type)
	assert.Len(t, result.Affected.Users, 3)

	for _, id := range []string{inactive.ID, nuked.ID} {
		u, err := f.store.FindUserByID(f.ctx, id, ledger.UserQuery{})
		require.NoError(t, err)
		assert.Equal(t, []string{ledger.FeatureReadActivation}, u.Features)
	}
	u, err := f.store.FindUserByID(f.ctx, active.ID, ledger.UserQuery{})
	require.NoError(t, err)
	assert.Equal(t, []string{ledger.FeatureCreateContent, ledger.FeatureCreateSession, ledger.FeatureReadSession}, u.Features)
}

func TestReviewEvent_ConfirmContentsReturnsOwnersOnce(t *testing.T) {
	f := newFixture(t)
	owner := f.user(ledger.FeatureCreateContent)
	c1 := f.content(owner, ledger.StatusFirewall)
	c2 := f.content(owner, ledger.StatusFirewall)
	seed := f.block(ledger.EventFirewallBlockContentsChild, ledger.BlockMetadata{Contents: []string{c1.ID, c2.ID}})

	result, err := f.reviewer().ReviewEvent(f.ctx, ReviewInput{Action: ActionConfirm, EventID: seed.ID})
	require.NoError(t, err)

	assert.Equal(t, ledger.EventModerationBlockContentsChild, result.Events[1].Type)
	assert.Equal(t, []string{owner.ID}, userIDs(result.Affected.Users))
	require.Len(t, result.Affected.Contents, 2)
	for _, c := range result.Affected.Contents {
		assert.Equal(t, ledger.StatusFirewall, c.Status)
	}
}

func TestReviewEvent_UnblockContentsReversesEveryBlockEntry(t *testing.T) {
	// GIVEN: 3 published contents whose creation credited content tabcoins,
	//        blocked by the guard (3 reversals)
	// WHEN: undoing the block
	// THEN: exactly 3 new inverse entries, originals untouched, balances restored

	f := newFixture(t)
	owner := f.user(ledger.FeatureCreateContent)
	ip := "203.0.113.7"
	bal := ledger.NewBalance(f.store)

	var contents []ledger.Content
	for i := 0; i < 3; i++ {
		c := f.content(owner, ledger.StatusPublished)
		created, err := f.store.CreateEvent(f.ctx, ledger.Event{
			Type:             ledger.EventCreateContentRoot,
			OriginatorUserID: owner.ID,
			OriginatorIP:     ip,
			Metadata:         ledger.ContentMetadata{ID: c.ID, OwnerID: owner.ID},
		})
		require.NoError(t, err)
		_, err = bal.Create(f.ctx, ledger.BalanceContentTabcoin, c.ID, int64(i+1), created.ID)
		require.NoError(t, err)
		contents = append(contents, c)
	}

	guard := NewGuard(f.store, []Rule{{
		ID: RuleCreateContentRoot, Limit: 3, Window: time.Hour,
		Watched: ledger.EventCreateContentRoot, Block: ledger.EventFirewallBlockContentsRoot,
	}}, nil)
	err := guard.Inspect(f.ctx, RuleCreateContentRoot, ip)
	var fwErr *ledger.FirewallError
	require.ErrorAs(t, err, &fwErr)
	require.NotEmpty(t, fwErr.EventID)

	blockReversals, err := bal.FindAllByOriginatorID(f.ctx, fwErr.EventID)
	require.NoError(t, err)
	require.Len(t, blockReversals, 3)
	for _, c := range contents {
		got, err := bal.Current(f.ctx, ledger.BalanceContentTabcoin, c.ID)
		require.NoError(t, err)
		assert.Zero(t, got)
	}

	result, err := f.reviewer().ReviewEvent(f.ctx, ReviewInput{Action: ActionUndo, EventID: fwErr.EventID})
	require.NoError(t, err)
	review := result.Events[len(result.Events)-1]
	assert.Equal(t, ledger.EventModerationUnblockContentsRoot, review.Type)

	inverses, err := bal.FindAllByOriginatorID(f.ctx, review.ID)
	require.NoError(t, err)
	require.Len(t, inverses, 3)
	undone := map[string]bool{}
	for _, inv := range inverses {
		assert.Equal(t, ledger.OriginatorUndo, inv.OriginatorType)
		undone[inv.UndoOf] = true
	}
	for _, r := range blockReversals {
		assert.True(t, undone[r.ID], "reversal %s was not undone", r.ID)
		still, err := f.store.FindBalanceEntryByID(f.ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, r.Amount, still.Amount)
	}

	for i, c := range contents {
		got, err := bal.Current(f.ctx, ledger.BalanceContentTabcoin, c.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), got)

		reloaded, err := f.store.FindContentByID(f.ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusPublished, reloaded.Status)

		history, err := f.store.FindBalanceEntriesByRecipient(f.ctx, ledger.BalanceContentTabcoin, c.ID)
		require.NoError(t, err)
		assert.Len(t, history, 3, "create, block reversal, unblock reversal")
	}
	assert.Equal(t, []string{owner.ID}, userIDs(result.Affected.Users))
}

// =============================================================================
// GUARD
// =============================================================================

func TestGuard_BlocksUsersAtLimit(t *testing.T) {
	// GIVEN: a limit of 2 user creations per IP
	// WHEN: inspecting before the 1st, 2nd and 3rd registration, then again
	// THEN: the 3rd is refused and both earlier users are blocked once

	f := newFixture(t)
	ip := "198.51.100.1"
	guard := NewGuard(f.store, DefaultRules(), nil)

	register := func() ledger.User {
		require.NoError(t, guard.Inspect(f.ctx, RuleCreateUser, ip))
		u := f.user(ledger.FeatureReadActivation)
		_, err := f.store.CreateEvent(f.ctx, ledger.Event{
			Type: ledger.EventCreateUser, OriginatorIP: ip,
			Metadata: ledger.UserMetadata{ID: u.ID, Username: u.Username},
		})
		require.NoError(t, err)
		return u
	}
	a, b := register(), register()

	err := guard.Inspect(f.ctx, RuleCreateUser, ip)
	var fwErr *ledger.FirewallError
	require.ErrorAs(t, err, &fwErr)
	assert.Equal(t, RuleCreateUser, fwErr.Rule)

	block, err := f.store.FindEventByID(f.ctx, fwErr.EventID)
	require.NoError(t, err)
	meta := block.Metadata.(ledger.BlockMetadata)
	assert.Equal(t, []string{a.ID, b.ID}, meta.Users)
	assert.Len(t, meta.RelatedEvents, 2)
	assert.Equal(t, RuleCreateUser, meta.FromRule)

	for _, id := range []string{a.ID, b.ID} {
		u, err := f.store.FindUserByID(f.ctx, id, ledger.UserQuery{})
		require.NoError(t, err)
		assert.Empty(t, u.Features)
	}

	// Still refused, but the same users are not blocked twice: the error
	// names the block that already covers them.
	err = guard.Inspect(f.ctx, RuleCreateUser, ip)
	require.ErrorAs(t, err, &fwErr)
	assert.Equal(t, block.ID, fwErr.EventID)
	blocks, err := f.store.FindEventsBySubjects(f.ctx, []ledger.EventType{ledger.EventFirewallBlockUsers}, []string{a.ID, b.ID}, nil)
	require.NoError(t, err)
	assert.Len(t, blocks, 1)

	// Other IPs are unaffected.
	assert.NoError(t, guard.Inspect(f.ctx, RuleCreateUser, "198.51.100.2"))
}

func TestGuard_UndoneBlockNoLongerCovers(t *testing.T) {
	// GIVEN: two users from one IP blocked by the guard
	// WHEN: a moderator undoes the block and the IP keeps registering
	// THEN: the same users are blocked again by a new block event

	f := newFixture(t)
	ip := "198.51.100.7"
	guard := NewGuard(f.store, DefaultRules(), nil)

	var users []ledger.User
	for i := 0; i < 2; i++ {
		require.NoError(t, guard.Inspect(f.ctx, RuleCreateUser, ip))
		u := f.user(ledger.FeatureReadActivation)
		_, err := f.store.CreateEvent(f.ctx, ledger.Event{
			Type: ledger.EventCreateUser, OriginatorIP: ip,
			Metadata: ledger.UserMetadata{ID: u.ID, Username: u.Username},
		})
		require.NoError(t, err)
		users = append(users, u)
	}

	var first *ledger.FirewallError
	require.ErrorAs(t, guard.Inspect(f.ctx, RuleCreateUser, ip), &first)
	require.NotEmpty(t, first.EventID)

	_, err := NewReviewer(f.store, nil).ReviewEvent(f.ctx, ReviewInput{Action: ActionUndo, EventID: first.EventID})
	require.NoError(t, err)

	var second *ledger.FirewallError
	require.ErrorAs(t, guard.Inspect(f.ctx, RuleCreateUser, ip), &second)
	require.NotEmpty(t, second.EventID)
	assert.NotEqual(t, first.EventID, second.EventID)

	block, err := f.store.FindEventByID(f.ctx, second.EventID)
	require.NoError(t, err)
	assert.ElementsMatch(t, userIDs(users), block.Metadata.(ledger.BlockMetadata).Users)
	for _, u := range users {
		got, err := f.store.FindUserByID(f.ctx, u.ID, ledger.UserQuery{})
		require.NoError(t, err)
		assert.NotContains(t, got.Features, ledger.FeatureReadSession)
		assert.NotContains(t, got.Features, ledger.FeatureCreateSession)
	}
}

func TestGuard_NilOrUnknownRuleNeverBlocks(t *testing.T) {
	var g *Guard
	assert.NoError(t, g.Inspect(context.Background(), RuleCreateUser, "1.1.1.1"))

	f := newFixture(t)
	assert.NoError(t, NewGuard(f.store, nil, nil).Inspect(f.ctx, "unknown", "1.1.1.1"))
}
