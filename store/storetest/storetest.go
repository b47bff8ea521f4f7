// Package storetest is a conformance suite run against every ledger.Store.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/tabcoin-engine/ledger"
)

// Factory returns an empty (or at least isolated) store.
type Factory func(t *testing.T) ledger.Store

// Run executes the whole suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("Events", func(t *testing.T) { testEvents(t, newStore(t)) })
	t.Run("EventsBySubjects", func(t *testing.T) { testEventsBySubjects(t, newStore(t)) })
	t.Run("EventsByOriginatorIP", func(t *testing.T) { testEventsByIP(t, newStore(t)) })
	t.Run("BalanceSums", func(t *testing.T) { testBalanceSums(t, newStore(t)) })
	t.Run("Users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("Contents", func(t *testing.T) { testContents(t, newStore(t)) })
	t.Run("WithTxRollback", func(t *testing.T) { testRollback(t, newStore(t)) })
}

func testEvents(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	// GIVEN: a block event with subjects
	created, err := s.CreateEvent(ctx, ledger.Event{
		Type:             ledger.EventFirewallBlockUsers,
		OriginatorUserID: "",
		OriginatorIP:     "10.0.0.1",
		Metadata:         ledger.BlockMetadata{FromRule: "create:user", Users: []string{"u1", "u2"}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	// WHEN: reading it back
	got, err := s.FindEventByID(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	// THEN: the metadata variant round-trips
	assert.Equal(t, ledger.EventFirewallBlockUsers, got.Type)
	assert.Equal(t, "10.0.0.1", got.OriginatorIP)
	meta, ok := got.Metadata.(ledger.BlockMetadata)
	require.True(t, ok, "metadata is %T", got.Metadata)
	assert.Equal(t, []string{"u1", "u2"}, meta.Users)
	assert.WithinDuration(t, created.CreatedAt, got.CreatedAt, time.Millisecond)

	missing, err := s.FindEventByID(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = s.CreateEvent(ctx, ledger.Event{Type: "nope"})
	assert.True(t, ledger.IsValidation(err))
}

func testEventsBySubjects(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	userA, userB, content := uuid.NewString(), uuid.NewString(), uuid.NewString()

	first, err := s.CreateEvent(ctx, ledger.Event{
		Type:     ledger.EventFirewallBlockUsers,
		Metadata: ledger.BlockMetadata{Users: []string{userA}},
	})
	require.NoError(t, err)
	second, err := s.CreateEvent(ctx, ledger.Event{
		Type:     ledger.EventFirewallBlockContentsRoot,
		Metadata: ledger.BlockMetadata{Contents: []string{content}},
	})
	require.NoError(t, err)
	// Not a graph type, must be ignored.
	_, err = s.CreateEvent(ctx, ledger.Event{
		Type:     ledger.EventCreateUser,
		Metadata: ledger.UserMetadata{ID: userA, Username: "a"},
	})
	require.NoError(t, err)

	events, err := s.FindEventsBySubjects(ctx, ledger.ModerationGraphTypes, []string{userA, userB}, []string{content})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, first.ID, events[0].ID)
	assert.Equal(t, second.ID, events[1].ID)

	events, err = s.FindEventsBySubjects(ctx, ledger.ModerationGraphTypes, []string{userB}, nil)
	require.NoError(t, err)
	assert.Empty(t, events)

	events, err = s.FindEventsBySubjects(ctx, ledger.ModerationGraphTypes, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func testEventsByIP(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	ip := "192.0.2." + uuid.NewString()[:3]
	now := time.Now()

	_, err := s.CreateEvent(ctx, ledger.Event{
		Type: ledger.EventCreateUser, OriginatorIP: ip, CreatedAt: now.Add(-2 * time.Hour),
		Metadata: ledger.UserMetadata{ID: "old"},
	})
	require.NoError(t, err)
	recent, err := s.CreateEvent(ctx, ledger.Event{
		Type: ledger.EventCreateUser, OriginatorIP: ip, CreatedAt: now.Add(-time.Minute),
		Metadata: ledger.UserMetadata{ID: "new"},
	})
	require.NoError(t, err)

	events, err := s.FindEventsByOriginatorIP(ctx, ledger.EventCreateUser, ip, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, recent.ID, events[0].ID)
}

func testBalanceSums(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	bal := ledger.NewBalance(s)
	recipient, other := uuid.NewString(), uuid.NewString()
	origin := uuid.NewString()

	// GIVEN: +5, +3 and the reversal of +3
	_, err := bal.Create(ctx, ledger.BalanceUserTabcoin, recipient, 5, origin)
	require.NoError(t, err)
	three, err := bal.Create(ctx, ledger.BalanceUserTabcoin, recipient, 3, origin)
	require.NoError(t, err)
	undo := uuid.NewString()
	inverse, err := bal.Undo(ctx, three, undo)
	require.NoError(t, err)

	// THEN: the sum is 5 and history keeps all three entries
	current, err := bal.Current(ctx, ledger.BalanceUserTabcoin, recipient)
	require.NoError(t, err)
	assert.Equal(t, int64(5), current)

	entries, err := s.FindBalanceEntriesByRecipient(ctx, ledger.BalanceUserTabcoin, recipient)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	assert.Equal(t, ledger.OriginatorUndo, inverse.OriginatorType)
	assert.Equal(t, three.ID, inverse.UndoOf)
	assert.Equal(t, int64(-3), inverse.Amount)

	byUndo, err := bal.FindAllByOriginatorID(ctx, undo)
	require.NoError(t, err)
	require.Len(t, byUndo, 1)
	assert.Equal(t, inverse.ID, byUndo[0].ID)

	sums, err := s.SumBalances(ctx, ledger.BalanceUserTabcoin, []string{recipient, other})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{recipient: 5, other: 0}, sums)

	found, err := s.FindBalanceEntryByID(ctx, three.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, int64(3), found.Amount)
}

func testUsers(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	name := "user_" + uuid.NewString()[:8]

	u, err := s.CreateUser(ctx, ledger.User{Username: name, Features: []string{ledger.FeatureReadSession, ledger.FeatureCreateSession}})
	require.NoError(t, err)

	_, err = s.CreateUser(ctx, ledger.User{Username: name})
	var verr *ledger.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "username", verr.Key)

	// WHEN: replacing features without touching updated_at
	updated, err := s.AddFeatures(ctx, []string{u.ID}, []string{ledger.FeatureNuked}, ledger.UserQuery{Replace: true, IgnoreUpdatedAt: true})
	require.NoError(t, err)
	require.Len(t, updated, 1)
	assert.Equal(t, []string{ledger.FeatureNuked}, updated[0].Features)

	got, err := s.FindUserByID(ctx, u.ID, ledger.UserQuery{})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{ledger.FeatureNuked}, got.Features)
	assert.WithinDuration(t, u.UpdatedAt, got.UpdatedAt, time.Millisecond)

	// WHEN: merging and removing
	_, err = s.AddFeatures(ctx, []string{u.ID}, ledger.SessionFeatures, ledger.UserQuery{})
	require.NoError(t, err)
	removed, err := s.RemoveFeatures(ctx, []string{u.ID}, []string{ledger.FeatureNuked}, ledger.UserQuery{})
	require.NoError(t, err)
	assert.Equal(t, []string{ledger.FeatureCreateSession, ledger.FeatureReadSession}, removed[0].Features)

	// Balances are filled on request.
	_, err = ledger.NewBalance(s).Create(ctx, ledger.BalanceUserTabcash, u.ID, 7, uuid.NewString())
	require.NoError(t, err)
	withBalance, err := s.FindUserByID(ctx, u.ID, ledger.UserQuery{WithBalance: true})
	require.NoError(t, err)
	assert.Equal(t, int64(7), withBalance.Tabcash)
	assert.Equal(t, int64(0), withBalance.Tabcoins)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateRewardedAt(ctx, u.ID, at))
	got, err = s.FindUserByID(ctx, u.ID, ledger.UserQuery{})
	require.NoError(t, err)
	assert.True(t, at.Equal(got.RewardedAt))

	assert.True(t, ledger.IsNotFound(s.UpdateRewardedAt(ctx, uuid.NewString(), at)))
}

func testContents(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	owner, err := s.CreateUser(ctx, ledger.User{Username: "owner_" + uuid.NewString()[:8]})
	require.NoError(t, err)

	now := time.Now().UTC()
	var ids []string
	for i := 0; i < 3; i++ {
		published := now.Add(time.Duration(-3+i) * time.Hour)
		c, err := s.CreateContent(ctx, ledger.Content{
			OwnerID: owner.ID, Title: "root", Status: ledger.StatusPublished, PublishedAt: &published,
		})
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}
	parent := ids[0]
	_, err = s.CreateContent(ctx, ledger.Content{OwnerID: owner.ID, ParentID: &parent, Status: ledger.StatusPublished})
	require.NoError(t, err)
	_, err = s.CreateContent(ctx, ledger.Content{OwnerID: owner.ID, Status: ledger.StatusDraft})
	require.NoError(t, err)

	// THEN: newest root contents first, children and drafts excluded
	recent, err := s.FindRecentContents(ctx, ledger.ContentQuery{OwnerID: owner.ID, IsRoot: true, Before: now, Limit: 2})
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, ids[2], recent[0].ID)
	assert.Equal(t, ids[1], recent[1].ID)

	children, err := s.FindRecentContents(ctx, ledger.ContentQuery{OwnerID: owner.ID, IsRoot: false, Before: now.Add(time.Minute), Limit: 10})
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.False(t, children[0].IsRoot())

	blocked, err := s.UpdateContentsStatus(ctx, ids[:2], ledger.StatusFirewall)
	require.NoError(t, err)
	require.Len(t, blocked, 2)
	for _, c := range blocked {
		assert.Equal(t, ledger.StatusFirewall, c.Status)
		assert.NotNil(t, c.PublishedAt)
	}

	recent, err = s.FindRecentContents(ctx, ledger.ContentQuery{OwnerID: owner.ID, IsRoot: true, Before: now, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func testRollback(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	recipient := uuid.NewString()
	boom := errors.New("boom")

	// WHEN: fn fails after writing
	err := s.WithTx(ctx, func(tx ledger.Repo) error {
		if _, err := ledger.NewBalance(tx).Create(ctx, ledger.BalanceContentTabcoin, recipient, 10, uuid.NewString()); err != nil {
			return err
		}
		return boom
	})

	// THEN: the error is returned unchanged and nothing was written
	assert.ErrorIs(t, err, boom)
	sum, err := s.SumBalance(ctx, ledger.BalanceContentTabcoin, recipient)
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum)

	// A successful transaction commits.
	err = s.WithTx(ctx, func(tx ledger.Repo) error {
		_, err := ledger.NewBalance(tx).Create(ctx, ledger.BalanceContentTabcoin, recipient, 10, uuid.NewString())
		return err
	})
	require.NoError(t, err)
	sum, err = s.SumBalance(ctx, ledger.BalanceContentTabcoin, recipient)
	require.NoError(t, err)
	assert.Equal(t, int64(10), sum)
}
