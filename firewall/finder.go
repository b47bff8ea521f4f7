/*
Package firewall groups block events into moderation closures and applies
review decisions to them.

PURPOSE:
  The firewall Guard writes block events when a per-IP rule fires. Block
  events that share a user or content id belong together: a moderator
  reviews the whole group at once, exactly once.

KEY CONCEPTS:
  - Closure: every firewall/review event transitively linked to a seed
    block event through shared ids in metadata (finder.go)
  - Affected: the user and content records behind a closure, with content
    owners back-filled (finder.go)
  - Review: confirm or undo a closure in one transaction (review.go,
    handlers.go)

CLOSURE ALGORITHM:
  Frontier loop in application code, one query per round:

    users, contents := seed subjects
    loop:
        found := events of graph types mentioning any new id
        add unseen events, merge their ids into the frontier
        stop when a round adds no event

  Terminates because ids and events are finite. Result is ordered by
  created_at, then id.

SEE ALSO:
  - ledger/event.go: event types and metadata
  - guard.go: where block events come from
*/
package firewall

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/warp/tabcoin-engine/ledger"
)

// Affected lists the records a closure refers to.
type Affected struct {
	Users    []ledger.User
	Contents []ledger.Content
}

// Result is returned by inspection and review.
type Result struct {
	Affected Affected
	Events   []ledger.Event
}

// FindClosure returns the moderation closure of the block event seedID.
// Events that are missing or not firewall blocks are reported as
// NotFoundError, indistinguishable from each other.
func FindClosure(ctx context.Context, repo ledger.EventRepo, seedID string) ([]ledger.Event, error) {
	seed, err := repo.FindEventByID(ctx, seedID)
	if err != nil {
		return nil, fmt.Errorf("failed to load seed event: %w", err)
	}
	if seed == nil || !seed.Type.IsFirewall() {
		return nil, &ledger.NotFoundError{Resource: "event", ID: seedID}
	}

	members := map[string]ledger.Event{seed.ID: *seed}
	seedUsers, seedContents := seed.Subjects()
	users := ledger.NewIDSet(seedUsers...)
	contents := ledger.NewIDSet(seedContents...)

	frontierUsers, frontierContents := users.List(), contents.List()
	for len(frontierUsers) > 0 || len(frontierContents) > 0 {
		found, err := repo.FindEventsBySubjects(ctx, ledger.ModerationGraphTypes, frontierUsers, frontierContents)
		if err != nil {
			return nil, fmt.Errorf("failed to expand closure: %w", err)
		}

		frontierUsers, frontierContents = nil, nil
		for _, e := range found {
			if _, ok := members[e.ID]; ok {
				continue
			}
			members[e.ID] = e
			u, c := e.Subjects()
			for _, id := range u {
				if users.Add(id) {
					frontierUsers = append(frontierUsers, id)
				}
			}
			for _, id := range c {
				if contents.Add(id) {
					frontierContents = append(frontierContents, id)
				}
			}
		}
	}

	closure := make([]ledger.Event, 0, len(members))
	for _, e := range members {
		closure = append(closure, e)
	}
	sortEvents(closure)
	return closure, nil
}

// AggregateSubjects returns the union of user and content ids named by events.
func AggregateSubjects(events []ledger.Event) (users, contents []string) {
	u, c := ledger.NewIDSet(), ledger.NewIDSet()
	for _, e := range events {
		eu, ec := e.Subjects()
		u.Add(eu...)
		c.Add(ec...)
	}
	return u.List(), c.List()
}

// ResolveAffected loads the users and contents named by the closure and adds
// the owner of every content to the users.
func ResolveAffected(ctx context.Context, repo ledger.Repo, events []ledger.Event) (Affected, error) {
	userIDs, contentIDs := AggregateSubjects(events)

	var (
		affected Affected
		named    []ledger.User
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		contents, err := repo.FindContentsByIDs(gctx, contentIDs)
		affected.Contents = contents
		return err
	})
	g.Go(func() error {
		users, err := repo.FindUsersByIDs(gctx, userIDs, ledger.UserQuery{})
		named = users
		return err
	})
	if err := g.Wait(); err != nil {
		return Affected{}, fmt.Errorf("failed to resolve affected data: %w", err)
	}

	known := ledger.NewIDSet(userIDs...)
	var owners []string
	for _, c := range affected.Contents {
		if known.Add(c.OwnerID) {
			owners = append(owners, c.OwnerID)
		}
	}
	affected.Users = named
	if len(owners) > 0 {
		extra, err := repo.FindUsersByIDs(ctx, owners, ledger.UserQuery{})
		if err != nil {
			return Affected{}, fmt.Errorf("failed to resolve content owners: %w", err)
		}
		affected.Users = append(affected.Users, extra...)
	}
	return affected, nil
}

// Inspector answers read-only questions about block events.
type Inspector struct {
	store ledger.Store
}

func NewInspector(store ledger.Store) *Inspector {
	return &Inspector{store: store}
}

// FindByEventID returns the closure of a block event and the records it affects.
func (i *Inspector) FindByEventID(ctx context.Context, eventID string) (*Result, error) {
	events, err := FindClosure(ctx, i.store, eventID)
	if err != nil {
		return nil, err
	}
	affected, err := ResolveAffected(ctx, i.store, events)
	if err != nil {
		return nil, err
	}
	return &Result{Affected: affected, Events: events}, nil
}

func sortEvents(events []ledger.Event) {
	sort.SliceStable(events, func(a, b int) bool {
		if !events[a].CreatedAt.Equal(events[b].CreatedAt) {
			return events[a].CreatedAt.Before(events[b].CreatedAt)
		}
		return events[a].ID < events[b].ID
	})
}
