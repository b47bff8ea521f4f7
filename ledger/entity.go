package ledger

import (
	"sort"
	"time"
)

// =============================================================================
// USERS
// =============================================================================

// Features are capabilities, checked by the authorization collaborator.
const (
	FeatureNuked          = "nuked"
	FeatureCreateSession  = "create:session"
	FeatureReadSession    = "read:session"
	FeatureReadActivation = "read:activation_token"
	FeatureCreateContent  = "create:content"
	FeatureUpdateContent  = "update:content"
	FeatureReadFirewall   = "read:firewall"
	FeatureReviewFirewall = "review:firewall"
	FeatureUpdateBalance  = "update:balance"
)

// SessionFeatures are restored to active users when a block is undone.
var SessionFeatures = []string{FeatureCreateSession, FeatureReadSession}

// BlockedFeatures are removed from users when the firewall blocks them.
var BlockedFeatures = []string{FeatureCreateSession, FeatureReadSession, FeatureReadActivation}

type User struct {
	ID       string
	Username string
	Features []string

	// Derived from the ledger; only filled when requested with WithBalance.
	Tabcoins int64
	Tabcash  int64

	RewardedAt time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (u User) HasFeature(feature string) bool {
	for _, f := range u.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// IsInactive reports users with no capability left other than the nuke marker.
func (u User) IsInactive() bool {
	for _, f := range u.Features {
		if f != FeatureNuked {
			return false
		}
	}
	return true
}

// MergeFeatures returns the sorted union of a and b.
func MergeFeatures(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, f := range a {
		set[f] = struct{}{}
	}
	for _, f := range b {
		set[f] = struct{}{}
	}
	return sortedKeys(set)
}

// SubtractFeatures returns a without any feature listed in remove.
func SubtractFeatures(a, remove []string) []string {
	drop := make(map[string]struct{}, len(remove))
	for _, f := range remove {
		drop[f] = struct{}{}
	}
	set := make(map[string]struct{}, len(a))
	for _, f := range a {
		if _, ok := drop[f]; !ok {
			set[f] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// =============================================================================
// CONTENTS
// =============================================================================

type ContentStatus string

const (
	StatusDraft     ContentStatus = "draft"
	StatusPublished ContentStatus = "published"
	StatusDeleted   ContentStatus = "deleted"

	// StatusFirewall is the moderation-blocked state.
	StatusFirewall ContentStatus = "firewall"
)

type Content struct {
	ID       string
	OwnerID  string
	ParentID *string // nil for root contents
	Title    string
	Body     string
	Status   ContentStatus

	PublishedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (c Content) IsRoot() bool { return c.ParentID == nil }

// CreationEventType is the event type that records creating c.
func (c Content) CreationEventType() EventType {
	if c.IsRoot() {
		return EventCreateContentRoot
	}
	return EventCreateContentChild
}

// =============================================================================
// ID SETS
// =============================================================================

// IDSet is an insertion-ordered set of identifiers.
type IDSet struct {
	index map[string]struct{}
	order []string
}

func NewIDSet(ids ...string) *IDSet {
	s := &IDSet{index: make(map[string]struct{})}
	s.Add(ids...)
	return s
}

// Add inserts ids and reports whether any of them was new.
func (s *IDSet) Add(ids ...string) bool {
	added := false
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := s.index[id]; ok {
			continue
		}
		s.index[id] = struct{}{}
		s.order = append(s.order, id)
		added = true
	}
	return added
}

func (s *IDSet) Has(id string) bool { _, ok := s.index[id]; return ok }
func (s *IDSet) Len() int           { return len(s.order) }

// List returns the ids in insertion order.
func (s *IDSet) List() []string {
	return append([]string(nil), s.order...)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
