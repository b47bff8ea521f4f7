/*
Package ledger provides the core model of the tabcoin engine.

PURPOSE:
  Every state-changing action on the platform is recorded as an immutable
  Event. Balances are never stored: they are the sum of append-only
  BalanceEntry rows keyed by (BalanceType, RecipientID). Moderation, rewards
  and prestige all read from these two logs.

KEY CONCEPTS IN THIS FILE (event.go):
  - EventType: closed enumeration of every event the engine writes
  - Event: common envelope {id, type, originator, created_at}
  - Metadata: sealed payload union, one variant per event category

DESIGN PRINCIPLES:
  1. Immutability: events are never updated or deleted, corrections are new events
  2. Single discriminator: the persisted `type` selects the metadata variant
  3. Subjects live in metadata: block and review events carry the users and
     contents they affect, nothing else is needed to compute moderation closures

SEE ALSO:
  - balance.go: ledger entries and the balance primitives
  - store.go: persistence contract
  - errors.go: error taxonomy
*/
package ledger

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// =============================================================================
// EVENT TYPES
// =============================================================================

type EventType string

const (
	// Firewall block events. These are the seeds of moderation closures.
	EventFirewallBlockUsers         EventType = "firewall:block_users"
	EventFirewallBlockContentsRoot  EventType = "firewall:block_contents:text_root"
	EventFirewallBlockContentsChild EventType = "firewall:block_contents:text_child"

	// Review events written by the moderation reviewer.
	EventModerationBlockUsers           EventType = "moderation:block_users"
	EventModerationBlockContentsRoot    EventType = "moderation:block_contents:text_root"
	EventModerationBlockContentsChild   EventType = "moderation:block_contents:text_child"
	EventModerationUnblockUsers         EventType = "moderation:unblock_users"
	EventModerationUnblockContentsRoot  EventType = "moderation:unblock_contents:text_root"
	EventModerationUnblockContentsChild EventType = "moderation:unblock_contents:text_child"

	// Activity events.
	EventCreateUser         EventType = "create:user"
	EventCreateContentRoot  EventType = "create:content:text_root"
	EventCreateContentChild EventType = "create:content:text_child"
	EventUpdateTabcoins     EventType = "update:content:tabcoins"
	EventRewardUser         EventType = "reward:user:tabcoins"

	// EventUpdateBalance records a manual ledger entry or reversal.
	EventUpdateBalance EventType = "update:balance"
)

// FirewallEventTypes lists the block event types, in a stable order.
var FirewallEventTypes = []EventType{
	EventFirewallBlockUsers,
	EventFirewallBlockContentsRoot,
	EventFirewallBlockContentsChild,
}

// ReviewEventTypes lists the event types the reviewer can write.
var ReviewEventTypes = []EventType{
	EventModerationBlockUsers,
	EventModerationBlockContentsRoot,
	EventModerationBlockContentsChild,
	EventModerationUnblockUsers,
	EventModerationUnblockContentsRoot,
	EventModerationUnblockContentsChild,
}

// ModerationGraphTypes are the event types that take part in moderation
// closures: block events and the reviews written for them.
var ModerationGraphTypes = append(append([]EventType{}, FirewallEventTypes...), ReviewEventTypes...)

func (t EventType) IsFirewall() bool { return strings.HasPrefix(string(t), "firewall:") }
func (t EventType) IsReview() bool   { return strings.HasPrefix(string(t), "moderation:") }

// IsContentCreation reports whether t records the creation of a root or child content.
func (t EventType) IsContentCreation() bool {
	return t == EventCreateContentRoot || t == EventCreateContentChild
}

func (t EventType) valid() bool {
	switch t {
	case EventFirewallBlockUsers, EventFirewallBlockContentsRoot, EventFirewallBlockContentsChild,
		EventModerationBlockUsers, EventModerationBlockContentsRoot, EventModerationBlockContentsChild,
		EventModerationUnblockUsers, EventModerationUnblockContentsRoot, EventModerationUnblockContentsChild,
		EventCreateUser, EventCreateContentRoot, EventCreateContentChild,
		EventUpdateTabcoins, EventRewardUser, EventUpdateBalance:
		return true
	}
	return false
}

// =============================================================================
// EVENT ENVELOPE
// =============================================================================

// Event is an immutable record of one state-changing action.
type Event struct {
	ID               string
	Type             EventType
	OriginatorUserID string
	OriginatorIP     string
	Metadata         Metadata
	CreatedAt        time.Time
}

// Subjects returns the user and content ids the event's metadata names.
// Only block and review events carry subjects.
func (e Event) Subjects() (users, contents []string) {
	if s, ok := e.Metadata.(subjectCarrier); ok {
		return s.subjectUsers(), s.subjectContents()
	}
	return nil, nil
}

// RelatedEvents returns the related_events list of block and review events.
func (e Event) RelatedEvents() []string {
	switch m := e.Metadata.(type) {
	case BlockMetadata:
		return m.RelatedEvents
	case ReviewMetadata:
		return m.RelatedEvents
	}
	return nil
}

// Validate checks the envelope and that the metadata variant matches the type.
func (e Event) Validate() error {
	if !e.Type.valid() {
		return &ValidationError{Key: "type", Message: fmt.Sprintf("unknown event type %q", e.Type)}
	}
	if e.Metadata == nil {
		return nil
	}
	want, err := newMetadata(e.Type)
	if err != nil {
		return err
	}
	if reflect.TypeOf(want) != reflect.TypeOf(e.Metadata) {
		return &ValidationError{
			Key:     "metadata",
			Message: fmt.Sprintf("event %q cannot carry %T metadata", e.Type, e.Metadata),
		}
	}
	return nil
}

// =============================================================================
// METADATA VARIANTS
// =============================================================================

// Metadata is the payload of an event. The set of variants is closed.
type Metadata interface {
	isMetadata()
}

type subjectCarrier interface {
	subjectUsers() []string
	subjectContents() []string
}

// BlockMetadata is written by the firewall when a rule blocks users or contents.
type BlockMetadata struct {
	FromRule      string   `json:"from_rule"`
	Users         []string `json:"users,omitempty"`
	Contents      []string `json:"contents,omitempty"`
	RelatedEvents []string `json:"related_events,omitempty"`
}

// ReviewMetadata references the full closure under review and the
// aggregated subjects of every event in it.
type ReviewMetadata struct {
	Action        string   `json:"action"`
	Users         []string `json:"users,omitempty"`
	Contents      []string `json:"contents,omitempty"`
	RelatedEvents []string `json:"related_events"`
}

type RewardMetadata struct {
	Amount     int64  `json:"amount"`
	RewardType string `json:"reward_type"`
}

type UserMetadata struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type ContentMetadata struct {
	ID       string `json:"id"`
	OwnerID  string `json:"owner_id"`
	ParentID string `json:"parent_id,omitempty"`
}

// VoteMetadata records a tabcoin transfer on a content.
type VoteMetadata struct {
	ContentID       string `json:"content_id"`
	ContentOwnerID  string `json:"content_owner_id"`
	TransactionType string `json:"transaction_type"`
	Amount          int64  `json:"amount"`
}

// BalanceMetadata records a manual ledger write. UndoOf is set when the
// entry reverses an earlier one.
type BalanceMetadata struct {
	BalanceType string `json:"balance_type"`
	RecipientID string `json:"recipient_id"`
	Amount      int64  `json:"amount"`
	UndoOf      string `json:"undo_of,omitempty"`
}

func (BlockMetadata) isMetadata()   {}
func (ReviewMetadata) isMetadata()  {}
func (RewardMetadata) isMetadata()  {}
func (UserMetadata) isMetadata()    {}
func (ContentMetadata) isMetadata() {}
func (VoteMetadata) isMetadata()    {}
func (BalanceMetadata) isMetadata() {}

func (m BlockMetadata) subjectUsers() []string     { return m.Users }
func (m BlockMetadata) subjectContents() []string  { return m.Contents }
func (m ReviewMetadata) subjectUsers() []string    { return m.Users }
func (m ReviewMetadata) subjectContents() []string { return m.Contents }

func newMetadata(t EventType) (Metadata, error) {
	switch {
	case t.IsFirewall():
		return BlockMetadata{}, nil
	case t.IsReview():
		return ReviewMetadata{}, nil
	}
	switch t {
	case EventRewardUser:
		return RewardMetadata{}, nil
	case EventCreateUser:
		return UserMetadata{}, nil
	case EventCreateContentRoot, EventCreateContentChild:
		return ContentMetadata{}, nil
	case EventUpdateTabcoins:
		return VoteMetadata{}, nil
	case EventUpdateBalance:
		return BalanceMetadata{}, nil
	}
	return nil, fmt.Errorf("ledger: no metadata variant for event type %q", t)
}

// EncodeMetadata serializes a metadata variant for persistence.
func EncodeMetadata(m Metadata) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// DecodeMetadata rebuilds the metadata variant selected by the event type.
func DecodeMetadata(t EventType, raw []byte) (Metadata, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	switch {
	case t.IsFirewall():
		return decodeAs[BlockMetadata](t, raw)
	case t.IsReview():
		return decodeAs[ReviewMetadata](t, raw)
	}

	switch t {
	case EventRewardUser:
		return decodeAs[RewardMetadata](t, raw)
	case EventCreateUser:
		return decodeAs[UserMetadata](t, raw)
	case EventCreateContentRoot, EventCreateContentChild:
		return decodeAs[ContentMetadata](t, raw)
	case EventUpdateTabcoins:
		return decodeAs[VoteMetadata](t, raw)
	case EventUpdateBalance:
		return decodeAs[BalanceMetadata](t, raw)
	}
	return nil, fmt.Errorf("ledger: no metadata variant for event type %q", t)
}

func decodeAs[M Metadata](t EventType, raw []byte) (Metadata, error) {
	var m M
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode %s metadata: %w", t, err)
	}
	return m, nil
}
