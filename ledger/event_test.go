package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventValidate_MetadataMustMatchType(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		ok    bool
	}{
		{"block with block metadata", Event{Type: EventFirewallBlockUsers, Metadata: BlockMetadata{FromRule: "create:user"}}, true},
		{"review with review metadata", Event{Type: EventModerationUnblockUsers, Metadata: ReviewMetadata{Action: "undo"}}, true},
		{"balance with balance metadata", Event{Type: EventUpdateBalance, Metadata: BalanceMetadata{Amount: 3}}, true},
		{"no metadata", Event{Type: EventCreateUser}, true},
		{"block with review metadata", Event{Type: EventFirewallBlockUsers, Metadata: ReviewMetadata{}}, false},
		{"vote with balance metadata", Event{Type: EventUpdateTabcoins, Metadata: BalanceMetadata{}}, false},
		{"unknown type", Event{Type: "delete:everything"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, IsValidation(err), "got %v", err)
		})
	}
}

func TestDecodeMetadata_SelectsVariantByType(t *testing.T) {
	tests := []struct {
		eventType EventType
		raw       string
		want      Metadata
	}{
		{EventFirewallBlockContentsRoot, `{"from_rule":"r","contents":["c1"]}`, BlockMetadata{FromRule: "r", Contents: []string{"c1"}}},
		{EventModerationBlockUsers, `{"action":"confirm","related_events":["e1"]}`, ReviewMetadata{Action: "confirm", RelatedEvents: []string{"e1"}}},
		{EventRewardUser, `{"amount":4,"reward_type":"daily"}`, RewardMetadata{Amount: 4, RewardType: "daily"}},
		{EventCreateUser, `{"id":"u1","username":"ana"}`, UserMetadata{ID: "u1", Username: "ana"}},
		{EventCreateContentChild, `{"id":"c1","owner_id":"u1","parent_id":"c0"}`, ContentMetadata{ID: "c1", OwnerID: "u1", ParentID: "c0"}},
		{EventUpdateTabcoins, `{"content_id":"c1","amount":-1}`, VoteMetadata{ContentID: "c1", Amount: -1}},
		{EventUpdateBalance, `{"balance_type":"user:tabcoin","recipient_id":"u1","amount":-5,"undo_of":"b1"}`,
			BalanceMetadata{BalanceType: "user:tabcoin", RecipientID: "u1", Amount: -5, UndoOf: "b1"}},
		{EventCreateUser, ``, UserMetadata{}},
	}
	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			got, err := DecodeMetadata(tt.eventType, []byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeMetadata_Errors(t *testing.T) {
	_, err := DecodeMetadata(EventFirewallBlockUsers, []byte(`{"users":"not-a-list"}`))
	assert.ErrorContains(t, err, "decode firewall:block_users metadata")

	_, err = DecodeMetadata(EventUpdateBalance, []byte(`{`))
	assert.ErrorContains(t, err, "decode update:balance metadata")

	_, err = DecodeMetadata("unknown", []byte(`{}`))
	assert.Error(t, err)
}
