package authorization_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warp/tabcoin-engine/authorization"
	"github.com/warp/tabcoin-engine/ledger"
)

func TestCan(t *testing.T) {
	moderator := &ledger.User{ID: "mod", Features: []string{ledger.FeatureReadFirewall, ledger.FeatureReviewFirewall}}
	pending := &ledger.User{ID: "pending", Features: []string{ledger.FeatureReadActivation}}
	nuked := &ledger.User{ID: "bad", Features: []string{ledger.FeatureNuked, ledger.FeatureReadFirewall}}

	tests := []struct {
		name     string
		user     *ledger.User
		feature  string
		resource any
		want     bool
	}{
		{"moderator reads firewall", moderator, ledger.FeatureReadFirewall, nil, true},
		{"moderator reviews firewall", moderator, ledger.FeatureReviewFirewall, nil, true},
		{"moderator cannot touch balances", moderator, ledger.FeatureUpdateBalance, nil, false},
		{"nuked user is denied everything", nuked, ledger.FeatureReadFirewall, nil, false},
		{"nil user", nil, ledger.FeatureReadFirewall, nil, false},
		{"empty feature", moderator, "", nil, false},
		{"own account", pending, ledger.FeatureReadActivation, ledger.User{ID: "pending"}, true},
		{"own account by pointer", pending, ledger.FeatureReadActivation, &ledger.User{ID: "pending"}, true},
		{"another account", pending, ledger.FeatureReadActivation, ledger.User{ID: "mod"}, false},
		{"nil account pointer", pending, ledger.FeatureReadActivation, (*ledger.User)(nil), false},
		{"feature missing on own account", moderator, ledger.FeatureReadActivation, ledger.User{ID: "mod"}, false},
		{"unsupported resource", moderator, ledger.FeatureReadFirewall, "event", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, authorization.Can(tt.user, tt.feature, tt.resource))
		})
	}
}
