// Package authorization decides whether a user may use a feature.
package authorization

import (
	"github.com/warp/tabcoin-engine/ledger"
)

// Can reports whether user holds feature. A nuked user can do nothing.
//
// resource narrows the check to one object. A ledger.User resource is an
// account: features are only usable on the user's own account. A nil
// resource checks the feature alone.
func Can(user *ledger.User, feature string, resource any) bool {
	if user == nil || feature == "" {
		return false
	}
	if user.HasFeature(ledger.FeatureNuked) || !user.HasFeature(feature) {
		return false
	}

	switch r := resource.(type) {
	case nil:
		return true
	case ledger.User:
		return r.ID == user.ID
	case *ledger.User:
		return r != nil && r.ID == user.ID
	}
	return false
}
