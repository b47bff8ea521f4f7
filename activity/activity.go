/*
Package activity implements the user actions that write to the ledger.

KEY OPERATIONS:
  RegisterUser: create the user and its create:user event
  Activate:     trade the activation capability for session capabilities
  Publish:      create a root or child content, its creation event and
                its initial content:tabcoin balance (the author's prestige)
  Vote:         move tabcoins between a voter, a content and its owner

Every creation first passes through the firewall Guard with the caller's IP.
A refused request returns *ledger.FirewallError and writes nothing but the
block itself.

VOTE ACCOUNTING (one update:content:tabcoins event, four entries):
  voter   user:tabcoin    -2
  voter   user:tabcash    +1
  content content:tabcoin ±1
  owner   user:tabcoin    ±1
*/
package activity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/warp/tabcoin-engine/firewall"
	"github.com/warp/tabcoin-engine/ledger"
	"github.com/warp/tabcoin-engine/prestige"
)

const (
	VoteCost    int64 = 2
	VoteTabcash int64 = 1

	TransactionCredit = "credit"
	TransactionDebit  = "debit"
)

// ActivatedFeatures are granted when a user activates their account.
var ActivatedFeatures = []string{
	ledger.FeatureCreateSession,
	ledger.FeatureReadSession,
	ledger.FeatureCreateContent,
	ledger.FeatureUpdateContent,
}

type Service struct {
	store    ledger.Store
	guard    *firewall.Guard
	prestige prestige.Options
	log      *zap.Logger
	now      func() time.Time
}

type Option func(*Service)

func WithPrestige(opts prestige.Options) Option { return func(s *Service) { s.prestige = opts } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(store ledger.Store, guard *firewall.Guard, log *zap.Logger, opts ...Option) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		store:    store,
		guard:    guard,
		prestige: prestige.Options{TimeOffset: time.Hour, Limit: 20},
		log:      log.With(zap.String("component", "activity")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// =============================================================================
// USERS
// =============================================================================

type RegisterInput struct {
	Username string
	IP       string
}

func (s *Service) RegisterUser(ctx context.Context, in RegisterInput) (ledger.User, error) {
	in.Username = strings.TrimSpace(in.Username)
	if in.Username == "" {
		return ledger.User{}, &ledger.ValidationError{Key: "username", Message: "username is required"}
	}
	if err := s.guard.Inspect(ctx, firewall.RuleCreateUser, in.IP); err != nil {
		return ledger.User{}, err
	}

	var user ledger.User
	err := s.store.WithTx(ctx, func(tx ledger.Repo) error {
		var err error
		user, err = tx.CreateUser(ctx, ledger.User{
			Username: in.Username,
			Features: []string{ledger.FeatureReadActivation},
		})
		if err != nil {
			return err
		}
		_, err = tx.CreateEvent(ctx, ledger.Event{
			Type:             ledger.EventCreateUser,
			OriginatorUserID: user.ID,
			OriginatorIP:     in.IP,
			CreatedAt:        s.now(),
			Metadata:         ledger.UserMetadata{ID: user.ID, Username: user.Username},
		})
		return err
	})
	if err != nil {
		return ledger.User{}, err
	}
	s.log.Info("user registered", zap.String("user_id", user.ID))
	return user, nil
}

// Activate replaces the activation capability with session capabilities.
func (s *Service) Activate(ctx context.Context, userID string) (ledger.User, error) {
	var user ledger.User
	err := s.store.WithTx(ctx, func(tx ledger.Repo) error {
		current, err := tx.FindUserByID(ctx, userID, ledger.UserQuery{})
		if err != nil {
			return err
		}
		if current == nil {
			return &ledger.NotFoundError{Resource: "user", ID: userID}
		}
		if !current.HasFeature(ledger.FeatureReadActivation) {
			return &ledger.ValidationError{Key: "features", Message: "user cannot be activated"}
		}
		if _, err := tx.RemoveFeatures(ctx, []string{userID}, []string{ledger.FeatureReadActivation}, ledger.UserQuery{}); err != nil {
			return err
		}
		users, err := tx.AddFeatures(ctx, []string{userID}, ActivatedFeatures, ledger.UserQuery{})
		if err != nil {
			return err
		}
		user = users[0]
		return nil
	})
	return user, err
}

// =============================================================================
// CONTENTS
// =============================================================================

type PublishInput struct {
	OwnerID  string
	ParentID *string
	Title    string
	Body     string
	IP       string
}

func (s *Service) Publish(ctx context.Context, in PublishInput) (ledger.Content, error) {
	if in.ParentID == nil && strings.TrimSpace(in.Title) == "" {
		return ledger.Content{}, &ledger.ValidationError{Key: "title", Message: "root contents need a title"}
	}
	rule, eventType, isRoot := firewall.RuleCreateContentRoot, ledger.EventCreateContentRoot, true
	if in.ParentID != nil {
		rule, eventType, isRoot = firewall.RuleCreateContentChild, ledger.EventCreateContentChild, false
	}
	if err := s.guard.Inspect(ctx, rule, in.IP); err != nil {
		return ledger.Content{}, err
	}

	var content ledger.Content
	err := s.store.WithTx(ctx, func(tx ledger.Repo) error {
		owner, err := tx.FindUserByID(ctx, in.OwnerID, ledger.UserQuery{})
		if err != nil {
			return err
		}
		if owner == nil {
			return &ledger.NotFoundError{Resource: "user", ID: in.OwnerID}
		}
		if in.ParentID != nil {
			parent, err := tx.FindContentByID(ctx, *in.ParentID)
			if err != nil {
				return err
			}
			if parent == nil || parent.Status != ledger.StatusPublished {
				return &ledger.NotFoundError{Resource: "content", ID: *in.ParentID}
			}
		}

		now := s.now()
		content, err = tx.CreateContent(ctx, ledger.Content{
			OwnerID:     in.OwnerID,
			ParentID:    in.ParentID,
			Title:       in.Title,
			Body:        in.Body,
			Status:      ledger.StatusPublished,
			PublishedAt: &now,
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}

		meta := ledger.ContentMetadata{ID: content.ID, OwnerID: content.OwnerID}
		if in.ParentID != nil {
			meta.ParentID = *in.ParentID
		}
		event, err := tx.CreateEvent(ctx, ledger.Event{
			Type:             eventType,
			OriginatorUserID: in.OwnerID,
			OriginatorIP:     in.IP,
			CreatedAt:        now,
			Metadata:         meta,
		})
		if err != nil {
			return err
		}

		opts := s.prestige
		opts.IsRoot = isRoot
		opts.Now = now
		p, err := prestige.GetByUserID(ctx, tx, in.OwnerID, opts)
		if err != nil {
			return err
		}
		if p.Level != 0 {
			_, err = ledger.NewBalance(tx).Create(ctx, ledger.BalanceContentTabcoin, content.ID, int64(p.Level), event.ID)
			if err != nil {
				return fmt.Errorf("failed to credit initial tabcoins: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return ledger.Content{}, err
	}
	s.log.Info("content published",
		zap.String("content_id", content.ID),
		zap.String("owner_id", content.OwnerID),
		zap.Bool("root", content.IsRoot()))
	return content, nil
}

// =============================================================================
// VOTES
// =============================================================================

type VoteInput struct {
	VoterID         string
	ContentID       string
	TransactionType string
	IP              string
}

// VoteResult carries the balances after the vote.
type VoteResult struct {
	Event           ledger.Event
	ContentTabcoins int64
	VoterTabcoins   int64
	VoterTabcash    int64
}

func (s *Service) Vote(ctx context.Context, in VoteInput) (*VoteResult, error) {
	var delta int64
	switch in.TransactionType {
	case TransactionCredit:
		delta = 1
	case TransactionDebit:
		delta = -1
	default:
		return nil, &ledger.ValidationError{Key: "transaction_type", Message: fmt.Sprintf("unknown transaction type %q", in.TransactionType)}
	}

	var result VoteResult
	err := s.store.WithTx(ctx, func(tx ledger.Repo) error {
		voter, err := tx.FindUserByID(ctx, in.VoterID, ledger.UserQuery{WithBalance: true})
		if err != nil {
			return err
		}
		if voter == nil {
			return &ledger.NotFoundError{Resource: "user", ID: in.VoterID}
		}
		content, err := tx.FindContentByID(ctx, in.ContentID)
		if err != nil {
			return err
		}
		if content == nil || content.Status != ledger.StatusPublished {
			return &ledger.NotFoundError{Resource: "content", ID: in.ContentID}
		}
		if content.OwnerID == voter.ID {
			return &ledger.ValidationError{Key: "content_id", Message: "you cannot vote on your own content"}
		}
		if voter.Tabcoins < VoteCost {
			return &ledger.ValidationError{
				Key:     ledger.KeyInsufficientBalance,
				Message: fmt.Sprintf("voting costs %d tabcoins, you have %d", VoteCost, voter.Tabcoins),
			}
		}

		event, err := tx.CreateEvent(ctx, ledger.Event{
			Type:             ledger.EventUpdateTabcoins,
			OriginatorUserID: voter.ID,
			OriginatorIP:     in.IP,
			CreatedAt:        s.now(),
			Metadata: ledger.VoteMetadata{
				ContentID:       content.ID,
				ContentOwnerID:  content.OwnerID,
				TransactionType: in.TransactionType,
				Amount:          delta,
			},
		})
		if err != nil {
			return err
		}

		bal := ledger.NewBalance(tx)
		moves := []struct {
			balanceType ledger.BalanceType
			recipient   string
			amount      int64
		}{
			{ledger.BalanceUserTabcoin, voter.ID, -VoteCost},
			{ledger.BalanceUserTabcash, voter.ID, VoteTabcash},
			{ledger.BalanceContentTabcoin, content.ID, delta},
			{ledger.BalanceUserTabcoin, content.OwnerID, delta},
		}
		for _, m := range moves {
			if _, err := bal.Create(ctx, m.balanceType, m.recipient, m.amount, event.ID); err != nil {
				return fmt.Errorf("failed to record vote: %w", err)
			}
		}

		result.Event = event
		result.VoterTabcoins = voter.Tabcoins - VoteCost
		result.VoterTabcash = voter.Tabcash + VoteTabcash
		result.ContentTabcoins, err = bal.Current(ctx, ledger.BalanceContentTabcoin, content.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}
