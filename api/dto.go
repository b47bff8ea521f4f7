/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Moderation:
    FirewallResponse, AffectedDTO, EventDTO, ReviewRequest

  Ledger:
    BalanceDTO, BalanceEntryDTO, CreateEntryRequest

  Activity:
    UserDTO, ContentDTO, CreateUserRequest, CreateContentRequest,
    VoteRequest, VoteResponse

  Scores:
    UserPrestigeDTO, ContentPrestigeDTO, RewardRequest, RewardResponse

VALIDATION:
  Validation is done by the services, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/tabcoin-engine/activity"
	"github.com/warp/tabcoin-engine/firewall"
	"github.com/warp/tabcoin-engine/ledger"
	"github.com/warp/tabcoin-engine/prestige"
)

// =============================================================================
// MODERATION
// =============================================================================

type EventDTO struct {
	ID               string          `json:"id"`
	Type             string          `json:"type"`
	OriginatorUserID string          `json:"originator_user_id,omitempty"`
	OriginatorIP     string          `json:"originator_ip,omitempty"`
	Metadata         ledger.Metadata `json:"metadata"`
	CreatedAt        string          `json:"created_at"`
}

type AffectedDTO struct {
	Users    []UserDTO    `json:"users"`
	Contents []ContentDTO `json:"contents"`
}

// FirewallResponse is returned by both the lookup and the review endpoints.
type FirewallResponse struct {
	Affected AffectedDTO `json:"affected"`
	Events   []EventDTO  `json:"events"`
}

type ReviewRequest struct {
	Action string `json:"action"` // confirm | undo
}

// =============================================================================
// LEDGER
// =============================================================================

type BalanceDTO struct {
	BalanceType string `json:"balance_type"`
	RecipientID string `json:"recipient_id"`
	Total       int64  `json:"total"`
}

type BalanceEntryDTO struct {
	ID             string `json:"id"`
	BalanceType    string `json:"balance_type"`
	RecipientID    string `json:"recipient_id"`
	OriginatorType string `json:"originator_type"`
	OriginatorID   string `json:"originator_id"`
	Amount         int64  `json:"amount"`
	UndoOf         string `json:"undo_of,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// CreateEntryRequest appends a ledger entry. The originating event is
// written by the server.
type CreateEntryRequest struct {
	BalanceType string `json:"balance_type"`
	RecipientID string `json:"recipient_id"`
	Amount      int64  `json:"amount"`
}

// =============================================================================
// ACTIVITY
// =============================================================================

type UserDTO struct {
	ID         string   `json:"id"`
	Username   string   `json:"username"`
	Features   []string `json:"features"`
	Tabcoins   int64    `json:"tabcoins"`
	Tabcash    int64    `json:"tabcash"`
	RewardedAt string   `json:"rewarded_at,omitempty"`
	CreatedAt  string   `json:"created_at,omitempty"`
}

type ContentDTO struct {
	ID          string  `json:"id"`
	OwnerID     string  `json:"owner_id"`
	ParentID    *string `json:"parent_id"`
	Title       string  `json:"title,omitempty"`
	Body        string  `json:"body,omitempty"`
	Status      string  `json:"status"`
	PublishedAt string  `json:"published_at,omitempty"`
	CreatedAt   string  `json:"created_at,omitempty"`
}

type CreateUserRequest struct {
	Username string `json:"username"`
}

type CreateContentRequest struct {
	ParentID *string `json:"parent_id"`
	Title    string  `json:"title"`
	Body     string  `json:"body"`
}

type VoteRequest struct {
	TransactionType string `json:"transaction_type"` // credit | debit
}

type VoteResponse struct {
	EventID         string `json:"event_id"`
	ContentTabcoins int64  `json:"content_tabcoins"`
	VoterTabcoins   int64  `json:"voter_tabcoins"`
	VoterTabcash    int64  `json:"voter_tabcash"`
}

// =============================================================================
// SCORES
// =============================================================================

type UserPrestigeDTO struct {
	UserID          string  `json:"user_id"`
	Level           int     `json:"level"`
	Average         float64 `json:"average"`
	Contents        int     `json:"contents"`
	LastPublishedAt string  `json:"last_published_at,omitempty"`
}

type ContentPrestigeDTO struct {
	ContentID       string `json:"content_id"`
	InitialTabcoins int64  `json:"initial_tabcoins"`
	TotalTabcoins   int64  `json:"total_tabcoins"`
}

// RewardRequest names the user to reward. Empty means the acting user.
type RewardRequest struct {
	UserID string `json:"user_id"`
}

type RewardResponse struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func toEventDTO(e ledger.Event) EventDTO {
	return EventDTO{
		ID:               e.ID,
		Type:             string(e.Type),
		OriginatorUserID: e.OriginatorUserID,
		OriginatorIP:     e.OriginatorIP,
		Metadata:         e.Metadata,
		CreatedAt:        formatTime(e.CreatedAt),
	}
}

func toUserDTO(u ledger.User) UserDTO {
	features := u.Features
	if features == nil {
		features = []string{}
	}
	return UserDTO{
		ID:         u.ID,
		Username:   u.Username,
		Features:   features,
		Tabcoins:   u.Tabcoins,
		Tabcash:    u.Tabcash,
		RewardedAt: formatTime(u.RewardedAt),
		CreatedAt:  formatTime(u.CreatedAt),
	}
}

func toContentDTO(c ledger.Content) ContentDTO {
	return ContentDTO{
		ID:          c.ID,
		OwnerID:     c.OwnerID,
		ParentID:    c.ParentID,
		Title:       c.Title,
		Body:        c.Body,
		Status:      string(c.Status),
		PublishedAt: formatTimePtr(c.PublishedAt),
		CreatedAt:   formatTime(c.CreatedAt),
	}
}

func toFirewallResponse(res *firewall.Result) FirewallResponse {
	out := FirewallResponse{
		Affected: AffectedDTO{
			Users:    make([]UserDTO, len(res.Affected.Users)),
			Contents: make([]ContentDTO, len(res.Affected.Contents)),
		},
		Events: make([]EventDTO, len(res.Events)),
	}
	for i, u := range res.Affected.Users {
		out.Affected.Users[i] = toUserDTO(u)
	}
	for i, c := range res.Affected.Contents {
		out.Affected.Contents[i] = toContentDTO(c)
	}
	for i, e := range res.Events {
		out.Events[i] = toEventDTO(e)
	}
	return out
}

func toEntryDTO(e ledger.BalanceEntry) BalanceEntryDTO {
	return BalanceEntryDTO{
		ID:             e.ID,
		BalanceType:    string(e.BalanceType),
		RecipientID:    e.RecipientID,
		OriginatorType: string(e.OriginatorType),
		OriginatorID:   e.OriginatorID,
		Amount:         e.Amount,
		UndoOf:         e.UndoOf,
		CreatedAt:      formatTime(e.CreatedAt),
	}
}

func toEntryDTOs(entries []ledger.BalanceEntry) []BalanceEntryDTO {
	out := make([]BalanceEntryDTO, len(entries))
	for i, e := range entries {
		out[i] = toEntryDTO(e)
	}
	return out
}

func toUserPrestigeDTO(userID string, p prestige.UserPrestige) UserPrestigeDTO {
	return UserPrestigeDTO{
		UserID:          userID,
		Level:           p.Level,
		Average:         p.Average,
		Contents:        p.Contents,
		LastPublishedAt: formatTimePtr(p.LastPublishedAt),
	}
}

func toVoteResponse(r *activity.VoteResult) VoteResponse {
	return VoteResponse{
		EventID:         r.Event.ID,
		ContentTabcoins: r.ContentTabcoins,
		VoterTabcoins:   r.VoterTabcoins,
		VoterTabcash:    r.VoterTabcash,
	}
}
