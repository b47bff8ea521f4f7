/*
handlers.go - HTTP API handlers for the tabcoin engine

PURPOSE:
  Exposes moderation, the ledger, prestige and rewards via REST API.
  Handles HTTP request/response, JSON serialization, authorization, and
  delegates to the services.

ENDPOINTS:
  Moderation:
    GET    /api/firewall/{eventId}             Closure of a block event     read:firewall
    POST   /api/firewall/{eventId}/review      Confirm or undo it           review:firewall

  Ledger:
    GET    /api/balances/{balanceType}/{id}    Current balance (cached)
    GET    /api/balances/entries?originator_id= Entries by originator
    POST   /api/balances/entries               Append an entry (+ event)    update:balance
    POST   /api/balances/entries/{id}/undo     Reverse an entry once        update:balance

  Activity:
    POST   /api/users                          Register
    GET    /api/users/{id}                     User with balances
    POST   /api/users/{id}/activate            Activate own account         read:activation_token
    POST   /api/contents                       Publish                      create:content
    POST   /api/contents/{id}/tabcoins         Vote                         update:content

  Scores:
    GET    /api/users/{id}/prestige            Prestige level
    GET    /api/contents/{id}/prestige         Initial and total tabcoins
    POST   /api/rewards                        Daily reward (self, or anyone with update:balance)

REQUEST FLOW:
  1. Resolve the acting user from X-User-ID (ResolveUser middleware)
  2. Check the feature with authorization.Can
  3. Parse and delegate to the service, retrying serialization failures
  4. Serialize response

ERROR HANDLING:
  - 400: ledger.ValidationError (code = its key)
  - 401: no acting user where one is required
  - 403: feature missing, or the user is nuked
  - 404: ledger.NotFoundError
  - 409: serialization failure that survived every retry
  - 429: ledger.FirewallError
  - 500: anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - middleware.go: Acting user, request logging
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/tabcoin-engine/activity"
	"github.com/warp/tabcoin-engine/authorization"
	"github.com/warp/tabcoin-engine/cache"
	"github.com/warp/tabcoin-engine/firewall"
	"github.com/warp/tabcoin-engine/ledger"
	"github.com/warp/tabcoin-engine/metrics"
	"github.com/warp/tabcoin-engine/prestige"
	"github.com/warp/tabcoin-engine/reward"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     ledger.Store
	Inspector *firewall.Inspector
	Reviewer  *firewall.Reviewer
	Rewards   *reward.Engine
	Activity  *activity.Service
	Balances  *cache.Balances
	Metrics   *metrics.Metrics
	Log       *zap.Logger

	// Backoff builds the retry policy for writes that may hit a
	// serialization failure.
	Backoff func() backoff.BackOff
}

// NewHandler creates a handler with default services over store. Callers
// replace the fields they configure differently.
func NewHandler(store ledger.Store, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Store:     store,
		Inspector: firewall.NewInspector(store),
		Reviewer:  firewall.NewReviewer(store, log),
		Rewards:   reward.NewEngine(store, reward.DefaultConfig(), log),
		Activity:  activity.NewService(store, firewall.NewGuard(store, firewall.DefaultRules(), log), log),
		Balances:  cache.NewBalances(nil, store, log),
		Log:       log.With(zap.String("component", "api")),
		Backoff:   defaultBackoff,
	}
}

func defaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return backoff.WithMaxRetries(b, 5)
}

// withRetry re-runs fn while it fails with a serialization failure.
func (h *Handler) withRetry(ctx context.Context, operation string, fn func() error) error {
	newBackoff := h.Backoff
	if newBackoff == nil {
		newBackoff = defaultBackoff
	}
	return backoff.Retry(func() error {
		err := fn()
		switch {
		case err == nil:
			return nil
		case ledger.IsRetryable(err):
			h.Metrics.ObserveRetry(operation)
			h.Log.Debug("retrying after serialization failure",
				zap.String("operation", operation), zap.Error(err))
			return err
		default:
			return backoff.Permanent(err)
		}
	}, backoff.WithContext(newBackoff(), ctx))
}

// require returns the acting user when it may use feature on resource. It
// writes the 401/403 response itself otherwise.
func (h *Handler) require(w http.ResponseWriter, r *http.Request, feature string, resource any) (*ledger.User, bool) {
	u := actingUser(r)
	if u == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required", nil)
		return nil, false
	}
	if !authorization.Can(u, feature, resource) {
		writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "Forbidden", Code: "forbidden", Details: map[string]string{"feature": feature}})
		return nil, false
	}
	return u, true
}

// =============================================================================
// MODERATION HANDLERS
// =============================================================================

// GetFirewallEvent returns the closure of a block event.
// GET /api/firewall/{eventId}
func (h *Handler) GetFirewallEvent(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.require(w, r, ledger.FeatureReadFirewall, nil); !ok {
		return
	}
	res, err := h.Inspector.FindByEventID(r.Context(), chi.URLParam(r, "eventId"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFirewallResponse(res))
}

// ReviewFirewallEvent confirms or undoes a block event.
// POST /api/firewall/{eventId}/review
func (h *Handler) ReviewFirewallEvent(w http.ResponseWriter, r *http.Request) {
	u, ok := h.require(w, r, ledger.FeatureReviewFirewall, nil)
	if !ok {
		return
	}
	var req ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in := firewall.ReviewInput{
		Action:           firewall.Action(req.Action),
		EventID:          chi.URLParam(r, "eventId"),
		OriginatorUserID: u.ID,
		OriginatorIP:     clientIP(r),
	}
	var res *firewall.Result
	err := h.withRetry(r.Context(), "review", func() error {
		var err error
		res, err = h.Reviewer.ReviewEvent(r.Context(), in)
		return err
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFirewallResponse(res))
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// GetBalance returns the current balance of a recipient.
// GET /api/balances/{balanceType}/{recipientId}
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	bt := ledger.BalanceType(chi.URLParam(r, "balanceType"))
	recipient := chi.URLParam(r, "recipientId")
	if !isBalanceType(bt) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Unknown balance type", Code: "balance_type"})
		return
	}
	total, err := h.Balances.Current(r.Context(), bt, recipient)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{BalanceType: string(bt), RecipientID: recipient, Total: total})
}

// ListEntries returns the entries originated by the given ids.
// GET /api/balances/entries?originator_id=a&originator_id=b
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	ids := r.URL.Query()["originator_id"]
	if len(ids) == 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "originator_id is required", Code: "originator_id"})
		return
	}
	entries, err := ledger.NewBalance(h.Store).FindAllByOriginatorID(r.Context(), ids...)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// CreateEntry appends one entry, recorded by its own update:balance event.
// POST /api/balances/entries
func (h *Handler) CreateEntry(w http.ResponseWriter, r *http.Request) {
	u, ok := h.require(w, r, ledger.FeatureUpdateBalance, nil)
	if !ok {
		return
	}
	var req CreateEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var entry ledger.BalanceEntry
	err := h.Store.WithTx(r.Context(), func(tx ledger.Repo) error {
		event, err := tx.CreateEvent(r.Context(), ledger.Event{
			Type:             ledger.EventUpdateBalance,
			OriginatorUserID: u.ID,
			OriginatorIP:     clientIP(r),
			Metadata: ledger.BalanceMetadata{
				BalanceType: req.BalanceType,
				RecipientID: req.RecipientID,
				Amount:      req.Amount,
			},
		})
		if err != nil {
			return err
		}
		entry, err = ledger.NewBalance(tx).Create(r.Context(),
			ledger.BalanceType(req.BalanceType), req.RecipientID, req.Amount, event.ID)
		return err
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(entry))
}

// UndoEntry reverses one entry, at most once. The reversal is originated by
// a new update:balance event.
// POST /api/balances/entries/{entryId}/undo
func (h *Handler) UndoEntry(w http.ResponseWriter, r *http.Request) {
	u, ok := h.require(w, r, ledger.FeatureUpdateBalance, nil)
	if !ok {
		return
	}

	id := chi.URLParam(r, "entryId")
	var reversal ledger.BalanceEntry
	err := h.Store.WithTx(r.Context(), func(tx ledger.Repo) error {
		entry, err := tx.FindBalanceEntryByID(r.Context(), id)
		if err != nil {
			return err
		}
		if entry == nil {
			return &ledger.NotFoundError{Resource: "balance entry", ID: id}
		}
		bal := ledger.NewBalance(tx)
		if err := bal.CheckReversible(r.Context(), *entry); err != nil {
			return err
		}
		event, err := tx.CreateEvent(r.Context(), ledger.Event{
			Type:             ledger.EventUpdateBalance,
			OriginatorUserID: u.ID,
			OriginatorIP:     clientIP(r),
			Metadata: ledger.BalanceMetadata{
				BalanceType: string(entry.BalanceType),
				RecipientID: entry.RecipientID,
				Amount:      -entry.Amount,
				UndoOf:      entry.ID,
			},
		})
		if err != nil {
			return err
		}
		reversal, err = bal.Undo(r.Context(), *entry, event.ID)
		return err
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(reversal))
}

func isBalanceType(bt ledger.BalanceType) bool {
	switch bt {
	case ledger.BalanceUserTabcoin, ledger.BalanceUserTabcash, ledger.BalanceContentTabcoin:
		return true
	}
	return false
}

// =============================================================================
// ACTIVITY HANDLERS
// =============================================================================

// CreateUser registers a user.
// POST /api/users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	u, err := h.Activity.RegisterUser(r.Context(), activity.RegisterInput{Username: req.Username, IP: clientIP(r)})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(u))
}

// GetUser returns a user with its balances.
// GET /api/users/{id}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	u, err := h.Store.FindUserByID(r.Context(), id, ledger.UserQuery{WithBalance: true})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if u == nil {
		writeError(w, http.StatusNotFound, "User not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(*u))
}

// ActivateUser activates the acting user's own account.
// POST /api/users/{id}/activate
func (h *Handler) ActivateUser(w http.ResponseWriter, r *http.Request) {
	u, ok := h.require(w, r, ledger.FeatureReadActivation, ledger.User{ID: chi.URLParam(r, "id")})
	if !ok {
		return
	}
	active, err := h.Activity.Activate(r.Context(), u.ID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(active))
}

// CreateContent publishes a root content or a reply.
// POST /api/contents
func (h *Handler) CreateContent(w http.ResponseWriter, r *http.Request) {
	u, ok := h.require(w, r, ledger.FeatureCreateContent, nil)
	if !ok {
		return
	}
	var req CreateContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	c, err := h.Activity.Publish(r.Context(), activity.PublishInput{
		OwnerID:  u.ID,
		ParentID: req.ParentID,
		Title:    req.Title,
		Body:     req.Body,
		IP:       clientIP(r),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toContentDTO(c))
}

// VoteContent credits or debits a content.
// POST /api/contents/{id}/tabcoins
func (h *Handler) VoteContent(w http.ResponseWriter, r *http.Request) {
	u, ok := h.require(w, r, ledger.FeatureUpdateContent, nil)
	if !ok {
		return
	}
	var req VoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	in := activity.VoteInput{
		VoterID:         u.ID,
		ContentID:       chi.URLParam(r, "id"),
		TransactionType: req.TransactionType,
		IP:              clientIP(r),
	}
	var res *activity.VoteResult
	err := h.withRetry(r.Context(), "vote", func() error {
		var err error
		res, err = h.Activity.Vote(r.Context(), in)
		return err
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toVoteResponse(res))
}

// =============================================================================
// SCORE HANDLERS
// =============================================================================

// GetUserPrestige returns a user's prestige.
// GET /api/users/{id}/prestige?is_root=true&limit=10&offset=36h
func (h *Handler) GetUserPrestige(w http.ResponseWriter, r *http.Request) {
	opts := prestige.DefaultOptions()
	q := r.URL.Query()
	if v := q.Get("is_root"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid is_root", err)
			return
		}
		opts.IsRoot = b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid offset", err)
			return
		}
		opts.TimeOffset = d
	}

	id := chi.URLParam(r, "id")
	p, err := prestige.GetByUserID(r.Context(), h.Store, id, opts)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserPrestigeDTO(id, p))
}

// GetContentPrestige returns a content's initial and total tabcoins.
// GET /api/contents/{id}/prestige
func (h *Handler) GetContentPrestige(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := prestige.GetByContentID(r.Context(), h.Store, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ContentPrestigeDTO{ContentID: id, InitialTabcoins: p.InitialTabcoins, TotalTabcoins: p.TotalTabcoins})
}

// CreateReward pays the daily reward.
// POST /api/rewards
func (h *Handler) CreateReward(w http.ResponseWriter, r *http.Request) {
	u, ok := h.require(w, r, ledger.FeatureReadSession, nil)
	if !ok {
		return
	}
	var req RewardRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}
	target := req.UserID
	if target == "" {
		target = u.ID
	}
	if target != u.ID && !authorization.Can(u, ledger.FeatureUpdateBalance, nil) {
		writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "Forbidden", Code: "forbidden", Details: map[string]string{"feature": ledger.FeatureUpdateBalance}})
		return
	}

	var amount int64
	err := h.withRetry(r.Context(), "reward", func() error {
		var err error
		amount, err = h.Rewards.Reward(r.Context(), target)
		return err
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RewardResponse{UserID: target, Amount: amount})
}

// =============================================================================
// OPERATIONS
// =============================================================================

type pinger interface {
	Ping(ctx context.Context) error
}

// Health reports whether the store answers.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeServiceError maps the ledger error taxonomy to HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *ledger.ValidationError
		ferr *ledger.FirewallError
		nerr *ledger.NotFoundError
	)
	switch {
	case errors.As(err, &ferr):
		writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
			Error:   "Request blocked by firewall",
			Code:    "firewall",
			Details: map[string]string{"rule": ferr.Rule, "event_id": ferr.EventID},
		})
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: verr.Message, Code: verr.Key})
	case errors.As(err, &nerr):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: nerr.Error(), Code: "not_found"})
	case ledger.IsRetryable(err):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "Concurrent update, try again", Code: "serialization_failure"})
	default:
		h.Log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}
