package rest

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/metrics"
	appCtx "github.com/baechuer/real-time-ressys/services/drop-service/internal/pkg/context"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/pkg/logger"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/service"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/transport/rest/response"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// conflictRetryAfter is what a client is told to wait after the service gave
// up retrying a contended transaction.
const conflictRetryAfter = time.Second

type Handler struct {
	svc *service.DropService
}

func NewHandler(svc *service.DropService) *Handler {
	return &Handler{svc: svc}
}

type entryDTO struct {
	ID              uuid.UUID `json:"id"`
	DropID          uuid.UUID `json:"drop_id"`
	UserID          uuid.UUID `json:"user_id"`
	JoinedAt        time.Time `json:"joined_at"`
	SignupLatencyMs int64     `json:"signup_latency_ms"`
	AccountAgeDays  int64     `json:"account_age_days"`
	RapidActions    int64     `json:"rapid_actions"`
	PriorityScore   int64     `json:"priority_score"`
}

func toEntryDTO(e domain.WaitlistEntry) entryDTO {
	return entryDTO{
		ID:              e.ID,
		DropID:          e.DropID,
		UserID:          e.UserID,
		JoinedAt:        e.JoinedAt.UTC(),
		SignupLatencyMs: e.SignupLatencyMs,
		AccountAgeDays:  e.AccountAgeDays,
		RapidActions:    e.RapidActions,
		PriorityScore:   e.PriorityScore,
	}
}

type claimDTO struct {
	ID        uuid.UUID `json:"id"`
	DropID    uuid.UUID `json:"drop_id"`
	UserID    uuid.UUID `json:"user_id"`
	EntryID   uuid.UUID `json:"entry_id"`
	Code      string    `json:"code"`
	Claimed   bool      `json:"claimed"`
	ClaimedAt time.Time `json:"claimed_at"`
}

func toClaimDTO(c domain.ClaimRecord) claimDTO {
	return claimDTO{
		ID:        c.ID,
		DropID:    c.DropID,
		UserID:    c.UserID,
		EntryID:   c.EntryID,
		Code:      c.Code,
		Claimed:   c.Claimed,
		ClaimedAt: c.ClaimedAt.UTC(),
	}
}

func mapSlice[T, U any](in []T, f func(T) U) []U {
	out := make([]U, 0, len(in))
	for _, v := range in {
		out = append(out, f(v))
	}
	return out
}

// pathUUID parses a chi path param and writes the 400 itself on failure.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid "+name, map[string]string{
			name: "must be a valid uuid",
		})
		return uuid.Nil, false
	}
	return id, true
}

func mustAuth(w http.ResponseWriter, r *http.Request) (AuthContext, bool) {
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
	}
	return auth, ok
}

func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	dropID, ok := pathUUID(w, r, "dropID")
	if !ok {
		return
	}
	auth, ok := mustAuth(w, r)
	if !ok {
		return
	}

	entry, err := h.svc.Join(r.Context(), appCtx.TraceID(r.Context()), dropID, auth.UserID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusCreated, toEntryDTO(entry))
}

func (h *Handler) Leave(w http.ResponseWriter, r *http.Request) {
	dropID, ok := pathUUID(w, r, "dropID")
	if !ok {
		return
	}
	auth, ok := mustAuth(w, r)
	if !ok {
		return
	}

	entry, err := h.svc.Leave(r.Context(), appCtx.TraceID(r.Context()), dropID, auth.UserID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, toEntryDTO(entry))
}

func (h *Handler) Position(w http.ResponseWriter, r *http.Request) {
	dropID, ok := pathUUID(w, r, "dropID")
	if !ok {
		return
	}
	auth, ok := mustAuth(w, r)
	if !ok {
		return
	}

	p, err := h.svc.GetPosition(r.Context(), dropID, auth.UserID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, map[string]any{
		"entry": toEntryDTO(p.Entry),
		"rank":  p.Rank,
		"total": p.Total,
	})
}

func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	dropID, ok := pathUUID(w, r, "dropID")
	if !ok {
		return
	}
	auth, ok := mustAuth(w, r)
	if !ok {
		return
	}

	rec, err := h.svc.Claim(r.Context(), appCtx.TraceID(r.Context()), dropID, auth.UserID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusCreated, toClaimDTO(rec))
}

func (h *Handler) MyWaitlist(w http.ResponseWriter, r *http.Request) {
	auth, ok := mustAuth(w, r)
	if !ok {
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"))
	cur, err := decodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid cursor", nil)
		return
	}

	items, next, err := h.svc.ListMyWaitlist(r.Context(), auth.UserID, limit, cur)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.List(w, mapSlice(items, toEntryDTO), encodeCursor(next))
}

func (h *Handler) MyClaims(w http.ResponseWriter, r *http.Request) {
	auth, ok := mustAuth(w, r)
	if !ok {
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"))
	cur, err := decodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid cursor", nil)
		return
	}

	items, next, err := h.svc.ListMyClaims(r.Context(), auth.UserID, limit, cur)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.List(w, mapSlice(items, toClaimDTO), encodeCursor(next))
}

func (h *Handler) GetClaim(w http.ResponseWriter, r *http.Request) {
	claimID, ok := pathUUID(w, r, "claimID")
	if !ok {
		return
	}
	auth, ok := mustAuth(w, r)
	if !ok {
		return
	}

	c, err := h.svc.GetClaim(r.Context(), claimID, auth.UserID, auth.Role)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, toClaimDTO(c))
}

func (h *Handler) AdminWaitlist(w http.ResponseWriter, r *http.Request) {
	dropID, ok := pathUUID(w, r, "dropID")
	if !ok {
		return
	}
	auth, ok := mustAuth(w, r)
	if !ok {
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"))
	cur, err := decodeRankCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid cursor", nil)
		return
	}

	items, next, err := h.svc.ListWaitlist(r.Context(), dropID, auth.Role, limit, cur)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.List(w, mapSlice(items, toEntryDTO), encodeRankCursor(next))
}

func (h *Handler) AdminClaims(w http.ResponseWriter, r *http.Request) {
	dropID, ok := pathUUID(w, r, "dropID")
	if !ok {
		return
	}
	auth, ok := mustAuth(w, r)
	if !ok {
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"))
	cur, err := decodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid cursor", nil)
		return
	}

	items, next, err := h.svc.ListClaims(r.Context(), dropID, auth.Role, limit, cur)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.List(w, mapSlice(items, toClaimDTO), encodeCursor(next))
}

// Pinger is a dependency probed by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	response.Data(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz pings every dependency and reports each one.
func Readyz(deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := make(map[string]string, len(deps))
		ready := true
		for name, p := range deps {
			err := p.Ping(ctx)
			metrics.SetDependencyHealth(name, err == nil)
			if err != nil {
				checks[name] = "down"
				ready = false
				continue
			}
			checks[name] = "up"
		}

		if !ready {
			fail(w, r, http.StatusServiceUnavailable, "not_ready", "dependency unavailable", checks)
			return
		}
		response.Data(w, http.StatusOK, map[string]any{"status": "ready", "checks": checks})
	}
}

func handleErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrDropNotActive):
		fail(w, r, http.StatusConflict, "drop.not_active", err.Error(), nil)
	case errors.Is(err, domain.ErrAlreadyOnWaitlist):
		fail(w, r, http.StatusConflict, "waitlist.already_joined", err.Error(), nil)
	case errors.Is(err, domain.ErrAlreadyClaimed):
		fail(w, r, http.StatusConflict, "claim.already_claimed", err.Error(), nil)
	case errors.Is(err, domain.ErrWindowClosed):
		fail(w, r, http.StatusConflict, "claim.window_closed", err.Error(), nil)
	case errors.Is(err, domain.ErrNotYourTurn):
		fail(w, r, http.StatusConflict, "claim.not_your_turn", err.Error(), nil)
	case errors.Is(err, domain.ErrWaitlistEmpty):
		fail(w, r, http.StatusConflict, "waitlist.empty", err.Error(), nil)

	case errors.Is(err, domain.ErrNotOnWaitlist):
		fail(w, r, http.StatusNotFound, "waitlist.not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrUserNotFound):
		fail(w, r, http.StatusNotFound, "user.not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrClaimNotFound):
		fail(w, r, http.StatusNotFound, "claim.not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrDropNotFound):
		fail(w, r, http.StatusNotFound, "drop.not_found", err.Error(), nil)

	case errors.Is(err, domain.ErrForbidden):
		fail(w, r, http.StatusForbidden, "auth.forbidden", err.Error(), nil)

	case domain.Retryable(err), errors.Is(err, context.DeadlineExceeded):
		response.RetryAfter(w, conflictRetryAfter)
		fail(w, r, http.StatusServiceUnavailable, "conflict.retry", "busy, retry later", nil)

	default:
		logErr(r, err)
		fail(w, r, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}

func fail(w http.ResponseWriter, r *http.Request, status int, code, message string, meta map[string]string) {
	response.Fail(w, status, code, message, meta, appCtx.TraceID(r.Context()))
}

func logErr(r *http.Request, err error) {
	logger.WithCtx(r.Context()).Error().Err(err).Str("route", routePattern(r)).Msg("request failed")
}
