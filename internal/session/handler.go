package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/paychat-billing/internal/billing"
	httpmiddleware "github.com/wolfman30/paychat-billing/internal/http/middleware"
	"github.com/wolfman30/paychat-billing/internal/profiles"
	"github.com/wolfman30/paychat-billing/internal/wallet"
	"github.com/wolfman30/paychat-billing/pkg/logging"
)

// Handler exposes the billing operations over HTTP.
type Handler struct {
	svc    *Service
	logger *logging.Logger
}

func NewHandler(svc *Service, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// Routes returns the router mounted at /v1/sessions.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Initialize)
	r.Route("/{sessionID}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Get("/messages", h.ListMessages)
		r.Post("/messages", h.SendMessage)
		r.Post("/deposit", h.Deposit)
		r.Post("/topup", h.TopUp)
		r.Post("/close", h.Close)
		r.Post("/mismatch", h.ReportMismatch)
		r.Get("/refunds", h.ListRefunds)
	})
	return r
}

type initializeRequest struct {
	ParticipantA string `json:"participant_a"`
	ParticipantB string `json:"participant_b"`
	InitiatorID  string `json:"initiator_id"`
}

// Initialize creates a session.
// POST /v1/sessions
func (h *Handler) Initialize(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if !decode(w, r, &req) {
		return
	}
	initiator, ok := h.actor(w, r, req.InitiatorID)
	if !ok {
		return
	}
	sess, err := h.svc.InitializeSession(r.Context(), req.ParticipantA, req.ParticipantB, initiator)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// Get returns the session snapshot.
// GET /v1/sessions/{sessionID}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.visible(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// ListRefunds returns refund records.
// GET /v1/sessions/{sessionID}/refunds
func (h *Handler) ListRefunds(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.visible(w, r)
	if !ok {
		return
	}
	refunds, err := h.svc.ListRefunds(r.Context(), sess.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if refunds == nil {
		refunds = []billing.RefundRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"refunds": refunds})
}

// ListMessages returns recent messages, newest last.
// GET /v1/sessions/{sessionID}/messages?limit=50
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.visible(w, r)
	if !ok {
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	msgs, err := h.svc.ListMessages(r.Context(), sess.ID, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []billing.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type sendRequest struct {
	SenderID string          `json:"sender_id"`
	Content  billing.Content `json:"content"`
}

type rejection struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// SendMessage meters one message. Recoverable rejections answer 200 with allowed=false.
// POST /v1/sessions/{sessionID}/messages
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decode(w, r, &req) {
		return
	}
	sender, ok := h.actor(w, r, req.SenderID)
	if !ok {
		return
	}
	res, err := h.svc.SendMessage(r.Context(), SendMessageRequest{
		SessionID: chi.URLParam(r, "sessionID"),
		SenderID:  sender,
		Content:   req.Content,
	})
	if err != nil {
		if reason := rejectionReason(err); reason != "" {
			writeJSON(w, http.StatusOK, rejection{Allowed: false, Reason: reason})
			return
		}
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type depositRequest struct {
	PayerID string `json:"payer_id"`
	Amount  int64  `json:"amount"`
}

// Deposit funds the session escrow.
// POST /v1/sessions/{sessionID}/deposit
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.fund(w, r, h.svc.Deposit)
}

// TopUp adds to an existing escrow.
// POST /v1/sessions/{sessionID}/topup
func (h *Handler) TopUp(w http.ResponseWriter, r *http.Request) {
	h.fund(w, r, h.svc.TopUp)
}

func (h *Handler) fund(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, sessionID, payerID string, amount int64) (*DepositResult, error)) {
	var req depositRequest
	if !decode(w, r, &req) {
		return
	}
	payer, ok := h.actor(w, r, req.PayerID)
	if !ok {
		return
	}
	res, err := op(r.Context(), chi.URLParam(r, "sessionID"), payer, req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type closeRequest struct {
	RequestedBy string `json:"requested_by"`
}

// Close terminates the session and refunds the payer.
// POST /v1/sessions/{sessionID}/close
func (h *Handler) Close(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if !decode(w, r, &req) {
		return
	}
	by, ok := h.actor(w, r, req.RequestedBy)
	if !ok {
		return
	}
	res, err := h.svc.CloseSession(r.Context(), chi.URLParam(r, "sessionID"), by)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type mismatchRequest struct {
	ReporterID string `json:"reporter_id"`
	SuspectID  string `json:"suspect_id"`
}

// ReportMismatch force-closes the session with a full refund.
// POST /v1/sessions/{sessionID}/mismatch
func (h *Handler) ReportMismatch(w http.ResponseWriter, r *http.Request) {
	var req mismatchRequest
	if !decode(w, r, &req) {
		return
	}
	reporter, ok := h.actor(w, r, req.ReporterID)
	if !ok {
		return
	}
	if req.SuspectID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "suspect_id required")
		return
	}
	res, err := h.svc.ReportMismatch(r.Context(), chi.URLParam(r, "sessionID"), reporter, req.SuspectID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// actor resolves the acting user. An authenticated caller may only act as itself.
func (h *Handler) actor(w http.ResponseWriter, r *http.Request, bodyID string) (string, bool) {
	if caller, ok := httpmiddleware.UserIDFromContext(r.Context()); ok {
		if bodyID != "" && bodyID != caller {
			writeError(w, http.StatusForbidden, "forbidden", "acting user does not match token subject")
			return "", false
		}
		return caller, true
	}
	if bodyID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "acting user id required")
		return "", false
	}
	return bodyID, true
}

// visible loads the session and, for authenticated callers, requires participation.
func (h *Handler) visible(w http.ResponseWriter, r *http.Request) (*billing.Session, bool) {
	sess, err := h.svc.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	if caller, ok := httpmiddleware.UserIDFromContext(r.Context()); ok && !sess.IsParticipant(caller) {
		h.fail(w, r, billing.ErrNotParticipant)
		return nil, false
	}
	return sess, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("billing request failed",
			"path", r.URL.Path,
			"session_id", chi.URLParam(r, "sessionID"),
			"error", err,
		)
		writeError(w, status, code, "internal error")
		return
	}
	writeError(w, status, code, err.Error())
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, billing.ErrDepositRequired):
		return OutcomeDepositRequired
	case errors.Is(err, billing.ErrInsufficientEscrow):
		return OutcomeInsufficientEscrow
	case errors.Is(err, billing.ErrDuplicateContent):
		return OutcomeDuplicateContent
	case errors.Is(err, billing.ErrSessionClosed):
		return OutcomeSessionClosed
	}
	return ""
}

// statusFor maps domain errors to HTTP status and a stable error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, billing.ErrSessionNotFound), errors.Is(err, profiles.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, billing.ErrNotParticipant):
		return http.StatusForbidden, "not_participant"
	case errors.Is(err, billing.ErrNotPayer):
		return http.StatusForbidden, "not_payer"
	case errors.Is(err, billing.ErrInvalidProfile):
		return http.StatusUnprocessableEntity, "invalid_profile"
	case errors.Is(err, billing.ErrDuplicateDeposit):
		return http.StatusConflict, "duplicate_deposit"
	case errors.Is(err, billing.ErrSessionClosed):
		return http.StatusConflict, "session_closed"
	case errors.Is(err, billing.ErrSessionHalted):
		return http.StatusConflict, "session_halted"
	case errors.Is(err, billing.ErrConcurrentUpdate):
		return http.StatusConflict, "concurrent_update"
	case errors.Is(err, billing.ErrDepositNotAllowed), errors.Is(err, billing.ErrNoEscrow),
		errors.Is(err, billing.ErrInvalidTransition):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, billing.ErrDepositRequired):
		return http.StatusConflict, OutcomeDepositRequired
	case errors.Is(err, billing.ErrInvalidAmount), errors.Is(err, billing.ErrDepositTooSmall):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, billing.ErrSameParticipant):
		return http.StatusBadRequest, "invalid_participants"
	case errors.Is(err, billing.ErrUnsupportedContent):
		return http.StatusBadRequest, "invalid_content"
	case errors.Is(err, wallet.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient_funds"
	case errors.Is(err, billing.ErrLedgerIntegrity), errors.Is(err, billing.ErrIntegrityViolation):
		return http.StatusInternalServerError, "ledger_integrity"
	}
	return http.StatusInternalServerError, "internal"
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
