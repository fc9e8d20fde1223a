// Package api maps the in-process core operations onto HTTP. All human
// formatting lives with the caller; handlers return structured data only.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/oakline/corebank/internal/audit"
	"github.com/oakline/corebank/internal/auth"
	"github.com/oakline/corebank/internal/domain"
	"github.com/oakline/corebank/internal/history"
	"github.com/oakline/corebank/internal/ledger"
	"github.com/oakline/corebank/internal/store"
	"github.com/oakline/corebank/internal/transfer"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corebank_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "corebank_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// CodeDelivery hands a freshly issued one-time code to the out-of-band
// channel (email/SMS). The core only tracks validity, never delivery.
type CodeDelivery func(userID int64, code string)

type Handler struct {
	auth    *auth.Service
	engine  *transfer.Engine
	ledger  *ledger.Ledger
	index   *history.Index
	audit   *audit.Log
	deliver CodeDelivery
	logger  *zap.Logger
}

func NewHandler(authSvc *auth.Service, engine *transfer.Engine, l *ledger.Ledger, ix *history.Index, auditLog *audit.Log, deliver CodeDelivery, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deliver == nil {
		deliver = func(int64, string) {}
	}
	return &Handler{auth: authSvc, engine: engine, ledger: l, index: ix, audit: auditLog, deliver: deliver, logger: logger}
}

// Register wires every route onto the router.
func (h *Handler) Register(r *mux.Router) {
	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/login", h.Login).Methods("POST")
	v1.HandleFunc("/login/verify", h.VerifyCode).Methods("POST")
	v1.HandleFunc("/logout", h.Logout).Methods("POST")
	v1.HandleFunc("/accounts", h.ListAccounts).Methods("GET")
	v1.HandleFunc("/accounts/{id}/balance", h.GetBalance).Methods("GET")
	v1.HandleFunc("/accounts/{id}/transactions", h.ListTransactions).Methods("GET")
	v1.HandleFunc("/transfers", h.CreateTransfer).Methods("POST")
	v1.HandleFunc("/security/activity", h.SecurityActivity).Methods("GET")
}

// ---- auth ----

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Device   string `json:"device,omitempty"`
	Location string `json:"location,omitempty"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/login"))
	defer timer.ObserveDuration()

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, "POST", "/login", http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if req.Email == "" || req.Password == "" {
		h.respondError(w, "POST", "/login", http.StatusUnprocessableEntity, "Email and password required")
		return
	}

	pending, err := h.auth.Authenticate(r.Context(), req.Email, req.Password, h.meta(r, req.Device, req.Location))
	if err != nil {
		h.respondDomainError(w, "POST", "/login", err)
		return
	}
	h.deliver(pending.UserID, pending.Code)

	h.respondJSON(w, "POST", "/login", http.StatusOK, map[string]interface{}{
		"pending_session_id": pending.ID,
		"expires_at":         pending.ExpiresAt,
	})
}

type verifyRequest struct {
	PendingSessionID string `json:"pending_session_id"`
	Code             string `json:"code"`
	Device           string `json:"device,omitempty"`
	Location         string `json:"location,omitempty"`
}

func (h *Handler) VerifyCode(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/login/verify"))
	defer timer.ObserveDuration()

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, "POST", "/login/verify", http.StatusBadRequest, "Malformed JSON body")
		return
	}

	sess, token, err := h.auth.VerifyOneTimeCode(r.Context(), req.PendingSessionID, req.Code, h.meta(r, req.Device, req.Location))
	if err != nil {
		h.respondDomainError(w, "POST", "/login/verify", err)
		return
	}
	h.respondJSON(w, "POST", "/login/verify", http.StatusOK, map[string]interface{}{
		"token":   token,
		"session": sess,
	})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.Logout(r.Context(), bearerToken(r), h.meta(r, "", "")); err != nil {
		h.respondDomainError(w, "POST", "/logout", err)
		return
	}
	h.respondJSON(w, "POST", "/logout", http.StatusOK, map[string]string{"status": "logged out"})
}

// ---- accounts ----

func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	sess, err := h.auth.ValidateSession(r.Context(), bearerToken(r))
	if err != nil {
		h.respondDomainError(w, "GET", "/accounts", err)
		return
	}
	accounts, err := h.ledger.AccountsByOwner(r.Context(), sess.UserID)
	if err != nil {
		h.respondDomainError(w, "GET", "/accounts", err)
		return
	}
	h.respondJSON(w, "GET", "/accounts", http.StatusOK, accounts)
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.authorizeAccount(w, r, "GET", "/accounts/{id}/balance")
	if !ok {
		return
	}
	bal, err := h.ledger.GetBalance(r.Context(), accountID)
	if err != nil {
		h.respondDomainError(w, "GET", "/accounts/{id}/balance", err)
		return
	}
	h.respondJSON(w, "GET", "/accounts/{id}/balance", http.StatusOK, bal)
}

// ---- transaction history ----

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{id}/transactions"
	accountID, ok := h.authorizeAccount(w, r, "GET", endpoint)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := history.Filter{
		Direction: domain.Direction(q.Get("direction")),
		Category:  q.Get("category"),
		Search:    q.Get("q"),
		Status:    domain.TransactionStatus(q.Get("status")),
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			h.respondError(w, "GET", endpoint, http.StatusUnprocessableEntity, "Invalid 'from' date, want YYYY-MM-DD")
			return
		}
		filter.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			h.respondError(w, "GET", endpoint, http.StatusUnprocessableEntity, "Invalid 'to' date, want YYYY-MM-DD")
			return
		}
		// Inclusive end of day.
		filter.To = t.Add(24*time.Hour - time.Nanosecond)
	}

	sortSpec := history.Sort{Key: history.SortKey(q.Get("sort"))}
	switch q.Get("order") {
	case "asc":
	case "", "desc":
		sortSpec.Descending = true
	default:
		h.respondError(w, "GET", endpoint, http.StatusUnprocessableEntity, "Invalid 'order', want asc|desc")
		return
	}

	pageNum, err := intParam(q.Get("page"), 1)
	if err != nil {
		h.respondError(w, "GET", endpoint, http.StatusUnprocessableEntity, "Invalid 'page', want an integer")
		return
	}
	pageSize, err := intParam(q.Get("page_size"), history.DefaultPageSize)
	if err != nil {
		h.respondError(w, "GET", endpoint, http.StatusUnprocessableEntity, "Invalid 'page_size', want an integer")
		return
	}
	page := history.Page{Number: pageNum, Size: pageSize}

	result, err := h.index.Query(r.Context(), accountID, filter, sortSpec, page)
	if err != nil {
		h.respondDomainError(w, "GET", endpoint, err)
		return
	}
	h.respondJSON(w, "GET", endpoint, http.StatusOK, result)
}

// ---- transfers ----

type transferBody struct {
	SourceAccountID      int64  `json:"source_account_id"`
	DestinationAccountID int64  `json:"destination_account_id"`
	Amount               int64  `json:"amount"`
	Description          string `json:"description,omitempty"`
}

func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/transfers"))
	defer timer.ObserveDuration()

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		h.respondError(w, "POST", "/transfers", http.StatusBadRequest, "Missing Idempotency-Key header")
		return
	}

	var body transferBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.respondError(w, "POST", "/transfers", http.StatusBadRequest, "Malformed JSON body")
		return
	}

	res, err := h.engine.Submit(r.Context(), domain.TransferRequest{
		IdempotencyKey: idempotencyKey,
		SourceID:       body.SourceAccountID,
		DestinationID:  body.DestinationAccountID,
		Amount:         body.Amount,
		Description:    body.Description,
		SessionToken:   bearerToken(r),
	}, h.meta(r, "", ""))
	if err != nil {
		h.respondDomainError(w, "POST", "/transfers", err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	w.Header().Set("Location", "/api/v1/transfers/"+res.TransferID)
	h.respondJSON(w, "POST", "/transfers", status, res)
}

// ---- security activity ----

func (h *Handler) SecurityActivity(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/security/activity"
	sess, err := h.auth.ValidateSession(r.Context(), bearerToken(r))
	if err != nil {
		h.respondDomainError(w, "GET", endpoint, err)
		return
	}

	q := store.AuditQuery{
		UserID:   sess.UserID,
		Category: domain.AuditCategory(r.URL.Query().Get("category")),
	}
	if v := r.URL.Query().Get("from"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			q.From = t
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			q.To = t.Add(24*time.Hour - time.Nanosecond)
		}
	}

	events, err := h.audit.Query(r.Context(), q)
	if err != nil {
		h.respondDomainError(w, "GET", endpoint, err)
		return
	}
	h.respondJSON(w, "GET", endpoint, http.StatusOK, events)
}

// ---- helpers ----

// authorizeAccount validates the session and checks the path account
// belongs to the session user.
func (h *Handler) authorizeAccount(w http.ResponseWriter, r *http.Request, method, endpoint string) (int64, bool) {
	sess, err := h.auth.ValidateSession(r.Context(), bearerToken(r))
	if err != nil {
		h.respondDomainError(w, method, endpoint, err)
		return 0, false
	}
	accountID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.respondError(w, method, endpoint, http.StatusUnprocessableEntity, "Invalid account id")
		return 0, false
	}
	account, err := h.ledger.Account(r.Context(), accountID)
	if err != nil {
		h.respondDomainError(w, method, endpoint, err)
		return 0, false
	}
	if account.OwnerID != sess.UserID {
		h.respondError(w, method, endpoint, http.StatusForbidden, "Account not owned by session user")
		return 0, false
	}
	return accountID, true
}

func (h *Handler) meta(r *http.Request, device, location string) domain.RequestMeta {
	if device == "" {
		device = r.UserAgent()
	}
	return domain.RequestMeta{Device: device, Location: location, IP: r.RemoteAddr}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	v := r.Header.Get("Authorization")
	if len(v) > len(prefix) && v[:len(prefix)] == prefix {
		return v[len(prefix):]
	}
	return ""
}

func intParam(s string, fallback int) (int, error) {
	if s == "" {
		return fallback, nil
	}
	return strconv.Atoi(s)
}

// statusFor maps core errors to HTTP codes by sentinel first, kind second.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrAccountNotFound), errors.Is(err, domain.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAccountLocked):
		return http.StatusLocked
	case errors.Is(err, domain.ErrMissingIdempotency):
		return http.StatusBadRequest
	}
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusUnprocessableEntity
	case domain.KindAuthorization:
		return http.StatusUnauthorized
	case domain.KindBusinessRule:
		return http.StatusUnprocessableEntity
	case domain.KindConcurrency:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondDomainError(w http.ResponseWriter, method, endpoint string, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		// Storage failures stay opaque to callers.
		h.logger.Error("internal error", zap.String("endpoint", endpoint), zap.Error(err))
		msg = "Internal Server Error"
	}
	h.respondError(w, method, endpoint, status, msg)
}

func (h *Handler) respondError(w http.ResponseWriter, method, endpoint string, code int, message string) {
	h.respondJSON(w, method, endpoint, code, map[string]string{"error": message})
}

func (h *Handler) respondJSON(w http.ResponseWriter, method, endpoint string, code int, payload interface{}) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
