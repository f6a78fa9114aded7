package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/punchamoorthee/moneycore/internal/confirm"
	"github.com/punchamoorthee/moneycore/internal/domain"
	"github.com/punchamoorthee/moneycore/internal/fees"
	"github.com/punchamoorthee/moneycore/internal/models"
	"github.com/punchamoorthee/moneycore/internal/service"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moneycore_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "moneycore_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

const (
	maxBodyBytes        = 1 << 20
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	defaultReleaseLimit = 100
)

var (
	errMalformed = errors.New("malformed JSON body")
	errBadParam  = errors.New("bad parameter")
)

// Services are the orchestrators the handlers delegate to.
type Services struct {
	Transfers   *service.TransferService
	Claims      *service.ClaimService
	Agents      *service.AgentService
	Withdrawals *service.WithdrawalService
}

type Handler struct {
	ledger domain.Ledger
	fees   *fees.Engine
	svc    Services
	log    zerolog.Logger
}

func NewHandler(ledger domain.Ledger, engine *fees.Engine, svc Services, log zerolog.Logger) *Handler {
	return &Handler{ledger: ledger, fees: engine, svc: svc, log: log.With().Str("component", "api").Logger()}
}

// Routes builds the router. Every matched route is counted and timed.
func (h *Handler) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/accounts/{id}", h.GetAccountHandler).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}/transactions", h.GetAccountTransactionsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/quotes", h.QuoteHandler).Methods(http.MethodPost)

	v1.HandleFunc("/transfers", h.StartTransferHandler).Methods(http.MethodPost)
	v1.HandleFunc("/transfers/{id}", h.GetTransferHandler).Methods(http.MethodGet)
	v1.HandleFunc("/transfers/{id}", h.UpdateTransferHandler).Methods(http.MethodPatch)
	v1.HandleFunc("/transfers/{id}/confirm", h.ConfirmTransferHandler).Methods(http.MethodPost)
	v1.HandleFunc("/transfers/{id}/commit", h.CommitTransferHandler).Methods(http.MethodPost)

	v1.HandleFunc("/claims", h.ClaimHandler).Methods(http.MethodPost)
	v1.HandleFunc("/claims/{code}/cancel", h.CancelClaimHandler).Methods(http.MethodPost)
	v1.HandleFunc("/admin/claims/release", h.ReleaseExpiredHandler).Methods(http.MethodPost)

	v1.HandleFunc("/agent/clients/lookup", h.LookupClientHandler).Methods(http.MethodPost)
	v1.HandleFunc("/agent/balances/{id}", h.AgentBalancesHandler).Methods(http.MethodGet)
	h.agentRoutes(v1.PathPrefix("/agent/deposits").Subrouter(), domain.OperationDeposit, h.svc.Agents.StartDeposit)
	withdrawals := v1.PathPrefix("/agent/withdrawals").Subrouter()
	h.agentRoutes(withdrawals, domain.OperationWithdrawal, h.svc.Agents.StartWithdrawal)
	withdrawals.HandleFunc("/{id}/identity", h.VerifyIdentityHandler).Methods(http.MethodPost)

	v1.HandleFunc("/withdrawals", h.RequestWithdrawalHandler).Methods(http.MethodPost)
	v1.HandleFunc("/withdrawals/{id}", h.GetWithdrawalHandler).Methods(http.MethodGet)
	v1.HandleFunc("/withdrawals/{id}/reject", h.RejectWithdrawalHandler).Methods(http.MethodPost)
	return r
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetAccountHandler shows an account and its balances to its owner.
func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	id, err := ownAccount(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ctx := r.Context()
	acct, err := h.ledger.GetAccount(ctx, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	main, err := h.ledger.GetBalance(ctx, id, domain.BalanceMain)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := models.AccountResponse{Account: acct, MainBalance: main}
	if acct.Role == domain.RoleAgent {
		c, err := h.ledger.GetBalance(ctx, id, domain.BalanceCommission)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		resp.CommissionBalance = &c
	}
	respondWithJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetAccountTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := ownAccount(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit <= 0 {
			h.fail(w, r, fmt.Errorf("%w: limit must be a positive integer", errBadParam))
			return
		}
		limit = min(limit, maxHistoryLimit)
	}
	recs, err := h.ledger.ListTransactions(r.Context(), id, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []domain.TransactionRecord{}
	}
	respondWithJSON(w, http.StatusOK, recs)
}

// ownAccount returns the {id} of the path when the viewer_id query matches
// it. Anyone else is told the account does not exist.
func ownAccount(r *http.Request) (uuid.UUID, error) {
	id, err := pathID(r, "id")
	if err != nil {
		return uuid.Nil, err
	}
	viewer, err := queryID(r, "viewer_id")
	if err != nil {
		return uuid.Nil, err
	}
	if viewer != id {
		return uuid.Nil, fmt.Errorf("account %s: %w", id, domain.ErrNotFound)
	}
	return id, nil
}

func (h *Handler) QuoteHandler(w http.ResponseWriter, r *http.Request) {
	var req models.QuoteRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	op, err := domain.ParseOperationType(req.Operation)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	role, err := domain.ParseRole(req.Role)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	channel, err := fees.ParseChannel(req.Channel)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	q, err := h.fees.Quote(op, req.Amount, fees.Context{
		OriginCountry:      req.OriginCountry,
		DestinationCountry: req.DestinationCountry,
		Role:               role,
		Channel:            channel,
		Volume:             req.Volume,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, q)
}

func (h *Handler) StartTransferHandler(w http.ResponseWriter, r *http.Request) {
	var in service.StartTransferInput
	if err := decode(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	d, err := h.svc.Transfers.Start(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/transfers/"+d.ID.String())
	respondWithJSON(w, http.StatusCreated, d)
}

func (h *Handler) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	sender, err := queryID(r, "sender_id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	d, err := h.svc.Transfers.Get(r.Context(), id, sender)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, d)
}

func (h *Handler) UpdateTransferHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var in service.UpdateTransferInput
	if err := decode(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	d, err := h.svc.Transfers.Update(r.Context(), id, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, d)
}

func (h *Handler) ConfirmTransferHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var in service.ConfirmInput
	if err := decode(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	d, res, err := h.svc.Transfers.Confirm(r.Context(), id, in)
	if err != nil {
		h.failConfirm(w, r, res, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.ConfirmResponse{Confirmed: res.Confirmed, Draft: d})
}

func (h *Handler) CommitTransferHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req models.CommitRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	d, err := h.svc.Transfers.Commit(r.Context(), id, req.SenderID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, d)
}

func (h *Handler) ClaimHandler(w http.ResponseWriter, r *http.Request) {
	var req models.ClaimRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.svc.Claims.Claim(r.Context(), req.ClaimCode, req.ClaimantID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

func (h *Handler) CancelClaimHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CancelClaimRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := h.svc.Claims.Cancel(r.Context(), mux.Vars(r)["code"], req.SenderID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, p)
}

// ReleaseExpiredHandler is called by the scheduler that expires pending
// transfers.
func (h *Handler) ReleaseExpiredHandler(w http.ResponseWriter, r *http.Request) {
	var req models.ReleaseRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	if req.Limit <= 0 {
		req.Limit = defaultReleaseLimit
	}
	n, err := h.svc.Claims.ReleaseExpired(r.Context(), req.Limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.ReleaseResponse{Released: n})
}

func (h *Handler) LookupClientHandler(w http.ResponseWriter, r *http.Request) {
	var req models.LookupClientRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	c, err := h.svc.Agents.LookupClient(r.Context(), req.AgentID, req.Phone)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, c)
}

func (h *Handler) AgentBalancesHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	b, err := h.svc.Agents.Balances(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, b)
}

type startFunc func(ctx context.Context, in service.StartAgentInput) (*service.AgentOperation, error)

// agentRoutes registers start, read, update, confirm and commit for one
// kind of agent operation. An operation of the other kind is not found
// under this prefix.
func (h *Handler) agentRoutes(r *mux.Router, op domain.OperationType, start startFunc) {
	r.HandleFunc("", func(w http.ResponseWriter, r *http.Request) {
		var in service.StartAgentInput
		if err := decode(r, &in); err != nil {
			h.fail(w, r, err)
			return
		}
		d, err := start(r.Context(), in)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		w.Header().Set("Location", r.URL.Path+"/"+d.ID.String())
		respondWithJSON(w, http.StatusCreated, d)
	}).Methods(http.MethodPost)

	r.HandleFunc("/{id}", func(w http.ResponseWriter, r *http.Request) {
		agentID, err := queryID(r, "agent_id")
		if err != nil {
			h.fail(w, r, err)
			return
		}
		d, err := h.agentOperation(r, op, agentID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		respondWithJSON(w, http.StatusOK, d)
	}).Methods(http.MethodGet)

	r.HandleFunc("/{id}", func(w http.ResponseWriter, r *http.Request) {
		var req models.UpdateAmountRequest
		if err := decode(r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
		d, err := h.agentOperation(r, op, req.AgentID)
		if err == nil {
			d, err = h.svc.Agents.UpdateAmount(r.Context(), d.ID, req.AgentID, req.Amount)
		}
		if err != nil {
			h.fail(w, r, err)
			return
		}
		respondWithJSON(w, http.StatusOK, d)
	}).Methods(http.MethodPatch)

	r.HandleFunc("/{id}/confirm", func(w http.ResponseWriter, r *http.Request) {
		var in service.ConfirmInput
		if err := decode(r, &in); err != nil {
			h.fail(w, r, err)
			return
		}
		d, err := h.agentOperation(r, op, in.AccountID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		d, res, err := h.svc.Agents.Confirm(r.Context(), d.ID, in)
		if err != nil {
			h.failConfirm(w, r, res, err)
			return
		}
		respondWithJSON(w, http.StatusOK, models.ConfirmResponse{Confirmed: res.Confirmed, Draft: d})
	}).Methods(http.MethodPost)

	r.HandleFunc("/{id}/commit", func(w http.ResponseWriter, r *http.Request) {
		var req models.AgentRequest
		if err := decode(r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
		d, err := h.agentOperation(r, op, req.AgentID)
		if err == nil {
			d, err = h.svc.Agents.Commit(r.Context(), d.ID, req.AgentID)
		}
		if err != nil {
			h.fail(w, r, err)
			return
		}
		respondWithJSON(w, http.StatusOK, d)
	}).Methods(http.MethodPost)
}

func (h *Handler) VerifyIdentityHandler(w http.ResponseWriter, r *http.Request) {
	var proof service.IdentityProof
	if err := decode(r, &proof); err != nil {
		h.fail(w, r, err)
		return
	}
	d, err := h.agentOperation(r, domain.OperationWithdrawal, proof.AgentID)
	if err == nil {
		d, err = h.svc.Agents.VerifyIdentity(r.Context(), d.ID, proof)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, d)
}

// agentOperation loads the {id} operation for agentID and checks its kind.
func (h *Handler) agentOperation(r *http.Request, op domain.OperationType, agentID uuid.UUID) (*service.AgentOperation, error) {
	id, err := pathID(r, "id")
	if err != nil {
		return nil, err
	}
	d, err := h.svc.Agents.Get(r.Context(), id, agentID)
	if err != nil {
		return nil, err
	}
	if d.Type != op {
		return nil, fmt.Errorf("%s %s: %w", op, id, domain.ErrNotFound)
	}
	return d, nil
}

func (h *Handler) RequestWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	var in service.RequestWithdrawalInput
	if err := decode(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	v, err := h.svc.Withdrawals.Request(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/withdrawals/"+v.ID.String())
	respondWithJSON(w, http.StatusCreated, v)
}

func (h *Handler) GetWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	viewer, err := queryID(r, "viewer_id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	v, err := h.svc.Withdrawals.Get(r.Context(), id, viewer)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, v)
}

func (h *Handler) RejectWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req models.RejectWithdrawalRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	v, err := h.svc.Withdrawals.Reject(r.Context(), id, req.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, v)
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	return nil
}

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s must be a UUID", errBadParam, name)
	}
	return id, nil
}

func queryID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.URL.Query().Get(name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s must be a UUID", errBadParam, name)
	}
	return id, nil
}

// statusFor maps an error to a status and the message shown to the caller.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errMalformed):
		return http.StatusBadRequest, "Malformed JSON body"
	case errors.Is(err, errBadParam):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrIdentityRequired):
		return http.StatusUnprocessableEntity, "Client identity scan required"
	case errors.Is(err, domain.ErrValidation):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, domain.ErrConfiguration):
		return http.StatusServiceUnavailable, "operation unavailable"
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "Insufficient funds"
	case errors.Is(err, domain.ErrJurisdiction):
		return http.StatusForbidden, "Client is registered outside your jurisdiction"
	case errors.Is(err, domain.ErrIdentityMismatch):
		return http.StatusUnprocessableEntity, "Identity does not match the client"
	case errors.Is(err, domain.ErrAuthExhausted):
		return http.StatusLocked, "Too many failed attempts, start the operation again"
	case errors.Is(err, domain.ErrChallengeFailed):
		return http.StatusUnauthorized, "Confirmation failed"
	case errors.Is(err, domain.ErrBiometricUnavailable):
		return http.StatusUnprocessableEntity, "Biometric confirmation unavailable, use your PIN"
	case errors.Is(err, domain.ErrConfirmationRequired):
		return http.StatusPreconditionRequired, "Confirmation required"
	case errors.Is(err, domain.ErrStaleQuote):
		return http.StatusConflict, "Quote changed since confirmation"
	case errors.Is(err, domain.ErrClaimExpired):
		return http.StatusGone, "Claim code expired"
	case errors.Is(err, domain.ErrAlreadyClaimed):
		return http.StatusConflict, "Claim code already used"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "Request processing in progress"
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict, "Operation can no longer do this"
	}
	return http.StatusInternalServerError, "Internal Server Error"
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := statusFor(err)
	if code == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	}
	respondWithError(w, code, msg)
}

// failConfirm adds the retry hints of a failed challenge.
func (h *Handler) failConfirm(w http.ResponseWriter, r *http.Request, res confirm.Result, err error) {
	if !errors.Is(err, domain.ErrChallengeFailed) {
		h.fail(w, r, err)
		return
	}
	code, msg := statusFor(err)
	respondWithJSON(w, code, models.ErrorResponse{Error: msg, MayRetry: &res.MayRetry, AttemptsLeft: &res.AttemptsLeft})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		timer.ObserveDuration()
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, models.ErrorResponse{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
