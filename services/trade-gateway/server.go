package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"escrotrade/backend"
	"escrotrade/trade"
)

const actionTimeout = 5 * time.Minute

// Server is the HTTP front-end over the trade coordinator. It holds no
// business logic: every action funnels through one validated coordinator
// entry point and the result maps to a typed JSON response.
type Server struct {
	coordinator *trade.Coordinator
	records     *backend.Client
	chain       trade.ChainClient
	verifier    *SessionVerifier
	store       *SQLiteStore
	wallet      string
	logger      *slog.Logger
	metrics     *gatewayMetrics
	router      chi.Router
}

func NewServer(coordinator *trade.Coordinator, records *backend.Client, chain trade.ChainClient, verifier *SessionVerifier, store *SQLiteStore, wallet string) *Server {
	if coordinator == nil {
		panic("coordinator required")
	}
	if verifier == nil {
		panic("session verifier required")
	}
	s := &Server{
		coordinator: coordinator,
		records:     records,
		chain:       chain,
		verifier:    verifier,
		store:       store,
		wallet:      wallet,
		logger:      slog.Default(),
		metrics:     ActionMetrics(),
	}
	s.router = s.routes()
	return s
}

// SetLogger overrides the structured logger.
func (s *Server) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/trade/{productID}", func(tr chi.Router) {
		tr.Get("/", s.handleTradeView)
		tr.Get("/pending", s.handlePendingView)
		tr.Get("/journal", s.handleJournalView)
		tr.Post("/offers", s.handleSubmitOffer)
		tr.Post("/offers/{offerID}/accept", s.handleOfferAction("accept", s.acceptOffer))
		tr.Post("/offers/{offerID}/refuse", s.handleOfferAction("refuse", s.refuseOffer))
		tr.Post("/offers/{offerID}/withdraw", s.handleOfferAction("withdraw", s.withdrawOffer))
		tr.Post("/remove", s.handleDeleteListing)
		tr.Post("/register", s.handleSettlement("register", s.coordinator.RegisterEscrow))
		tr.Post("/deposit", s.handleSettlement("deposit", s.coordinator.Deposit))
		tr.Post("/ship", s.handleSettlement("ship", s.coordinator.Ship))
		tr.Post("/confirm", s.handleSettlement("confirm", s.coordinator.ConfirmReceipt))
		tr.Post("/cancel", s.handleSettlement("cancel", s.coordinator.Cancel))
	})

	r.Post("/user/wallet", s.handleUpdateWallet)
	r.Post("/user/location", s.handleUpdateLocation)
	return r
}

func (s *Server) session(r *http.Request) (trade.Session, error) {
	cred, err := s.verifier.Verify(r)
	if err != nil {
		return trade.Session{}, err
	}
	return trade.Session{Credential: cred, Wallet: s.wallet}, nil
}

func (s *Server) productID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "productID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid product id")
	}
	return id, nil
}

func (s *Server) offerID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "offerID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid offer id")
	}
	return id, nil
}

func (s *Server) handleTradeView(w http.ResponseWriter, r *http.Request) {
	productID, err := s.productID(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	product, err := s.records.Product(r.Context(), productID)
	if err != nil {
		s.writeTaxonomyError(w, r, err)
		return
	}
	resp := map[string]interface{}{"product": product}
	if product.Status != trade.StatusFinding && s.chain != nil {
		if phase, phaseErr := s.chain.ProductState(r.Context(), big.NewInt(productID)); phaseErr == nil {
			resp["contractPhase"] = phase.String()
		}
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handlePendingView(w http.ResponseWriter, r *http.Request) {
	productID, err := s.productID(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	key := big.NewInt(productID)
	hash, pending := s.coordinator.PendingHash(key)
	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"pending": pending,
		"txHash":  hash,
	})
}

func (s *Server) handleJournalView(w http.ResponseWriter, r *http.Request) {
	if _, err := s.verifier.Verify(r); err != nil {
		s.writeTaxonomyError(w, r, err)
		return
	}
	productID, err := s.productID(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if s.store == nil {
		s.writeJSON(w, r, http.StatusOK, map[string]interface{}{"submissions": []Submission{}})
		return
	}
	subs, err := s.store.SubmissionsFor(r.Context(), productID)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{"submissions": subs})
}

func (s *Server) handleSubmitOffer(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	session, err := s.session(r)
	if err != nil {
		s.finishAction(w, r, "offer", started, err)
		return
	}
	productID, err := s.productID(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	var body struct {
		Cost uint64 `json:"cost"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, http.StatusBadRequest, errors.New("invalid JSON payload"))
		return
	}
	err = s.coordinator.SubmitOffer(r.Context(), session, productID, body.Cost)
	s.finishAction(w, r, "offer", started, err)
}

type offerAction func(ctx context.Context, session trade.Session, productID, offerID int64) error

func (s *Server) acceptOffer(ctx context.Context, session trade.Session, productID, offerID int64) error {
	return s.coordinator.AcceptOffer(ctx, session, productID, offerID)
}

func (s *Server) refuseOffer(ctx context.Context, session trade.Session, productID, offerID int64) error {
	return s.coordinator.RefuseOffer(ctx, session, productID, offerID)
}

func (s *Server) withdrawOffer(ctx context.Context, session trade.Session, productID, offerID int64) error {
	return s.coordinator.WithdrawOffer(ctx, session, productID, offerID)
}

func (s *Server) handleOfferAction(name string, action offerAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		session, err := s.session(r)
		if err != nil {
			s.finishAction(w, r, name, started, err)
			return
		}
		productID, err := s.productID(r)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		offerID, err := s.offerID(r)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		err = action(r.Context(), session, productID, offerID)
		s.finishAction(w, r, name, started, err)
	}
}

func (s *Server) handleDeleteListing(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	session, err := s.session(r)
	if err != nil {
		s.finishAction(w, r, "delete", started, err)
		return
	}
	productID, err := s.productID(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	err = s.coordinator.DeleteListing(r.Context(), session, productID)
	s.finishAction(w, r, "delete", started, err)
}

type settlementAction func(ctx context.Context, session trade.Session, productID int64) (string, error)

// handleSettlement runs one chain-mutating action, blocking until the
// submitted transaction resolves, then journals the attempt.
func (s *Server) handleSettlement(name string, action settlementAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		session, err := s.session(r)
		if err != nil {
			s.finishAction(w, r, name, started, err)
			return
		}
		productID, err := s.productID(r)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), actionTimeout)
		defer cancel()
		txHash, err := action(ctx, session, productID)
		s.journal(r.Context(), productID, name, txHash, err)
		if err != nil {
			s.metrics.observe(name, outcomeLabel(err), time.Since(started))
			s.writeTaxonomyError(w, r, err)
			return
		}
		s.metrics.observe(name, "ok", time.Since(started))
		s.writeJSON(w, r, http.StatusOK, map[string]string{"txHash": txHash})
	}
}

func (s *Server) handleUpdateWallet(w http.ResponseWriter, r *http.Request) {
	s.handleProfileUpdate(w, r, "wallet", func(ctx context.Context, cred trade.Credential, value string) error {
		return s.records.UpdateWallet(ctx, cred, value)
	})
}

func (s *Server) handleUpdateLocation(w http.ResponseWriter, r *http.Request) {
	s.handleProfileUpdate(w, r, "location", func(ctx context.Context, cred trade.Credential, value string) error {
		return s.records.UpdateLocation(ctx, cred, value)
	})
}

func (s *Server) handleProfileUpdate(w http.ResponseWriter, r *http.Request, field string, update func(context.Context, trade.Credential, string) error) {
	cred, err := s.verifier.Verify(r)
	if err != nil {
		s.writeTaxonomyError(w, r, err)
		return
	}
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, http.StatusBadRequest, errors.New("invalid JSON payload"))
		return
	}
	value := body[field]
	if value == "" {
		s.writeError(w, r, http.StatusBadRequest, errors.New(field+" is required"))
		return
	}
	if err := update(r.Context(), cred, value); err != nil {
		s.writeTaxonomyError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) finishAction(w http.ResponseWriter, r *http.Request, action string, started time.Time, err error) {
	if err != nil {
		s.metrics.observe(action, outcomeLabel(err), time.Since(started))
		s.writeTaxonomyError(w, r, err)
		return
	}
	s.metrics.observe(action, "ok", time.Since(started))
	s.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) journal(ctx context.Context, productID int64, action, txHash string, actionErr error) {
	if s.store == nil {
		return
	}
	outcome := "confirmed"
	if actionErr != nil {
		outcome = outcomeLabel(actionErr)
	}
	if _, err := s.store.RecordSubmission(ctx, productID, action, txHash, outcome); err != nil {
		s.logger.Warn("journal submission", "product", productID, "action", action, "err", err)
	}
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, trade.ErrAuthRequired):
		return "auth_required"
	case errors.Is(err, trade.ErrPreconditionMismatch):
		return "precondition_mismatch"
	case errors.Is(err, trade.ErrTxInFlight):
		return "tx_in_flight"
	case errors.Is(err, trade.ErrWalletUnavailable):
		return "wallet_unavailable"
	case errors.Is(err, trade.ErrUserRejected):
		return "user_rejected"
	case errors.Is(err, trade.ErrTransactionReverted):
		return "reverted"
	case errors.Is(err, trade.ErrBackendRejected):
		return "backend_rejected"
	case errors.Is(err, trade.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// writeTaxonomyError maps the coordinator's failure taxonomy onto HTTP
// status codes, keeping the distinct failure classes distinguishable to
// callers.
func (s *Server) writeTaxonomyError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, trade.ErrAuthRequired):
		status = http.StatusUnauthorized
	case errors.Is(err, trade.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, trade.ErrPreconditionMismatch), errors.Is(err, trade.ErrTxInFlight):
		status = http.StatusConflict
	case errors.Is(err, trade.ErrWalletUnavailable), errors.Is(err, trade.ErrUserRejected):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, trade.ErrTransactionReverted), errors.Is(err, trade.ErrBackendRejected):
		status = http.StatusBadGateway
	}
	s.writeError(w, r, status, err)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	s.audit(r, status)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload interface{}) {
	s.audit(r, status)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) audit(r *http.Request, status int) {
	if s.store == nil {
		return
	}
	if err := s.store.InsertAudit(r.Context(), r.Method, r.URL.Path, status); err != nil {
		s.logger.Warn("audit insert", "err", err)
	}
}
