package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"aeroscraper/internal/engine"
	"aeroscraper/internal/observability"
	"aeroscraper/internal/oracle"
	"aeroscraper/internal/query"
	"aeroscraper/internal/state"
)

const requestLimit = 1 << 20 // 1 MiB

// Server exposes the engine over HTTP/JSON: the query surface, the mutating
// protocol operations, and an admin surface gated by a shared token.
type Server struct {
	engine     *engine.Engine
	query      *query.Service
	health     *observability.HealthChecker
	metrics    *observability.Metrics
	log        zerolog.Logger
	adminToken string
}

func New(eng *engine.Engine, qs *query.Service, health *observability.HealthChecker, metrics *observability.Metrics, log zerolog.Logger, adminToken string) *Server {
	return &Server{
		engine:     eng,
		query:      qs,
		health:     health,
		metrics:    metrics,
		log:        log,
		adminToken: adminToken,
	}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		// Query surface
		v1.Get("/params", s.getParams)
		v1.Get("/index", s.getIndex)
		v1.Get("/pool", s.getPool)
		v1.Get("/pool/deposits/{depositor}", s.getDeposit)
		v1.Get("/troves/{owner}", s.getTrove)
		v1.Get("/troves/{owner}/surplus", s.getSurplus)
		v1.Get("/liquidatable", s.getLiquidatable)

		// Protocol operations
		v1.Post("/troves", s.openTrove)
		v1.Post("/troves/{owner}/adjust", s.adjustTrove)
		v1.Delete("/troves/{owner}", s.closeTrove)
		v1.Post("/troves/{owner}/surplus/claim", s.claimSurplus)
		v1.Post("/pool/deposits", s.provideStability)
		v1.Post("/pool/withdrawals", s.withdrawStability)
		v1.Post("/pool/claims", s.claimPoolGains)
		v1.Post("/liquidations", s.liquidate)
		v1.Post("/redemptions", s.redeem)

		// Admin surface
		v1.Route("/admin", func(ar chi.Router) {
			ar.Use(s.requireAdminToken)
			ar.Post("/params", s.setParams)
			ar.Post("/index/reset", s.resetIndex)
			ar.Post("/fees/routing", s.setFeeRouting)
			ar.Post("/fees/treasuries", s.setTreasuries)
		})
	})
	return r
}

// requireAdminToken gates the admin routes on the X-Admin-Token header. The
// engine still checks the caller against its configured admin account; this
// keeps casual probes away from those endpoints entirely.
func (s *Server) requireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" || r.Header.Get("X-Admin-Token") != s.adminToken {
			s.writeError(w, "admin", http.StatusUnauthorized, errors.New("missing or invalid admin token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Query handlers ---

func (s *Server) getParams(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, "params", http.StatusOK, s.query.GetParams())
}

func (s *Server) getIndex(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, "index", http.StatusOK, s.query.GetIndex())
}

func (s *Server) getPool(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, "pool", http.StatusOK, s.query.GetPool())
}

func (s *Server) getDeposit(w http.ResponseWriter, r *http.Request) {
	depositor := chi.URLParam(r, "depositor")
	var denoms []string
	if q := r.URL.Query().Get("denoms"); q != "" {
		denoms = strings.Split(q, ",")
	}
	s.writeJSON(w, "deposit", http.StatusOK, s.query.GetDeposit(depositor, denoms))
}

func (s *Server) getTrove(w http.ResponseWriter, r *http.Request) {
	resp, err := s.query.GetTrove(chi.URLParam(r, "owner"))
	if err != nil {
		s.writeError(w, "trove", statusFor(err), err)
		return
	}
	s.writeJSON(w, "trove", http.StatusOK, resp)
}

func (s *Server) getSurplus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, "surplus", http.StatusOK, s.query.GetSurplus(chi.URLParam(r, "owner")))
}

func (s *Server) getLiquidatable(w http.ResponseWriter, r *http.Request) {
	denom := r.URL.Query().Get("denom")
	maxCount := 50
	if q := r.URL.Query().Get("max"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			s.writeError(w, "liquidatable", http.StatusBadRequest, errors.New("max must be a positive integer"))
			return
		}
		maxCount = n
	}
	resp, err := s.query.GetLiquidatable(denom, maxCount)
	if err != nil {
		s.writeError(w, "liquidatable", statusFor(err), err)
		return
	}
	s.writeJSON(w, "liquidatable", http.StatusOK, resp)
}

// --- Operation handlers ---

type openTroveRequest struct {
	Owner      string            `json:"owner"`
	Collateral map[string]uint64 `json:"collateral"`
	Debt       uint64            `json:"debt"`
	HintPrev   string            `json:"hint_prev"`
	HintNext   string            `json:"hint_next"`
}

func (s *Server) openTrove(w http.ResponseWriter, r *http.Request) {
	var req openTroveRequest
	if !s.decode(w, r, "open_trove", &req) {
		return
	}
	fee, err := s.engine.OpenTrove(req.Owner, req.Collateral, req.Debt, req.HintPrev, req.HintNext)
	if err != nil {
		s.writeError(w, "open_trove", statusFor(err), err)
		return
	}
	s.writeJSON(w, "open_trove", http.StatusCreated, map[string]uint64{"fee": fee})
}

type adjustTroveRequest struct {
	DepositColl  map[string]uint64 `json:"deposit_coll"`
	WithdrawColl map[string]uint64 `json:"withdraw_coll"`
	DebtIncrease uint64            `json:"debt_increase"`
	DebtRepay    uint64            `json:"debt_repay"`
	HintPrev     string            `json:"hint_prev"`
	HintNext     string            `json:"hint_next"`
}

func (s *Server) adjustTrove(w http.ResponseWriter, r *http.Request) {
	var req adjustTroveRequest
	if !s.decode(w, r, "adjust_trove", &req) {
		return
	}
	owner := chi.URLParam(r, "owner")
	fee, err := s.engine.AdjustTrove(owner, req.DepositColl, req.WithdrawColl, req.DebtIncrease, req.DebtRepay, req.HintPrev, req.HintNext)
	if err != nil {
		s.writeError(w, "adjust_trove", statusFor(err), err)
		return
	}
	s.writeJSON(w, "adjust_trove", http.StatusOK, map[string]uint64{"fee": fee})
}

func (s *Server) closeTrove(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	returned, repaid, err := s.engine.CloseTrove(owner)
	if err != nil {
		s.writeError(w, "close_trove", statusFor(err), err)
		return
	}
	s.writeJSON(w, "close_trove", http.StatusOK, map[string]any{
		"collateral_returned": returned,
		"debt_repaid":         repaid,
	})
}

func (s *Server) claimSurplus(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	claimed, err := s.engine.ClaimSurplus(owner)
	if err != nil {
		s.writeError(w, "claim_surplus", statusFor(err), err)
		return
	}
	s.writeJSON(w, "claim_surplus", http.StatusOK, map[string]any{"claimed": claimed})
}

type stabilityRequest struct {
	Depositor string `json:"depositor"`
	Amount    uint64 `json:"amount"`
}

func (s *Server) provideStability(w http.ResponseWriter, r *http.Request) {
	var req stabilityRequest
	if !s.decode(w, r, "provide_stability", &req) {
		return
	}
	if err := s.engine.ProvideStability(req.Depositor, req.Amount); err != nil {
		s.writeError(w, "provide_stability", statusFor(err), err)
		return
	}
	s.writeJSON(w, "provide_stability", http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) withdrawStability(w http.ResponseWriter, r *http.Request) {
	var req stabilityRequest
	if !s.decode(w, r, "withdraw_stability", &req) {
		return
	}
	if err := s.engine.WithdrawStability(req.Depositor, req.Amount); err != nil {
		s.writeError(w, "withdraw_stability", statusFor(err), err)
		return
	}
	s.writeJSON(w, "withdraw_stability", http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) claimPoolGains(w http.ResponseWriter, r *http.Request) {
	var req stabilityRequest
	if !s.decode(w, r, "claim_pool_gains", &req) {
		return
	}
	claimed, err := s.engine.ClaimPoolGains(req.Depositor)
	if err != nil {
		s.writeError(w, "claim_pool_gains", statusFor(err), err)
		return
	}
	s.writeJSON(w, "claim_pool_gains", http.StatusOK, map[string]any{"claimed": claimed})
}

type liquidateRequest struct {
	Troves []string `json:"troves"`
}

func (s *Server) liquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if !s.decode(w, r, "liquidate", &req) {
		return
	}
	result, err := s.engine.Liquidate(req.Troves)
	if err != nil {
		s.writeError(w, "liquidate", statusFor(err), err)
		return
	}
	s.writeJSON(w, "liquidate", http.StatusOK, result)
}

type redeemRequest struct {
	Redeemer      string `json:"redeemer"`
	Amount        uint64 `json:"amount"`
	Denom         string `json:"denom"`
	MaxIterations int    `json:"max_iterations"`
}

func (s *Server) redeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if !s.decode(w, r, "redeem", &req) {
		return
	}
	result, err := s.engine.Redeem(req.Redeemer, req.Amount, req.Denom, req.MaxIterations)
	if err != nil {
		s.writeError(w, "redeem", statusFor(err), err)
		return
	}
	s.writeJSON(w, "redeem", http.StatusOK, result)
}

// --- Admin handlers ---

type setParamsRequest struct {
	Caller string               `json:"caller"`
	Params state.ProtocolParams `json:"params"`
}

func (s *Server) setParams(w http.ResponseWriter, r *http.Request) {
	var req setParamsRequest
	if !s.decode(w, r, "set_params", &req) {
		return
	}
	if err := s.engine.SetParams(req.Caller, req.Params); err != nil {
		s.writeError(w, "set_params", statusFor(err), err)
		return
	}
	s.writeJSON(w, "set_params", http.StatusOK, map[string]string{"status": "ok"})
}

type adminRequest struct {
	Caller string `json:"caller"`
}

func (s *Server) resetIndex(w http.ResponseWriter, r *http.Request) {
	var req adminRequest
	if !s.decode(w, r, "reset_index", &req) {
		return
	}
	if err := s.engine.ResetIndex(req.Caller); err != nil {
		s.writeError(w, "reset_index", statusFor(err), err)
		return
	}
	s.writeJSON(w, "reset_index", http.StatusOK, map[string]string{"status": "ok"})
}

type feeRoutingRequest struct {
	Caller  string `json:"caller"`
	Enabled bool   `json:"enabled"`
}

func (s *Server) setFeeRouting(w http.ResponseWriter, r *http.Request) {
	var req feeRoutingRequest
	if !s.decode(w, r, "set_fee_routing", &req) {
		return
	}
	if err := s.engine.SetFeeRouting(req.Caller, req.Enabled); err != nil {
		s.writeError(w, "set_fee_routing", statusFor(err), err)
		return
	}
	s.writeJSON(w, "set_fee_routing", http.StatusOK, map[string]string{"status": "ok"})
}

type treasuriesRequest struct {
	Caller    string `json:"caller"`
	TreasuryA string `json:"treasury_a"`
	TreasuryB string `json:"treasury_b"`
}

func (s *Server) setTreasuries(w http.ResponseWriter, r *http.Request) {
	var req treasuriesRequest
	if !s.decode(w, r, "set_treasuries", &req) {
		return
	}
	if err := s.engine.SetTreasuries(req.Caller, req.TreasuryA, req.TreasuryB); err != nil {
		s.writeError(w, "set_treasuries", statusFor(err), err)
		return
	}
	s.writeJSON(w, "set_treasuries", http.StatusOK, map[string]string{"status": "ok"})
}

// --- Helpers ---

func (s *Server) decode(w http.ResponseWriter, r *http.Request, endpoint string, into any) bool {
	body := http.MaxBytesReader(w, r.Body, requestLimit)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, err)
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, endpoint string, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error().Err(err).Str("endpoint", endpoint).Msg("encode response")
	}
	if s.metrics != nil {
		s.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	}
}

func (s *Server) writeError(w http.ResponseWriter, endpoint string, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
	if s.metrics != nil {
		s.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	}
}

// statusFor maps engine errors onto HTTP statuses. Anything unrecognised is
// a 409: the request was well-formed but the state would not allow it.
func statusFor(err error) int {
	switch {
	case errors.Is(err, state.ErrTroveNotFound), errors.Is(err, state.ErrNodeNotFound),
		errors.Is(err, state.ErrNoDeposit):
		return http.StatusNotFound
	case errors.Is(err, state.ErrZeroAmount), errors.Is(err, state.ErrConflictingAdjustment),
		errors.Is(err, oracle.ErrInvalidPrice):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, oracle.ErrStalePrice), errors.Is(err, oracle.ErrUnknownDenom):
		return http.StatusServiceUnavailable
	default:
		return http.StatusConflict
	}
}
