// Package api exposes the coordinator's derived state over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"crosslend/internal/ledger"
	"crosslend/internal/liquidation"
	"crosslend/internal/loanstate"
	"crosslend/internal/metrics"
	"crosslend/internal/pricefeed"
	"crosslend/internal/session"
	"crosslend/internal/version"
)

// LoanSource returns the latest loan view for a session.
type LoanSource interface {
	LatestFor(sess *session.Session) (loanstate.View, bool)
}

// PriceSource returns the latest price snapshot.
type PriceSource interface {
	Latest() pricefeed.Snapshot
}

// RiskSource returns the latest liquidation report.
type RiskSource interface {
	Latest() (liquidation.Report, bool)
}

// LedgerSource lists recorded actions.
type LedgerSource interface {
	List(ctx context.Context) ([]ledger.Entry, error)
}

// Config wires the server to its sources. Nil sources answer 503.
type Config struct {
	Listen   string
	Sessions session.Source
	Loans    LoanSource
	Prices   PriceSource
	Risk     RiskSource
	Ledger   LedgerSource
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

// Server is the read-only status API.
type Server struct {
	cfg     Config
	handler http.Handler
	logger  zerolog.Logger
}

// New builds the router.
func New(cfg Config) *Server {
	s := &Server{cfg: cfg, logger: cfg.Logger.With().Str("component", "api").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if reg := cfg.Metrics.Registry(); reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/session", s.getSession)
		v1.Get("/loan", s.getLoan)
		v1.Get("/prices", s.getPrices)
		v1.Get("/risk", s.getRisk)
		v1.Get("/ledger", s.getLedger)
		v1.Get("/version", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, version.Get())
		})
	})
	s.handler = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.cfg.Listen).Msg("status api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type sessionResponse struct {
	Generation uint64 `json:"generation"`
	ChainID    uint64 `json:"chainId"`
	Account    string `json:"account,omitempty"`
	Bound      bool   `json:"bound"`
	Role       string `json:"role,omitempty"`
	Network    string `json:"network,omitempty"`
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Sessions == nil {
		writeJSONError(w, http.StatusServiceUnavailable, errors.New("session unavailable"))
		return
	}
	sess := s.cfg.Sessions.Current()
	resp := sessionResponse{Generation: sess.Generation, ChainID: sess.ChainID, Bound: sess.Bindings.Bound()}
	if sess.HasAccount() {
		resp.Account = sess.Account.Hex()
	}
	if resp.Bound {
		resp.Role = string(sess.Bindings.Spec.Role)
		resp.Network = sess.Bindings.Spec.Name
	}
	writeJSON(w, http.StatusOK, resp)
}

type loanResponse struct {
	Borrower            string    `json:"borrower"`
	ChainID             uint64    `json:"chainId"`
	Collateral          string    `json:"collateralAmount"`
	LoanAmount          string    `json:"loanAmount"`
	Requested           string    `json:"requestedAmount"`
	DestinationChainID  uint64    `json:"destinationChainId"`
	InterestRateBps     uint64    `json:"interestRateBps"`
	CreditScore         uint64    `json:"creditScore"`
	DurationDays        uint64    `json:"durationDays"`
	Active              bool      `json:"active"`
	FullyCollateralized bool      `json:"isFullyCollateralized"`
	RequiredCollateral  string    `json:"requiredCollateral"`
	SyncedAt            time.Time `json:"syncedAt"`
}

func (s *Server) getLoan(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Sessions == nil || s.cfg.Loans == nil {
		writeJSONError(w, http.StatusServiceUnavailable, errors.New("loan state unavailable"))
		return
	}
	view, ok := s.cfg.Loans.LatestFor(s.cfg.Sessions.Current())
	if !ok {
		writeJSONError(w, http.StatusServiceUnavailable, errors.New("loan state unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, loanResponse{
		Borrower:            view.Borrower.Hex(),
		ChainID:             view.ChainID,
		Collateral:          intString(view.Record.Collateral),
		LoanAmount:          intString(view.Record.LoanAmount),
		Requested:           intString(view.Requested),
		DestinationChainID:  view.Record.DestinationChainID,
		InterestRateBps:     view.Record.InterestRateBps,
		CreditScore:         view.Record.CreditScore,
		DurationDays:        view.Record.DurationDays,
		Active:              view.Record.Active,
		FullyCollateralized: view.Status.FullyCollateralized,
		RequiredCollateral:  intString(view.Status.Required),
		SyncedAt:            view.SyncedAt,
	})
}

type pricesResponse struct {
	Matic     string    `json:"matic"`
	Eth       string    `json:"eth"`
	UpdatedAt time.Time `json:"updatedAt"`
	Stale     bool      `json:"stale"`
	Error     string    `json:"error,omitempty"`
}

func (s *Server) getPrices(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Prices == nil {
		writeJSONError(w, http.StatusServiceUnavailable, errors.New("price feed unavailable"))
		return
	}
	snap := s.cfg.Prices.Latest()
	if !snap.Available {
		err := snap.Err
		if err == nil {
			err = errors.New("no price observed yet")
		}
		writeJSONError(w, http.StatusServiceUnavailable, err)
		return
	}
	resp := pricesResponse{Matic: snap.Matic.String(), Eth: snap.Eth.String(), UpdatedAt: snap.UpdatedAt, Stale: snap.Stale}
	if snap.Err != nil {
		resp.Error = snap.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

type positionResponse struct {
	Borrower         string `json:"borrower"`
	LoanAmount       string `json:"loanAmount"`
	CollateralAmount string `json:"collateralAmount,omitempty"`
	RepaidAmount     string `json:"repaidAmount"`
	TotalDue         string `json:"totalDue"`
	DueTimestamp     int64  `json:"dueTimestamp"`
	Overdue          bool   `json:"overdue"`
	InterestRateBps  uint64 `json:"interestRateBps"`
	Requests         int    `json:"requests"`
}

type riskResponse struct {
	ChainID        uint64             `json:"chainId"`
	ScannedAt      time.Time          `json:"scannedAt"`
	Events         int                `json:"events"`
	Borrowers      int                `json:"borrowers"`
	DecodeFailures int                `json:"decodeFailures"`
	LookupFailures int                `json:"lookupFailures"`
	Positions      []positionResponse `json:"positions"`
}

func (s *Server) getRisk(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Risk == nil {
		writeJSONError(w, http.StatusServiceUnavailable, errors.New("risk report unavailable"))
		return
	}
	report, ok := s.cfg.Risk.Latest()
	if !ok {
		writeJSONError(w, http.StatusServiceUnavailable, errors.New("no scan completed yet"))
		return
	}
	resp := riskResponse{
		ChainID:        report.ChainID,
		ScannedAt:      report.ScannedAt,
		Events:         report.Events,
		Borrowers:      report.Borrowers,
		DecodeFailures: report.DecodeFailures,
		LookupFailures: report.LookupFailures,
		Positions:      make([]positionResponse, 0, len(report.Positions)),
	}
	for _, p := range report.Positions {
		pos := positionResponse{
			Borrower:        p.Borrower.Hex(),
			LoanAmount:      intString(p.LoanAmount),
			RepaidAmount:    intString(p.RepaidAmount),
			TotalDue:        intString(p.TotalDue),
			DueTimestamp:    p.DueTimestamp,
			Overdue:         p.Overdue,
			InterestRateBps: p.InterestRateBps,
			Requests:        p.Requests,
		}
		if p.CollateralAmount != nil {
			pos.CollateralAmount = p.CollateralAmount.String()
		}
		resp.Positions = append(resp.Positions, pos)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getLedger(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ledger == nil {
		writeJSONError(w, http.StatusServiceUnavailable, errors.New("ledger unavailable"))
		return
	}
	entries, err := s.cfg.Ledger.List(r.Context())
	if err != nil {
		s.logger.Warn().Err(err).Msg("list ledger failed")
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func intString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": message})
}
