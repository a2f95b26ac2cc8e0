package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/vaultd/pkg/apperr"
	"github.com/gregtusar/vaultd/pkg/binance"
	"github.com/gregtusar/vaultd/pkg/models"
	"github.com/gregtusar/vaultd/pkg/pricestream"
	"github.com/gregtusar/vaultd/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Portfolio is the account surface. *portfolio.Service implements it.
type Portfolio interface {
	TestConnection(ctx context.Context, clientKey string, creds binance.Credentials) error
	RegisterCredential(ctx context.Context, clientKey, ownerID, label string, creds binance.Credentials) (*models.Credential, error)
	DeleteCredential(ctx context.Context, ownerID string) error
	Account(ctx context.Context, ownerID string) (*models.AccountSnapshot, error)
	PublicAccount(ctx context.Context, token string) (*models.AccountSnapshot, error)
	History(ctx context.Context, ownerID string, since int64) ([]models.SnapshotRecord, error)
}

// PriceFeed is the live ticker. *pricestream.Manager implements it.
type PriceFeed interface {
	Subscribe(symbol string, cb pricestream.Callback) (func(), error)
	Known(symbol string) bool
	State() pricestream.State
}

type PriceSource interface {
	Prices(ctx context.Context, assets []string, quote string) (map[string]decimal.Decimal, error)
}

// Authenticator wraps handlers that need an owner identity. *auth.Authenticator implements it.
type Authenticator interface {
	Middleware(next http.Handler) http.Handler
}

// Instrument wraps a handler with request metrics. *metrics.Recorder implements it.
type Instrument interface {
	Middleware(route string, next http.Handler) http.Handler
	Handler() http.Handler
}

type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigin   string
	// Assets and Quote drive GET /api/prices.
	Assets []string
	Quote  string
}

type Server struct {
	cfg       Config
	portfolio Portfolio
	feed      PriceFeed
	prices    PriceSource
	auth      Authenticator
	metrics   Instrument
	logger    *logrus.Logger
	upgrader  websocket.Upgrader
	http      *http.Server
}

func NewServer(cfg Config, portfolio Portfolio, feed PriceFeed, prices PriceSource, authn Authenticator, metrics Instrument, logger *logrus.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		portfolio: portfolio,
		feed:      feed,
		prices:    prices,
		auth:      authn,
		metrics:   metrics,
		logger:    logger,
	}
	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      s.checkOrigin,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.route(mux, "GET /api/health", s.handleHealth, false)
	s.route(mux, "POST /api/test-connection", s.handleTestConnection, false)
	s.route(mux, "POST /api/credentials", s.handleRegister, true)
	s.route(mux, "DELETE /api/credentials", s.handleDeleteCredential, true)
	s.route(mux, "GET /api/account", s.handleAccount, true)
	s.route(mux, "GET /api/account/history", s.handleHistory, true)
	s.route(mux, "GET /api/public/{token}", s.handlePublicAccount, false)
	s.route(mux, "GET /api/prices", s.handlePrices, false)
	s.route(mux, "GET /ws/prices", s.handlePriceStream, false)
	mux.Handle("GET /metrics", s.metrics.Handler())

	return corsMiddleware(s.cfg.CORSOrigin, mux)
}

func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc, authenticated bool) {
	var handler http.Handler = h
	if authenticated {
		handler = s.auth.Middleware(handler)
	}
	mux.Handle(pattern, s.metrics.Middleware(pattern, handler))
}

func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.logger.Infof("Starting API server on port %d", s.cfg.Port)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func corsMiddleware(origin string, next http.Handler) http.Handler {
	if origin == "" {
		origin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.CORSOrigin == "" || s.cfg.CORSOrigin == "*" {
		return true
	}
	return r.Header.Get("Origin") == s.cfg.CORSOrigin
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

type errorResponse struct {
	Code       string `json:"code"`
	Error      string `json:"error"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// writeError maps the error taxonomy onto HTTP statuses. Details of
// unexpected errors are logged, never returned.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Error: "no credential registered"})
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}

	e, ok := apperr.As(err)
	if !ok {
		s.logger.WithError(err).WithField("path", r.URL.Path).Error("Request failed")
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Code: apperr.CodeUnknown, Error: "internal error"})
		return
	}

	resp := errorResponse{Code: e.Code, Error: e.Detail}
	if e.Kind == apperr.KindRateLimit && e.RetryAfter > 0 {
		secs := int((e.RetryAfter + time.Second - 1) / time.Second)
		resp.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	status := statusFor(e)
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("path", r.URL.Path).Warn("Request failed")
	}
	s.writeJSON(w, status, resp)
}

func statusFor(e *apperr.Error) int {
	switch e.Kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindAuth, apperr.KindSignature:
		return http.StatusUnauthorized
	case apperr.KindRateLimit:
		return http.StatusTooManyRequests
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	case apperr.KindNetwork, apperr.KindVenue:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// clientIP prefers the first X-Forwarded-For hop.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
