// Package httpserver serves the read-only dashboard API.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/and161185/medledger/internal/auth"
	"github.com/and161185/medledger/internal/errs"
	"github.com/and161185/medledger/internal/ledger"
	"github.com/and161185/medledger/internal/model"
	"github.com/and161185/medledger/internal/service"
)

type Server struct {
	dir     service.DirectoryService
	records service.RecordService
	auth    service.AuthService
	ledger  ledger.Reader
	secret  []byte
	log     *zap.Logger
}

// Deps wires a Server.
type Deps struct {
	Directory service.DirectoryService
	Records   service.RecordService
	Auth      service.AuthService
	Ledger    ledger.Reader
	Secret    []byte
	Logger    *zap.Logger
}

// NewServer constructs the HTTP API.
func NewServer(d Deps) *Server {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		dir:     d.Directory,
		records: d.Records,
		auth:    d.Auth,
		ledger:  d.Ledger,
		secret:  d.Secret,
		log:     log,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/auth/challenge", s.handleChallenge)
	r.Post("/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/users", s.handleListUsers)
		r.Get("/users/{address}", s.handleGetUser)
		r.Get("/access/{patient}/{doctor}", s.handleAccess)
		r.Get("/users/{address}/documents/{cid}", s.handleDownload)
	})
	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("http",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("dur", time.Since(start)),
		)
	})
}

type challengeRequest struct {
	Address string `json:"address"`
}

type loginRequest struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	addr, ok := parseAddress(req.Address)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_address")
		return
	}
	ch, err := s.auth.Challenge(r.Context(), addr)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	addr, ok := parseAddress(req.Address)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_address")
		return
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_signature")
		return
	}
	sess, err := s.auth.LoginWithIP(r.Context(), addr, sig, clientIP(r))
	if errors.Is(err, errs.ErrUnauthorized) {
		writeError(w, http.StatusUnauthorized, "login_failed")
		return
	}
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	var role *model.Role
	if q := r.URL.Query().Get("role"); q != "" {
		v, err := model.ParseRole(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_role")
			return
		}
		role = &v
	}
	viewer, err := s.viewer(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	users, err := s.dir.List(r.Context(), viewer, role)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(chi.URLParam(r, "address"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_address")
		return
	}
	viewer, err := s.viewer(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	p, err := s.dir.Get(r.Context(), viewer, addr)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleAccess(w http.ResponseWriter, r *http.Request) {
	patient, ok1 := parseAddress(chi.URLParam(r, "patient"))
	doctor, ok2 := parseAddress(chi.URLParam(r, "doctor"))
	if !ok1 || !ok2 {
		writeError(w, http.StatusBadRequest, "invalid_address")
		return
	}
	has, err := s.dir.HasAccess(r.Context(), patient, doctor)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"patient":   patient,
		"doctor":    doctor,
		"hasAccess": has,
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	patient, ok := parseAddress(chi.URLParam(r, "address"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_address")
		return
	}
	viewer, err := s.viewer(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	data, err := s.records.Download(r.Context(), viewer, patient, chi.URLParam(r, "cid"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// viewer resolves the caller's current on-chain role. A deleted caller loses elevated views.
func (s *Server) viewer(ctx context.Context) (model.Viewer, error) {
	claims := claimsFromContext(ctx)
	return service.ViewerFor(ctx, s.ledger, claims.Address())
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := auth.ParseToken(s.secret, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type claimsKey struct{}

func claimsFromContext(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(claimsKey{}).(*auth.Claims)
	if c == nil {
		return &auth.Claims{}
	}
	return c
}

func bearerToken(header string) string {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func parseAddress(s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

var kindStatus = map[errs.Kind]int{
	errs.KindConnectivity:  http.StatusServiceUnavailable,
	errs.KindAuthorization: http.StatusForbidden,
	errs.KindPrecondition:  http.StatusPreconditionFailed,
	errs.KindValidation:    http.StatusBadRequest,
	errs.KindConflict:      http.StatusConflict,
	errs.KindNotFound:      http.StatusNotFound,
	errs.KindRateLimited:   http.StatusTooManyRequests,
}

// writeFailure maps err onto the failure taxonomy. Internal details are logged, not returned.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	f := errs.Describe(err)
	status, ok := kindStatus[f.Kind]
	if !ok {
		s.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, string(errs.KindInternal))
		return
	}
	writeJSON(w, status, map[string]any{
		"error":     f.Kind,
		"message":   f.Message,
		"retryable": f.Retryable,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
