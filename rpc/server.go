package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"escrowsim/native/escrow"
	"escrowsim/native/ledger"
	"escrowsim/observability"
)

const maxRequestBytes = 1 << 20 // 1 MiB

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001
	codeForbidden      = -32003
	codeRateLimited    = -32020
)

const requestIDHeader = "X-Request-Id"

type ctxKey string

const ctxKeyRequestID ctxKey = "rpc.request_id"

type handlerFunc func(w http.ResponseWriter, r *http.Request, req *RPCRequest)

// Server exposes the ledger and escrow registry over JSON-RPC 2.0.
type Server struct {
	ledger   *ledger.Ledger
	registry *escrow.Registry

	auth    *Authenticator
	limiter *RateLimiter
	metrics *observability.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
	nowFn   func() time.Time

	methods map[string]handlerFunc
}

// Option customises a Server.
type Option func(*Server)

func WithAuthenticator(auth *Authenticator) Option {
	return func(s *Server) { s.auth = auth }
}

func WithRateLimiter(limiter *RateLimiter) Option {
	return func(s *Server) { s.limiter = limiter }
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Server) { s.metrics = metrics }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source handed to contract operations.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func NewServer(l *ledger.Ledger, registry *escrow.Registry, opts ...Option) *Server {
	s := &Server{
		ledger:   l,
		registry: registry,
		logger:   slog.Default(),
		tracer:   otel.Tracer("escrowsim/rpc"),
		nowFn:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.methods = map[string]handlerFunc{
		"ledger_createAccount":   s.handleLedgerCreateAccount,
		"ledger_balanceOf":       s.handleLedgerBalanceOf,
		"ledger_transfer":        s.handleLedgerTransfer,
		"ledger_deposit":         s.handleLedgerDeposit,
		"ledger_accounts":        s.handleLedgerAccounts,
		"escrow_create":          s.handleEscrowCreate,
		"escrow_get":             s.handleEscrowGet,
		"escrow_sign":            s.handleEscrowSign,
		"escrow_pay":             s.handleEscrowPay,
		"escrow_confirmDelivery": s.handleEscrowConfirmDelivery,
		"escrow_cancel":          s.handleEscrowCancel,
		"escrow_timeRemaining":   s.handleEscrowTimeRemaining,
		"escrow_listEvents":      s.handleEscrowListEvents,
		"escrow_list":            s.handleEscrowList,
	}
	return s
}

// Router returns the HTTP surface: POST /rpc, GET /healthz and GET /metrics.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	r.Group(func(r chi.Router) {
		r.Use(s.limiter.Middleware(func() { s.metrics.RecordThrottle("rate_limit") }))
		r.Post("/rpc", s.handle)
	})
	return r
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

func (s *Server) now() int64 { return s.nowFn().Unix() }

// handle decodes one JSON-RPC request and routes it to its method handler.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}
	handler, ok := s.methods[req.Method]
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
		s.metrics.Observe("unknown", codeMethodNotFound, 0)
		return
	}

	start := time.Now()
	ctx, span := s.tracer.Start(r.Context(), req.Method, trace.WithAttributes(
		attribute.String("rpc.system", "jsonrpc"),
		attribute.String("rpc.method", req.Method),
	))
	rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
	handler(rec, r.WithContext(ctx), req)
	elapsed := time.Since(start)

	span.SetAttributes(attribute.Int("http.status_code", rec.status))
	if rec.code != 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("rpc error %d", rec.code))
	}
	span.End()
	s.metrics.Observe(req.Method, rec.code, elapsed)

	level := slog.LevelInfo
	if rec.code != 0 {
		level = slog.LevelWarn
	}
	s.logger.LogAttrs(ctx, level, "rpc request",
		slog.String("component", "rpc"),
		slog.String("method", req.Method),
		slog.String("request_id", requestIDFrom(ctx)),
		slog.Int("code", rec.code),
		slog.Duration("duration", elapsed),
	)
}

func decodeParams(req *RPCRequest, dst interface{}) *RPCError {
	if len(req.Params) != 1 {
		return &RPCError{Code: codeInvalidParams, Message: "invalid_params", Data: "exactly one parameter object expected"}
	}
	dec := json.NewDecoder(bytes.NewReader(req.Params[0]))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &RPCError{Code: codeInvalidParams, Message: "invalid_params", Data: err.Error()}
	}
	return nil
}
