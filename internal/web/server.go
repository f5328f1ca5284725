package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/accountmirror/internal/domain"
	"github.com/vadiminshakov/accountmirror/internal/events"
	"github.com/vadiminshakov/accountmirror/internal/services/account"
	"github.com/vadiminshakov/accountmirror/internal/services/supervisor"
	"go.uber.org/zap"
)

const defaultHeartbeat = 30 * time.Second

// Account is the command surface of one mirrored exchange account.
type Account interface {
	Name() string
	CancelOrders(ctx context.Context, refs []domain.OrderRef)
	CancelAllOrders(ctx context.Context)
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error)
	Streams() map[string]account.StreamInfo
}

// Broker hands out observer subscriptions.
type Broker interface {
	Subscribe() *events.Subscription
	Unsubscribe(sub *events.Subscription)
}

// Server exposes the observer SSE stream, order commands, health and metrics.
type Server struct {
	Addr      string
	hub       Broker
	accounts  map[string]Account
	metrics   http.Handler
	logger    *zap.Logger
	heartbeat time.Duration
	// ctx outlives requests so commands keep running after the 202 is sent.
	ctx context.Context
}

type Option func(*Server)

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithHeartbeat overrides the SSE ping interval.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// NewServer creates a new web server instance.
func NewServer(addr string, hub Broker, accounts []Account, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		Addr:      addr,
		hub:       hub,
		accounts:  make(map[string]Account, len(accounts)),
		logger:    logger,
		heartbeat: defaultHeartbeat,
		ctx:       context.Background(),
	}
	for _, a := range accounts {
		s.accounts[a.Name()] = a
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stream", s.handleStream)
	mux.HandleFunc("POST /orders/cancel", s.handleCancel)
	mux.HandleFunc("POST /orders/cancel-all", s.handleCancelAll)
	mux.HandleFunc("POST /orders", s.handlePlace)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.ctx = ctx
	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", zap.String("addr", s.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "listen")
	}
	return nil
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)
	logger := s.logger.With(zap.String("observer", sub.ID))
	logger.Debug("observer connected")

	// send a comment heartbeat so proxies keep connection
	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			logger.Debug("observer disconnected")
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				logger.Warn("failed to encode observer message", zap.String("type", string(msg.Kind())), zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\n", msg.Kind())
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

type cancelRequest struct {
	Exchange string            `json:"exchange"`
	Orders   []domain.OrderRef `json:"orders"`
}

type cancelAllRequest struct {
	Exchange string `json:"exchange"`
}

type placeRequest struct {
	Exchange string          `json:"exchange"`
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Amount   decimal.Decimal `json:"amount"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	acc, ok := s.decode(w, r, &req, func() string { return req.Exchange })
	if !ok {
		return
	}
	if len(req.Orders) == 0 {
		http.Error(w, "no orders given", http.StatusBadRequest)
		return
	}

	go acc.CancelOrders(s.ctx, req.Orders)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	var req cancelAllRequest
	acc, ok := s.decode(w, r, &req, func() string { return req.Exchange })
	if !ok {
		return
	}

	go acc.CancelAllOrders(s.ctx)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePlace(w http.ResponseWriter, r *http.Request) {
	var req placeRequest
	acc, ok := s.decode(w, r, &req, func() string { return req.Exchange })
	if !ok {
		return
	}

	pair, err := domain.ParsePair(req.Symbol)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	side, _ := domain.ParseSide(req.Side)
	order := domain.OrderRequest{Pair: pair, Side: side, Price: req.Price, Amount: req.Amount}
	if err := order.Validate(); err != nil {
		http.Error(w, "side, price and amount are required", http.StatusBadRequest)
		return
	}

	go func() {
		if _, err := acc.PlaceOrder(s.ctx, order); err != nil {
			s.logger.Warn("order command failed", zap.String("exchange", acc.Name()), zap.Error(err))
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}

// decode reads a JSON command body and resolves its target account.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any, exchange func() string) (Account, bool) {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return nil, false
	}
	acc, ok := s.accounts[strings.ToLower(exchange())]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown exchange %q", exchange()), http.StatusNotFound)
		return nil, false
	}
	return acc, true
}

type healthResponse struct {
	Status    string                                   `json:"status"`
	Exchanges map[string]map[string]account.StreamInfo `json:"exchanges"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Exchanges: make(map[string]map[string]account.StreamInfo, len(s.accounts))}
	for name, acc := range s.accounts {
		streams := acc.Streams()
		for _, info := range streams {
			if info.State == supervisor.StateBackoff.String() {
				resp.Status = "degraded"
			}
		}
		resp.Exchanges[name] = streams
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode health", zap.Error(err))
	}
}
