package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"gozon/fulfillment/internal/auth"
	"gozon/fulfillment/internal/order"
	"gozon/fulfillment/internal/payment"
	"gozon/fulfillment/internal/reconcile"

	"github.com/go-playground/validator/v10"
)

type OrderService interface {
	Checkout(ctx context.Context, d order.Draft) (*order.Order, error)
	Get(ctx context.Context, id string) (*order.Order, error)
	List(ctx context.Context, userID string) ([]order.Order, error)
	UpdateStatus(ctx context.Context, id string, upd order.StatusUpdate) (*order.Order, error)
}

type PaymentLedger interface {
	Initialize(ctx context.Context, o *order.Order, email, callbackURL string) (*payment.Initialized, error)
	Get(ctx context.Context, reference string) (*payment.Payment, error)
	RecordRefund(ctx context.Context, reference string, req payment.RefundRequest) (*payment.Payment, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, in reconcile.Input) (*reconcile.Result, error)
}

type Deps struct {
	Orders   OrderService
	Payments PaymentLedger
	Engine   Reconciler
	Auth     *auth.Verifier
	// LiveUpdates serves GET /orders/{orderID}/ws when set.
	LiveUpdates http.HandlerFunc
	// Ping reports backing store health for /healthz.
	Ping func(ctx context.Context) error
	// CallbackURL is used when initialize requests carry none.
	CallbackURL string
	Logger      *slog.Logger
}

type Server struct {
	orders      OrderService
	payments    PaymentLedger
	engine      Reconciler
	auth        *auth.Verifier
	ping        func(ctx context.Context) error
	callbackURL string
	validate    *validator.Validate
	logger      *slog.Logger
	mux         *http.ServeMux
}

func NewServer(d Deps) *Server {
	s := &Server{
		orders:      d.Orders,
		payments:    d.Payments,
		engine:      d.Engine,
		auth:        d.Auth,
		ping:        d.Ping,
		callbackURL: d.CallbackURL,
		validate:    newValidator(),
		logger:      d.Logger,
		mux:         http.NewServeMux(),
	}
	s.routes()
	if d.LiveUpdates != nil {
		s.mux.HandleFunc("GET /orders/{orderID}/ws", d.LiveUpdates)
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.health)

	s.mux.HandleFunc("POST /checkout", s.authed(s.checkout))
	s.mux.HandleFunc("GET /orders", s.authed(s.listOrders))
	s.mux.HandleFunc("GET /orders/{orderID}", s.authed(s.getOrder))
	s.mux.HandleFunc("POST /orders/{orderID}/cancel", s.authed(s.cancelOrder))

	s.mux.HandleFunc("POST /payments/initialize", s.authed(s.initializePayment))
	s.mux.HandleFunc("GET /payments/verify/{reference}", s.authed(s.verifyPayment))
	s.mux.HandleFunc("POST /webhooks/gateway", s.gatewayWebhook)

	s.mux.HandleFunc("PATCH /admin/orders/{orderID}/status", s.admin(s.updateOrderStatus))
	s.mux.HandleFunc("POST /admin/payments/{reference}/refunds", s.admin(s.refundPayment))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		if err := s.ping(r.Context()); err != nil {
			s.logger.Error("health check failed", "err", err)
			writeError(w, http.StatusServiceUnavailable, "unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type authedHandler func(w http.ResponseWriter, r *http.Request, p auth.Principal)

func (s *Server) authed(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.auth.FromRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r.WithContext(auth.WithPrincipal(r.Context(), p)), p)
	}
}

func (s *Server) admin(next authedHandler) http.HandlerFunc {
	return s.authed(func(w http.ResponseWriter, r *http.Request, p auth.Principal) {
		if !p.IsAdmin() {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next(w, r, p)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
