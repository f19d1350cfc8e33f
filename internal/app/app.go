package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"gozon/fulfillment/internal/auth"
	"gozon/fulfillment/internal/config"
	"gozon/fulfillment/internal/gateway"
	"gozon/fulfillment/internal/httpapi"
	"gozon/fulfillment/internal/order"
	"gozon/fulfillment/internal/payment"
	"gozon/fulfillment/internal/reconcile"
	"gozon/fulfillment/internal/stock"
	"gozon/fulfillment/internal/storage"
	"gozon/fulfillment/internal/webhook"
	"gozon/fulfillment/internal/websocket"
	"gozon/fulfillment/pkg/contracts"
	"gozon/fulfillment/pkg/messaging"

	"github.com/rabbitmq/amqp091-go"
	"golang.org/x/time/rate"
)

const (
	sweepBatch  = 100
	repairBatch = 100
)

var liveUpdateBindings = []string{contracts.EventOrderPaid, contracts.EventOrderStatusChanged}

type App struct {
	cfg    config.Config
	logger *slog.Logger
	store  *storage.Store
	orders *order.Service
	ledger *payment.Ledger
	engine *reconcile.Engine

	wsHub     *websocket.Hub
	publisher messaging.Publisher
	outbox    *messaging.OutboxDispatcher
	consumer  *messaging.Consumer
	httpSrv   *http.Server
}

// Open connects to the database and builds the order, payment and
// reconciliation core. It is enough for one-shot maintenance commands.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	store, err := storage.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	orders := order.NewService(
		order.NewPostgresStore(store.Pool()),
		stock.NewPostgresAdjuster(store.Pool()),
		cfg.Currency,
		logger.With("component", "orders"),
	)

	gw := gateway.NewClient(gateway.Config{
		BaseURL:   cfg.GatewayBaseURL,
		SecretKey: cfg.GatewaySecretKey,
		Timeout:   cfg.GatewayTimeout,
	}, rate.NewLimiter(rate.Limit(cfg.GatewayRPS), cfg.GatewayBurst))

	ledger := payment.NewLedger(payment.NewPostgresStore(store.Pool()), orders, gw, logger.With("component", "payments"))
	engine := reconcile.NewEngine(webhook.NewVerifier(cfg.WebhookSecret), gw, ledger, logger.With("component", "reconcile"))

	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
		orders: orders,
		ledger: ledger,
		engine: engine,
	}, nil
}

// New builds the full service: the core from Open plus the HTTP API, the
// outbox relay and the live-update consumer.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a, err := Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	publisher, err := messaging.NewRabbitPublisher(cfg.RabbitURL, cfg.EventsExchange)
	if err != nil {
		a.store.Close()
		return nil, err
	}
	a.publisher = publisher

	consumer, err := messaging.NewRabbitConsumer(cfg.RabbitURL, cfg.EventsExchange, cfg.EventsQueue, liveUpdateBindings, logger)
	if err != nil {
		publisher.Close()
		a.store.Close()
		return nil, err
	}
	a.consumer = consumer

	a.outbox = messaging.NewOutboxDispatcher(messaging.NewPgOutbox(a.store.Pool()), publisher, cfg.OutboxInterval, cfg.OutboxBatch, logger)
	a.wsHub = websocket.NewHub()

	verifier := auth.NewVerifier(cfg.JWTSecret)
	wsHandler := websocket.NewHandler(a.wsHub, a.orders, verifier, logger)
	api := httpapi.NewServer(httpapi.Deps{
		Orders:      a.orders,
		Payments:    a.ledger,
		Engine:      a.engine,
		Auth:        verifier,
		LiveUpdates: wsHandler.ServeWS,
		Ping:        a.store.Ping,
		CallbackURL: cfg.PublicCallbackURL,
		Logger:      logger.With("component", "http"),
	})
	a.httpSrv = &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api,
	}
	return a, nil
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)

	a.outbox.Start(ctx)

	go a.wsHub.Run(ctx)

	go func() {
		errCh <- a.consumer.Start(ctx, a.handleLiveUpdate)
	}()

	go a.engine.Schedule(ctx, "sweep", a.cfg.SweepInterval, a.Sweep)
	go a.engine.Schedule(ctx, "repair", a.cfg.SweepInterval, a.Repair)

	go func() {
		a.logger.Info("fulfillment http server listening", "addr", a.cfg.HTTPAddr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (a *App) Close(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownGracePeriod)
	defer cancel()
	if a.httpSrv != nil {
		_ = a.httpSrv.Shutdown(shutdownCtx)
	}
	if a.consumer != nil {
		a.consumer.Close()
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	a.store.Close()
}

func (a *App) Migrate(ctx context.Context) error {
	if err := a.store.Migrate(ctx); err != nil {
		return err
	}
	version, err := a.store.MigrationVersion(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("schema up to date", "version", version)
	return nil
}

// Sweep settles payments pending longer than PaymentAbandonAfter.
func (a *App) Sweep(ctx context.Context) (int, error) {
	return a.engine.Sweep(ctx, a.cfg.PaymentAbandonAfter, sweepBatch)
}

// Repair projects successful payments onto orders that missed them.
func (a *App) Repair(ctx context.Context) (int, error) {
	return a.engine.Repair(ctx, repairBatch)
}

func (a *App) handleLiveUpdate(_ context.Context, msg amqp091.Delivery) {
	var env contracts.Envelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		a.logger.Error("invalid event envelope", "routing_key", msg.RoutingKey, "err", err)
		_ = msg.Nack(false, false)
		return
	}

	if err := a.wsHub.HandleEvent(env); err != nil {
		a.logger.Error("live update dropped", "event_id", env.EventID, "event_type", env.Type, "err", err)
		_ = msg.Nack(false, false)
		return
	}

	_ = msg.Ack(false)
}
