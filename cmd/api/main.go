package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/ticket-purchase-saga/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/ticket-purchase-saga/internal/adapters/mongo"
	"github.com/robertarktes/ticket-purchase-saga/internal/adapters/rabbit"
	redisadapter "github.com/robertarktes/ticket-purchase-saga/internal/adapters/redis"
	"github.com/robertarktes/ticket-purchase-saga/internal/config"
	"github.com/robertarktes/ticket-purchase-saga/internal/domain"
	"github.com/robertarktes/ticket-purchase-saga/internal/gateway"
	httphandler "github.com/robertarktes/ticket-purchase-saga/internal/http"
	"github.com/robertarktes/ticket-purchase-saga/internal/idempotency"
	"github.com/robertarktes/ticket-purchase-saga/internal/inventory"
	"github.com/robertarktes/ticket-purchase-saga/internal/ledger"
	"github.com/robertarktes/ticket-purchase-saga/internal/observability"
	"github.com/robertarktes/ticket-purchase-saga/internal/rateLimit"
	"github.com/robertarktes/ticket-purchase-saga/internal/saga"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdown, err := observability.SetupOTel(context.Background(), cfg)
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdown()

	logger := observability.NewLogger()

	pool, err := pgxpool.New(context.Background(), cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	crdbRepo := crdb.NewRepository(pool)

	mongoClient, err := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf("failed to connect to mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())
	payments := mongoadapter.NewPaymentRepository(mongoClient.Database(cfg.MongoDatabase), logger)
	if err := payments.EnsureIndexes(context.Background()); err != nil {
		log.Fatalf("failed to ensure mongo indexes: %v", err)
	}

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
	redisCache := redisadapter.NewCache(redisClient)
	// The lease must outlive a full saga run, which makes several
	// collaborator calls back to back.
	idemp := idempotency.New(redisadapter.NewIdempotency(redisClient), cfg.IdempotencyTTL, time.Minute)
	rl := rateLimit.NewRateLimiter(redisCache)

	rabbitConn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer rabbitConn.Close()
	rabbitPub, err := rabbit.NewPublisher(rabbitConn)
	if err != nil {
		log.Fatalf("failed to create publisher: %v", err)
	}

	gateways := gateway.Registry{
		domain.MethodWallet:       gateway.NewWalletGateway(cfg.WalletBaseURL, cfg.CollaboratorTimeout),
		domain.MethodBankTransfer: gateway.NewBankTransferGateway(),
	}
	if cfg.StripeSecretKey != "" {
		card, err := gateway.NewCardGateway(cfg.StripeSecretKey)
		if err != nil {
			log.Fatalf("failed to create card gateway: %v", err)
		}
		gateways[domain.MethodCard] = card
	} else {
		// No stripe key set; local and test environments charge against the mock.
		logger.Warn("STRIPE_SECRET_KEY not set, card payments use the mock gateway")
		gateways[domain.MethodCard] = gateway.NewMockGateway()
	}

	ldg := ledger.New(payments, gateways, ledger.NewRabbitNotifier(rabbitPub), logger, cfg.PaymentExpiry, cfg.CollaboratorTimeout)
	seating := inventory.NewHTTPClient(cfg.SeatingBaseURL, cfg.CollaboratorTimeout)
	sg := saga.New(saga.NewCRDBOrderStore(crdbRepo), seating, ldg, logger, cfg.Currency)

	ready := func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return err
		}
		if err := mongoClient.Ping(ctx, nil); err != nil {
			return err
		}
		return redisClient.Ping(ctx).Err()
	}

	handlers := httphandler.NewHandlers(sg, ldg, idemp, logger, ready)
	r := httphandler.NewRouter(handlers, rl, logger)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()
	logger.Info("api listening on ", cfg.ListenAddr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutdown Server ...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server Shutdown:", err)
	}
	logger.Info("Server exiting")
}
