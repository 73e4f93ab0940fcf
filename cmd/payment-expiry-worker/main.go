package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	mongoadapter "github.com/robertarktes/ticket-purchase-saga/internal/adapters/mongo"
	"github.com/robertarktes/ticket-purchase-saga/internal/adapters/rabbit"
	"github.com/robertarktes/ticket-purchase-saga/internal/config"
	"github.com/robertarktes/ticket-purchase-saga/internal/domain"
	"github.com/robertarktes/ticket-purchase-saga/internal/observability"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg)
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger()

	mongoClient, err := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf("failed to connect to mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())
	payments := mongoadapter.NewPaymentRepository(mongoClient.Database(cfg.MongoDatabase), logger)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()
	rabbitPub, err := rabbit.NewPublisher(conn)
	if err != nil {
		log.Fatalf("failed to create publisher: %v", err)
	}

	worker := NewExpiryWorker(payments, rabbitPub, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go worker.Run(ctx, time.Minute)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutdown payment expiry worker")
}

// ExpiryWorker cancels PENDING payments that outlived their settlement
// window. A new attempt for the same order needs a fresh idempotency key.
type ExpiryWorker struct {
	payments  *mongoadapter.PaymentRepository
	rabbitPub *rabbit.Publisher
	logger    observability.Logger
}

func NewExpiryWorker(payments *mongoadapter.PaymentRepository, rabbitPub *rabbit.Publisher, logger observability.Logger) *ExpiryWorker {
	return &ExpiryWorker{payments: payments, rabbitPub: rabbitPub, logger: logger}
}

func (w *ExpiryWorker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			expired, err := w.payments.ExpirePending(ctx, now.UTC())
			if err != nil {
				w.logger.Error("failed to expire pending payments", err)
				continue
			}
			for _, payment := range expired {
				observability.PaymentsTotal.WithLabelValues(domain.PaymentCancelled, payment.Method).Inc()
				if err := w.publishExpiredWithRetry(ctx, payment); err != nil {
					w.logger.Error("failed to publish payment.expired after retries", err)
				}
			}
		}
	}
}

func (w *ExpiryWorker) publishExpiredWithRetry(ctx context.Context, payment domain.Payment) error {
	body, _ := json.Marshal(map[string]string{
		"payment_id": payment.PaymentID,
		"order_id":   payment.OrderID,
		"status":     domain.PaymentCancelled,
		"reason":     "expired",
	})

	var err error
	for i := 0; i < 3; i++ {
		err = w.rabbitPub.Publish(ctx, "payment.expired", amqp.Publishing{
			ContentType: "application/json",
			MessageId:   payment.PaymentID + ":expired",
			Body:        body,
		})
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(1<<i) * time.Second):
		}
	}
	return err
}
