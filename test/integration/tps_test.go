package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/ticket-purchase-saga/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/ticket-purchase-saga/internal/adapters/mongo"
	"github.com/robertarktes/ticket-purchase-saga/internal/adapters/rabbit"
	redisadapter "github.com/robertarktes/ticket-purchase-saga/internal/adapters/redis"
	"github.com/robertarktes/ticket-purchase-saga/internal/domain"
	"github.com/robertarktes/ticket-purchase-saga/internal/gateway"
	httphandler "github.com/robertarktes/ticket-purchase-saga/internal/http"
	"github.com/robertarktes/ticket-purchase-saga/internal/idempotency"
	"github.com/robertarktes/ticket-purchase-saga/internal/inventory"
	"github.com/robertarktes/ticket-purchase-saga/internal/ledger"
	"github.com/robertarktes/ticket-purchase-saga/internal/observability"
	"github.com/robertarktes/ticket-purchase-saga/internal/outbox"
	"github.com/robertarktes/ticket-purchase-saga/internal/rateLimit"
	"github.com/robertarktes/ticket-purchase-saga/internal/saga"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const schema = `
CREATE DATABASE IF NOT EXISTS tps;
CREATE TABLE IF NOT EXISTS tps.orders (
	id UUID PRIMARY KEY,
	external_id UUID NOT NULL,
	user_id UUID NOT NULL,
	event_id UUID NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('PENDING', 'CONFIRMED', 'CANCELLED')),
	subtotal INT8 NOT NULL,
	tax INT8 NOT NULL,
	total INT8 NOT NULL,
	currency TEXT NOT NULL,
	payment_id TEXT,
	needs_reconciliation BOOL NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS tps.order_line_items (
	order_id UUID NOT NULL,
	seat_id TEXT NOT NULL,
	seat_label TEXT NOT NULL,
	price INT8 NOT NULL,
	quantity INT NOT NULL,
	PRIMARY KEY (order_id, seat_id)
);
CREATE TABLE IF NOT EXISTS tps.tickets (
	id UUID PRIMARY KEY,
	order_id UUID NOT NULL,
	ticket_ref TEXT NOT NULL UNIQUE,
	seat_id TEXT NOT NULL,
	price INT8 NOT NULL,
	status TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS tps.outbox (
	id UUID PRIMARY KEY,
	aggregate_type TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload_json JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	published_at TIMESTAMPTZ,
	status TEXT NOT NULL DEFAULT 'NEW',
	dedupe_key TEXT
);
`

func TestIntegration_PurchaseAndRefund(t *testing.T) {
	ctx := context.Background()

	crdbContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "cockroachdb/cockroach:v24.1.1",
			Cmd:          []string{"start-single-node", "--insecure"},
			ExposedPorts: []string{"26257/tcp", "8080/tcp"},
			WaitingFor:   wait.ForHTTP("/health?ready=1").WithPort("8080"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer crdbContainer.Terminate(ctx)

	mongoContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForListeningPort("27017/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer mongoContainer.Terminate(ctx)

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForExec([]string{"redis-cli", "ping"}),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer redisContainer.Terminate(ctx)

	rabbitContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:3.13-management",
			ExposedPorts: []string{"5672/tcp", "15672/tcp"},
			WaitingFor:   wait.ForHTTP("/api/health").WithPort("15672"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer rabbitContainer.Terminate(ctx)

	crdbHost, _ := crdbContainer.Host(ctx)
	crdbPort, _ := crdbContainer.MappedPort(ctx, "26257")
	mongoHost, _ := mongoContainer.Host(ctx)
	mongoPort, _ := mongoContainer.MappedPort(ctx, "27017")
	redisHost, _ := redisContainer.Host(ctx)
	redisPort, _ := redisContainer.MappedPort(ctx, "6379")
	rabbitHost, _ := rabbitContainer.Host(ctx)
	rabbitPort, _ := rabbitContainer.MappedPort(ctx, "5672")

	pool, err := pgxpool.New(ctx, "postgresql://root@"+crdbHost+":"+crdbPort.Port()+"/tps?sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	if _, err := pool.Exec(ctx, schema); err != nil {
		t.Fatal(err)
	}
	crdbRepo := crdb.NewRepository(pool)

	logger := observability.NewLogger()

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI("mongodb://"+mongoHost+":"+mongoPort.Port()))
	if err != nil {
		t.Fatal(err)
	}
	defer mongoClient.Disconnect(ctx)
	payments := mongoadapter.NewPaymentRepository(mongoClient.Database("tps"), logger)
	if err := payments.EnsureIndexes(ctx); err != nil {
		t.Fatal(err)
	}

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: redisHost + ":" + redisPort.Port()})
	redisCache := redisadapter.NewCache(redisClient)
	idemp := idempotency.New(redisadapter.NewIdempotency(redisClient), time.Hour, time.Minute)
	rl := rateLimit.NewRateLimiter(redisCache)

	rabbitConn, err := amqp.Dial("amqp://guest:guest@" + rabbitHost + ":" + rabbitPort.Port() + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer rabbitConn.Close()
	rabbitPub, err := rabbit.NewPublisher(rabbitConn)
	if err != nil {
		t.Fatal(err)
	}

	consumer, err := rabbit.NewConsumer(rabbitConn, "tps.test.q", []string{"order.*", "payment.*"})
	if err != nil {
		t.Fatal(err)
	}
	deliveries, err := consumer.Consume(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// Stub seating service: every reserve succeeds with fixed prices.
	seatingSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/seats/reserve":
			var req struct {
				SeatSelectors []string `json:"seatSelectors"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			seats := make([]map[string]interface{}, len(req.SeatSelectors))
			for i, s := range req.SeatSelectors {
				seats[i] = map[string]interface{}{"seatId": "seat-" + s, "label": s, "price": 25000}
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"holdToken":     uuid.New().String(),
				"expiresAt":     time.Now().UTC().Add(5 * time.Minute).Format(time.RFC3339),
				"reservedSeats": seats,
			})
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer seatingSrv.Close()

	mock := gateway.NewMockGateway()
	gateways := gateway.Registry{domain.MethodCard: mock}
	ldg := ledger.New(payments, gateways, ledger.NewRabbitNotifier(rabbitPub), logger, 15*time.Minute, 5*time.Second)
	seating := inventory.NewHTTPClient(seatingSrv.URL, 5*time.Second)
	sg := saga.New(saga.NewCRDBOrderStore(crdbRepo), seating, ldg, logger, "USD")

	relayCtx, stopRelay := context.WithCancel(ctx)
	defer stopRelay()
	go outbox.NewPublisher(crdbRepo, rabbitPub, logger).Run(relayCtx)

	handlers := httphandler.NewHandlers(sg, ldg, idemp, logger, nil)
	apiSrv := httptest.NewServer(httphandler.NewRouter(handlers, rl, logger))
	defer apiSrv.Close()

	// Purchase two seats.
	orderReq, _ := json.Marshal(map[string]interface{}{
		"user_id":        uuid.New().String(),
		"event_id":       uuid.New().String(),
		"seats":          []string{"A1", "A2"},
		"payment_method": "card",
	})
	key := uuid.New().String()
	req, _ := http.NewRequest("POST", apiSrv.URL+"/v1/orders", bytes.NewReader(orderReq))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("order status = %d", resp.StatusCode)
	}
	var order struct {
		ID        string `json:"id"`
		Status    string `json:"status"`
		Total     int64  `json:"total"`
		PaymentID string `json:"payment_id"`
		Tickets   []struct {
			Ref string `json:"ref"`
		} `json:"tickets"`
	}
	json.NewDecoder(resp.Body).Decode(&order)
	resp.Body.Close()

	if order.Status != "CONFIRMED" {
		t.Errorf("order status = %s, want CONFIRMED", order.Status)
	}
	if order.Total != 52500 {
		t.Errorf("total = %d, want 52500", order.Total)
	}
	if len(order.Tickets) != 2 {
		t.Errorf("tickets = %d, want 2", len(order.Tickets))
	}

	// Replaying the same key returns the cached order without a second charge.
	req, _ = http.NewRequest("POST", apiSrv.URL+"/v1/orders", bytes.NewReader(orderReq))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var replay struct {
		ID string `json:"id"`
	}
	json.NewDecoder(resp.Body).Decode(&replay)
	resp.Body.Close()
	if replay.ID != order.ID {
		t.Errorf("replay returned order %s, want %s", replay.ID, order.ID)
	}
	if mock.ChargeCalls() != 1 {
		t.Errorf("gateway charged %d times, want 1", mock.ChargeCalls())
	}

	// Fully refund the payment.
	refundReq, _ := json.Marshal(map[string]interface{}{"reason": "event_cancelled"})
	resp, err = http.Post(apiSrv.URL+"/v1/payments/"+order.PaymentID+"/refund", "application/json", bytes.NewReader(refundReq))
	if err != nil {
		t.Fatal(err)
	}
	var refunded struct {
		Status           string `json:"status"`
		RemainingBalance int64  `json:"remaining_balance"`
	}
	json.NewDecoder(resp.Body).Decode(&refunded)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refund status = %d", resp.StatusCode)
	}
	if refunded.Status != "REFUNDED" {
		t.Errorf("payment status = %s, want REFUNDED", refunded.Status)
	}
	if refunded.RemainingBalance != 0 {
		t.Errorf("remaining = %d, want 0", refunded.RemainingBalance)
	}

	// A refund on a REFUNDED payment is rejected.
	resp, err = http.Post(apiSrv.URL+"/v1/payments/"+order.PaymentID+"/refund", "application/json", bytes.NewReader(refundReq))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second refund status = %d, want 409", resp.StatusCode)
	}

	// The outbox relay and the ledger notifier both publish to the events
	// exchange; wait for the lifecycle to show up on the bound queue.
	want := map[string]bool{
		"order.created":    false,
		"order.confirmed":  false,
		"payment.refunded": false,
	}
	deadline := time.After(30 * time.Second)
	for remaining := len(want); remaining > 0; {
		select {
		case d := <-deliveries:
			d.Ack(false)
			if seen, ok := want[d.RoutingKey]; ok && !seen {
				want[d.RoutingKey] = true
				remaining--
			}
		case <-deadline:
			t.Fatalf("timed out waiting for events, seen so far: %v", want)
		}
	}
}
