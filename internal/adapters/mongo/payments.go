package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticket-purchase-saga/internal/domain"
	"github.com/robertarktes/ticket-purchase-saga/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// PaymentRepository owns the payments collection. Refunds are embedded in the
// payment document and written with it; the refund-append filter is the
// compare-and-set that keeps concurrent refunds inside the balance.
type PaymentRepository struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewPaymentRepository(db *mongo.Database, logger observability.Logger) *PaymentRepository {
	return &PaymentRepository{
		coll:   db.Collection("payments"),
		logger: logger,
	}
}

type paymentDoc struct {
	PaymentID            string      `bson:"payment_id"`
	OrderID              string      `bson:"order_id"`
	UserID               string      `bson:"user_id"`
	Amount               int64       `bson:"amount"`
	Currency             string      `bson:"currency"`
	Method               string      `bson:"method"`
	Status               string      `bson:"status"`
	GatewayTransactionID string      `bson:"gateway_transaction_id,omitempty"`
	FailureReason        string      `bson:"failure_reason,omitempty"`
	IdempotencyKey       string      `bson:"idempotency_key"`
	CorrelationID        string      `bson:"correlation_id"`
	Refunds              []refundDoc `bson:"refunds"`
	ProcessedAt          *time.Time  `bson:"processed_at,omitempty"`
	ExpiresAt            time.Time   `bson:"expires_at"`
	CreatedAt            time.Time   `bson:"created_at"`
	UpdatedAt            time.Time   `bson:"updated_at"`
}

type refundDoc struct {
	RefundID        string    `bson:"refund_id"`
	Amount          int64     `bson:"amount"`
	Reason          string    `bson:"reason"`
	Status          string    `bson:"status"`
	GatewayRefundID string    `bson:"gateway_refund_id,omitempty"`
	CreatedAt       time.Time `bson:"created_at"`
}

// EnsureIndexes creates the uniqueness and TTL indexes the ledger relies on.
// The TTL index reaps stale PENDING payments at the storage layer; the sweep
// worker cancels them first so an audit trail survives.
func (p *PaymentRepository) EnsureIndexes(ctx context.Context) error {
	_, err := p.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "payment_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "idempotency_key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "gateway_transaction_id", Value: 1}},
			Options: options.Index().SetSparse(true),
		},
		{
			Keys: bson.D{{Key: "order_id", Value: 1}, {Key: "status", Value: 1}},
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	})
	return err
}

func (p *PaymentRepository) Insert(ctx context.Context, payment *domain.Payment) error {
	_, err := p.coll.InsertOne(ctx, toDoc(payment))
	if mongo.IsDuplicateKeyError(err) {
		return domain.ErrConflict
	}
	return err
}

func (p *PaymentRepository) FindByID(ctx context.Context, paymentID string) (*domain.Payment, error) {
	return p.findOne(ctx, bson.M{"payment_id": paymentID})
}

func (p *PaymentRepository) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Payment, error) {
	return p.findOne(ctx, bson.M{"idempotency_key": key})
}

func (p *PaymentRepository) FindByGatewayTransactionID(ctx context.Context, txnID string) (*domain.Payment, error) {
	return p.findOne(ctx, bson.M{"gateway_transaction_id": txnID})
}

func (p *PaymentRepository) FindByOrder(ctx context.Context, orderID string) ([]domain.Payment, error) {
	cur, err := p.coll.Find(ctx, bson.M{"order_id": orderID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var payments []domain.Payment
	for cur.Next(ctx) {
		var doc paymentDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		payments = append(payments, *fromDoc(&doc))
	}
	return payments, cur.Err()
}

// SetOutcome records the gateway's verdict on a PENDING payment.
func (p *PaymentRepository) SetOutcome(ctx context.Context, paymentID, status, gatewayTxnID, failureReason string) error {
	set := bson.M{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if gatewayTxnID != "" {
		set["gateway_transaction_id"] = gatewayTxnID
	}
	if failureReason != "" {
		set["failure_reason"] = failureReason
	}
	if status == domain.PaymentSuccess {
		set["processed_at"] = time.Now().UTC()
	}
	result, err := p.coll.UpdateOne(ctx,
		bson.M{"payment_id": paymentID, "status": domain.PaymentPending},
		bson.M{"$set": set})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return domain.ErrConflict
	}
	return nil
}

// SetStatus is the admin/webhook correction path and does not guard the
// previous status; callers decide which transitions they allow.
func (p *PaymentRepository) SetStatus(ctx context.Context, paymentID, status, reason string) error {
	set := bson.M{"status": status, "updated_at": time.Now().UTC()}
	if reason != "" {
		set["failure_reason"] = reason
	}
	if status == domain.PaymentSuccess {
		set["processed_at"] = time.Now().UTC()
	}
	result, err := p.coll.UpdateOne(ctx, bson.M{"payment_id": paymentID}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// refundSum evaluates the live sum of refund amounts with the given statuses
// server-side, so a balance check and the write it guards are one atomic
// operation on the document.
func refundSum(statuses ...string) bson.M {
	in := make(bson.A, len(statuses))
	for i, s := range statuses {
		in[i] = s
	}
	return bson.M{"$sum": bson.M{"$map": bson.M{
		"input": bson.M{"$filter": bson.M{
			"input": bson.M{"$ifNull": bson.A{"$refunds", bson.A{}}},
			"as":    "r",
			"cond":  bson.M{"$in": bson.A{"$$r.status", in}},
		}},
		"as": "r",
		"in": "$$r.amount",
	}}}
}

// AppendRefund pushes a PENDING refund only if the amount still fits next to
// every SUCCESS and in-flight PENDING refund. An in-flight refund therefore
// reserves its slice of the balance before the gateway is called; two racing
// refunds cannot both pass, the second sees the first's push and fails the
// filter.
func (p *PaymentRepository) AppendRefund(ctx context.Context, paymentID string, refund domain.Refund) error {
	filter := bson.M{
		"payment_id": paymentID,
		"status":     domain.PaymentSuccess,
		"$expr": bson.M{"$lte": bson.A{
			bson.M{"$add": bson.A{refund.Amount, refundSum(domain.PaymentSuccess, domain.PaymentPending)}},
			"$amount",
		}},
	}
	update := bson.M{
		"$push": bson.M{"refunds": refundDoc{
			RefundID:        refund.RefundID,
			Amount:          refund.Amount,
			Reason:          refund.Reason,
			Status:          refund.Status,
			GatewayRefundID: refund.GatewayRefundID,
			CreatedAt:       refund.CreatedAt,
		}},
		"$set": bson.M{"updated_at": time.Now().UTC()},
	}
	result, err := p.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		// Either the payment is not refundable or the balance would overflow;
		// the ledger distinguishes by reloading.
		return domain.ErrRefundExceedsBalance
	}
	return nil
}

// SetRefundStatus resolves an in-flight refund once the gateway has spoken.
// A FAILED resolution releases the balance the PENDING entry was reserving.
func (p *PaymentRepository) SetRefundStatus(ctx context.Context, paymentID, refundID, status, gatewayRefundID string) error {
	set := bson.M{
		"refunds.$.status": status,
		"updated_at":       time.Now().UTC(),
	}
	if gatewayRefundID != "" {
		set["refunds.$.gateway_refund_id"] = gatewayRefundID
	}
	result, err := p.coll.UpdateOne(ctx,
		bson.M{"payment_id": paymentID, "refunds.refund_id": refundID},
		bson.M{"$set": set})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkRefundedIfSettled flips a fully refunded payment to REFUNDED. The
// filter recomputes the SUCCESS total so a partial refund never matches.
func (p *PaymentRepository) MarkRefundedIfSettled(ctx context.Context, paymentID string) error {
	filter := bson.M{
		"payment_id": paymentID,
		"status":     domain.PaymentSuccess,
		"$expr":      bson.M{"$gte": bson.A{refundSum(domain.PaymentSuccess), "$amount"}},
	}
	_, err := p.coll.UpdateOne(ctx, filter,
		bson.M{"$set": bson.M{"status": domain.PaymentRefunded, "updated_at": time.Now().UTC()}})
	return err
}

// ExpirePending cancels PENDING payments whose window has passed and returns
// them so the caller can emit events.
func (p *PaymentRepository) ExpirePending(ctx context.Context, now time.Time) ([]domain.Payment, error) {
	cur, err := p.coll.Find(ctx, bson.M{
		"status":     domain.PaymentPending,
		"expires_at": bson.M{"$lte": now},
	})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var expired []domain.Payment
	for cur.Next(ctx) {
		var doc paymentDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		result, err := p.coll.UpdateOne(ctx,
			bson.M{"payment_id": doc.PaymentID, "status": domain.PaymentPending},
			bson.M{"$set": bson.M{
				"status":         domain.PaymentCancelled,
				"failure_reason": "expired",
				"updated_at":     now,
			}})
		if err != nil {
			return nil, err
		}
		if result.ModifiedCount == 0 {
			continue
		}
		expired = append(expired, *fromDoc(&doc))
	}
	return expired, cur.Err()
}

func (p *PaymentRepository) findOne(ctx context.Context, filter bson.M) (*domain.Payment, error) {
	var doc paymentDoc
	err := p.coll.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromDoc(&doc), nil
}

func toDoc(p *domain.Payment) *paymentDoc {
	doc := &paymentDoc{
		PaymentID:            p.PaymentID,
		OrderID:              p.OrderID,
		UserID:               p.UserID,
		Amount:               p.Amount,
		Currency:             p.Currency,
		Method:               p.Method,
		Status:               p.Status,
		GatewayTransactionID: p.GatewayTransactionID,
		FailureReason:        p.FailureReason,
		IdempotencyKey:       p.IdempotencyKey,
		CorrelationID:        p.CorrelationID,
		Refunds:              make([]refundDoc, 0, len(p.Refunds)),
		ProcessedAt:          p.ProcessedAt,
		ExpiresAt:            p.ExpiresAt,
		CreatedAt:            p.CreatedAt,
		UpdatedAt:            p.UpdatedAt,
	}
	for _, r := range p.Refunds {
		doc.Refunds = append(doc.Refunds, refundDoc{
			RefundID:        r.RefundID,
			Amount:          r.Amount,
			Reason:          r.Reason,
			Status:          r.Status,
			GatewayRefundID: r.GatewayRefundID,
			CreatedAt:       r.CreatedAt,
		})
	}
	return doc
}

func fromDoc(doc *paymentDoc) *domain.Payment {
	p := &domain.Payment{
		PaymentID:            doc.PaymentID,
		OrderID:              doc.OrderID,
		UserID:               doc.UserID,
		Amount:               doc.Amount,
		Currency:             doc.Currency,
		Method:               doc.Method,
		Status:               doc.Status,
		GatewayTransactionID: doc.GatewayTransactionID,
		FailureReason:        doc.FailureReason,
		IdempotencyKey:       doc.IdempotencyKey,
		CorrelationID:        doc.CorrelationID,
		ProcessedAt:          doc.ProcessedAt,
		ExpiresAt:            doc.ExpiresAt,
		CreatedAt:            doc.CreatedAt,
		UpdatedAt:            doc.UpdatedAt,
	}
	for _, r := range doc.Refunds {
		p.Refunds = append(p.Refunds, domain.Refund{
			RefundID:        r.RefundID,
			Amount:          r.Amount,
			Reason:          r.Reason,
			Status:          r.Status,
			GatewayRefundID: r.GatewayRefundID,
			CreatedAt:       r.CreatedAt,
		})
	}
	return p
}
