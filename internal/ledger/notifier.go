package ledger

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-purchase-saga/internal/adapters/rabbit"
	"github.com/robertarktes/ticket-purchase-saga/internal/domain"
)

// RabbitNotifier publishes payment outcomes for the order collaborator.
// Routing keys are payment.succeeded, payment.failed and so on.
type RabbitNotifier struct {
	pub *rabbit.Publisher
}

func NewRabbitNotifier(pub *rabbit.Publisher) *RabbitNotifier {
	return &RabbitNotifier{pub: pub}
}

func (n *RabbitNotifier) PaymentOutcome(ctx context.Context, orderID, paymentID, status string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"order_id":   orderID,
		"payment_id": paymentID,
		"status":     status,
	})
	if err != nil {
		return err
	}
	key := "payment." + routingSuffix(status)
	return n.pub.Publish(ctx, key, amqp.Publishing{
		MessageId:   uuid.New().String(),
		ContentType: "application/json",
		Body:        payload,
	})
}

func routingSuffix(status string) string {
	switch status {
	case domain.PaymentSuccess:
		return "succeeded"
	case domain.PaymentFailed:
		return "failed"
	case domain.PaymentRefunded:
		return "refunded"
	case domain.PaymentCancelled:
		return "cancelled"
	}
	return strings.ToLower(status)
}
