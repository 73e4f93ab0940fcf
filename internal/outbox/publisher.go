package outbox

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-purchase-saga/internal/adapters/crdb"
	"github.com/robertarktes/ticket-purchase-saga/internal/adapters/rabbit"
	"github.com/robertarktes/ticket-purchase-saga/internal/observability"
)

type Publisher struct {
	repo      *crdb.Repository
	rabbitPub *rabbit.Publisher
	logger    observability.Logger
}

func NewPublisher(repo *crdb.Repository, rabbitPub *rabbit.Publisher, logger observability.Logger) *Publisher {
	return &Publisher{repo: repo, rabbitPub: rabbitPub, logger: logger}
}

func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			records, err := p.repo.GetUnpublishedOutbox(ctx, 10)
			if err != nil {
				p.logger.Error("fetch outbox: ", err)
				continue
			}
			for _, rec := range records {
				msg := amqp.Publishing{
					MessageId:   rec.DedupeKey,
					ContentType: "application/json",
					Body:        rec.Payload,
				}
				if err := p.rabbitPub.Publish(ctx, rec.EventType, msg); err != nil {
					p.logger.WithField("event_type", rec.EventType).Error("publish outbox record: ", err)
					continue
				}
				observability.OutboxLag.Set(time.Since(rec.CreatedAt).Seconds())
				if err := p.repo.MarkPublished(ctx, rec.ID, time.Now(), rec.DedupeKey); err != nil {
					p.logger.Error("mark outbox published: ", err)
				}
			}
		}
	}
}
