// Package notify emits fire-and-forget fulfillment notifications to Kafka.
// Email composition happens downstream; this package only publishes facts.
// Payloads never contain raw capability tokens.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"ms-fulfillment/internal/config"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
)

// Dispatcher is what the engines depend on; tests substitute a testify
// mock, and a disabled Kafka config yields the no-op implementation.
type Dispatcher interface {
	TicketsIssued(ctx context.Context, order models.Order, tickets []models.TicketInstance)
	TransferInitiated(ctx context.Context, transfer models.Transfer)
	TransferResolved(ctx context.Context, transfer models.Transfer)
	CheckinRecorded(ctx context.Context, record models.CheckinRecord)
}

type Producer struct {
	writer *kafka.Writer
	topics config.TopicConfig
	logger *logger.Logger
}

func NewProducer(cfg config.KafkaConfig, log *logger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return &Producer{writer: writer, topics: cfg.Topics, logger: log}
}

func (p *Producer) publish(ctx context.Context, topic, key string, payload interface{}) {
	msgBytes, err := json.Marshal(payload)
	if err != nil {
		p.logger.LogKafka("MARSHAL_FAILED", topic, err.Error())
		return
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: msgBytes,
	})
	if err != nil {
		// Fire-and-forget: delivery failure must never fail the mutation
		// that triggered it.
		p.logger.LogKafka("PUBLISH_FAILED", topic, err.Error())
		return
	}
	p.logger.LogKafka("PUBLISHED", topic, key)
}

type ticketsIssuedEvent struct {
	OrderID        string                  `json:"order_id"`
	EventID        string                  `json:"event_id"`
	PurchaserEmail string                  `json:"purchaser_email"`
	Tickets        []models.TicketInstance `json:"tickets"`
	IssuedAt       time.Time               `json:"issued_at"`
}

func (p *Producer) TicketsIssued(ctx context.Context, order models.Order, tickets []models.TicketInstance) {
	p.publish(ctx, p.topics.TicketIssued, order.OrderID, ticketsIssuedEvent{
		OrderID:        order.OrderID,
		EventID:        order.EventID,
		PurchaserEmail: order.PurchaserEmail,
		Tickets:        tickets,
		IssuedAt:       time.Now().UTC(),
	})
}

func (p *Producer) TransferInitiated(ctx context.Context, transfer models.Transfer) {
	p.publish(ctx, p.topics.TransferInitiated, transfer.TransferID, transfer)
}

func (p *Producer) TransferResolved(ctx context.Context, transfer models.Transfer) {
	p.publish(ctx, p.topics.TransferResolved, transfer.TransferID, transfer)
}

func (p *Producer) CheckinRecorded(ctx context.Context, record models.CheckinRecord) {
	p.publish(ctx, p.topics.CheckinRecorded, record.TicketID, record)
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// Nop is the dispatcher used when Kafka is disabled.
type Nop struct{}

func (Nop) TicketsIssued(context.Context, models.Order, []models.TicketInstance) {}
func (Nop) TransferInitiated(context.Context, models.Transfer)                   {}
func (Nop) TransferResolved(context.Context, models.Transfer)                    {}
func (Nop) CheckinRecorded(context.Context, models.CheckinRecord)                {}
