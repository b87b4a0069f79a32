package notify

import (
	"log"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"ms-fulfillment/internal/config"
)

// EnsureTopicsExist creates the fulfillment topics if they don't already
// exist. Failures on individual topics are logged and skipped so a partial
// broker setup doesn't block startup.
func EnsureTopicsExist(cfg config.KafkaConfig) error {
	conn, err := kafka.Dial("tcp", cfg.Brokers[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return err
	}
	controllerConn, err := kafka.Dial("tcp", controller.Host)
	if err != nil {
		return err
	}
	defer controllerConn.Close()

	topics := []string{
		cfg.Topics.TicketIssued,
		cfg.Topics.TransferInitiated,
		cfg.Topics.TransferResolved,
		cfg.Topics.CheckinRecorded,
	}

	for _, topic := range topics {
		err = controllerConn.CreateTopics(kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     1,
			ReplicationFactor: 1,
		})
		if err != nil {
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			log.Printf("Error creating topic %s: %v", topic, err)
		}
	}

	// Wait a moment for topics to be fully created
	time.Sleep(1 * time.Second)
	return nil
}
