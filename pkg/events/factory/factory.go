// Package factory builds the event publisher selected by configuration.
package factory

import (
	"fmt"
	"strings"

	"github.com/nimburion/racesync/pkg/config"
	"github.com/nimburion/racesync/pkg/events"
	"github.com/nimburion/racesync/pkg/events/kafka"
	"github.com/nimburion/racesync/pkg/events/rabbitmq"
	"github.com/nimburion/racesync/pkg/events/sqs"
	"github.com/nimburion/racesync/pkg/observability/logger"
)

// Cosa fa: seleziona e inizializza il publisher di eventi in base a events.type.
// Cosa NON fa: non gestisce più broker attivi nella stessa chiamata.
// Esempio minimo: pub, err := factory.NewPublisher(cfg.Events, log)
func NewPublisher(cfg config.EventsConfig, log logger.Logger) (events.Publisher, error) {
	var (
		pub events.Publisher
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case config.EventsTypeKafka:
		pub, err = kafka.NewPublisher(kafka.Config{
			Brokers:          cfg.Kafka.Brokers,
			OperationTimeout: cfg.OperationTimeout,
		}, log)
	case config.EventsTypeRabbitMQ:
		pub, err = rabbitmq.NewPublisher(rabbitmq.Config{
			URL:              cfg.RabbitMQ.URL,
			Exchange:         cfg.RabbitMQ.Exchange,
			ExchangeType:     cfg.RabbitMQ.ExchangeType,
			OperationTimeout: cfg.OperationTimeout,
		}, log)
	case config.EventsTypeSQS:
		pub, err = sqs.NewPublisher(sqs.Config{
			Region:           cfg.SQS.Region,
			QueueURL:         cfg.SQS.QueueURL,
			Endpoint:         cfg.SQS.Endpoint,
			AccessKeyID:      cfg.SQS.AccessKeyID,
			SecretAccessKey:  cfg.SQS.SecretAccessKey,
			SessionToken:     cfg.SQS.SessionToken,
			OperationTimeout: cfg.OperationTimeout,
		}, log)
	default:
		return nil, fmt.Errorf("unsupported events.type %q (supported: kafka, rabbitmq, sqs)", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	return pub, nil
}
