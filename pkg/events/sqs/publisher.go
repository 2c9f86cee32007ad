// Package sqs publishes run events to an AWS SQS queue.
package sqs

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/nimburion/racesync/pkg/events"
	"github.com/nimburion/racesync/pkg/observability/logger"
)

// EncodingAttribute marks bodies that were base64-encoded because SQS only
// accepts text.
const EncodingAttribute = "content-transfer-encoding"

// Config holds SQS publisher configuration.
type Config struct {
	Region           string
	QueueURL         string
	Endpoint         string
	AccessKeyID      string
	SecretAccessKey  string
	SessionToken     string
	OperationTimeout time.Duration
}

type api interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Publisher sends one SQS message per event.
type Publisher struct {
	client api
	log    logger.Logger
	config Config

	mu     sync.RWMutex
	closed bool
}

// Cosa fa: crea un client SQS con endpoint custom opzionale per pubblicare eventi.
// Cosa NON fa: non crea la coda né verifica le policy IAM all'avvio.
// Esempio minimo: pub, err := sqs.NewPublisher(sqs.Config{Region: "eu-west-1", QueueURL: url}, log)
func NewPublisher(cfg Config, log logger.Logger) (*Publisher, error) {
	if cfg.Region == "" {
		return nil, errors.New("aws region is required")
	}
	if cfg.QueueURL == "" {
		return nil, errors.New("sqs queue URL is required")
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 30 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	var opts []func(*sqs.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	return newPublisher(sqs.NewFromConfig(awsCfg, opts...), cfg, log), nil
}

func newPublisher(client api, cfg Config, log logger.Logger) *Publisher {
	return &Publisher{client: client, log: log, config: cfg}
}

// Publish sends message to the queue. A topic that is a queue URL overrides
// the configured queue; any other topic travels as the "topic" attribute.
func (p *Publisher) Publish(ctx context.Context, topic string, message *events.Message) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	if message == nil {
		return errors.New("message is required")
	}

	queueURL := p.resolveQueueURL(topic)
	attrs := make(map[string]string, len(message.Headers)+2)
	for k, v := range message.Headers {
		attrs[k] = v
	}
	if topic != "" && topic != queueURL {
		attrs["topic"] = topic
	}
	body := string(message.Value)
	if !isTextContent(message.ContentType) {
		body = base64.StdEncoding.EncodeToString(message.Value)
		attrs[EncodingAttribute] = "base64"
	}

	in := &sqs.SendMessageInput{
		QueueUrl:          aws.String(queueURL),
		MessageBody:       aws.String(body),
		MessageAttributes: toSQSAttributes(attrs),
	}
	if strings.HasSuffix(queueURL, ".fifo") {
		in.MessageGroupId = aws.String(message.Key)
		in.MessageDeduplicationId = aws.String(message.ID)
	}

	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	if _, err := p.client.SendMessage(opCtx, in); err != nil {
		return fmt.Errorf("failed to publish sqs message: %w", err)
	}
	p.log.Debug("message published", "queue_url", queueURL, "message_id", message.ID)
	return nil
}

// HealthCheck reads the queue ARN.
func (p *Publisher) HealthCheck(ctx context.Context) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	hcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := p.client.GetQueueAttributes(hcCtx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(p.config.QueueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return fmt.Errorf("sqs health check failed: %w", err)
	}
	return nil
}

// Close marks the publisher closed. The SDK client holds no connections to release.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *Publisher) checkOpen() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("sqs: %w", events.ErrPublisherClosed)
	}
	return nil
}

func (p *Publisher) resolveQueueURL(topic string) string {
	if strings.HasPrefix(topic, "https://") || strings.HasPrefix(topic, "http://") {
		return topic
	}
	return p.config.QueueURL
}

func isTextContent(contentType string) bool {
	return contentType == "" || strings.HasPrefix(contentType, "text/") || strings.Contains(contentType, "json")
}

func toSQSAttributes(headers map[string]string) map[string]types.MessageAttributeValue {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]types.MessageAttributeValue, len(headers))
	for k, v := range headers {
		if v == "" {
			continue
		}
		out[k] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}
	return out
}
