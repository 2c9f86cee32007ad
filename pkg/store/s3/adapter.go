// Package s3 stores documents as JSON objects in a single bucket. A
// collection is a key prefix that exists once its marker object has been
// written. Create relies on conditional writes (If-None-Match: *), Update on
// If-Match against the ETag read just before.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awss3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/nimburion/racesync/pkg/docstore"
	"github.com/nimburion/racesync/pkg/observability/logger"
	"github.com/nimburion/racesync/pkg/resilience"
)

const (
	markerName        = ".collection"
	metaUpdatedAt     = "updated-at"
	contentType       = "application/json"
	maxUpdateAttempts = 3
)

// Config defines S3 adapter configuration.
type Config struct {
	Bucket           string
	Prefix           string
	Region           string
	Endpoint         string
	AccessKeyID      string
	SecretAccessKey  string
	SessionToken     string
	UsePathStyle     bool
	OperationTimeout time.Duration
}

// API is the subset of the S3 client used by the adapter.
type API interface {
	HeadBucket(ctx context.Context, params *awss3.HeadBucketInput, optFns ...func(*awss3.Options)) (*awss3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, params *awss3.HeadObjectInput, optFns ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *awss3.DeleteObjectInput, optFns ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error)
}

// Adapter is a docstore.Store over one S3 bucket.
type Adapter struct {
	client API
	logger logger.Logger
	config Config
	now    func() time.Time
	known  sync.Map

	mu     sync.RWMutex
	closed bool
}

// Cosa fa: costruisce il client S3 (AWS SDK v2) e verifica l'accesso al bucket.
// Cosa NON fa: non crea il bucket né i marker delle collezioni (vedi Provision).
// Esempio minimo: adapter, err := s3.NewAdapter(cfg, log)
func NewAdapter(cfg Config, log logger.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("s3 bucket is required")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		return nil, errors.New("aws region is required")
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

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	adapter := NewAdapterWithClient(client, cfg, log)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := adapter.Ping(ctx); err != nil {
		return nil, err
	}

	adapter.logger.Info("S3 document store initialized", "bucket", cfg.Bucket, "region", cfg.Region, "endpoint", cfg.Endpoint)
	return adapter, nil
}

// NewAdapterWithClient builds an adapter over an existing client.
func NewAdapterWithClient(client API, cfg Config, log logger.Logger) *Adapter {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 10 * time.Second
	}
	cfg.Prefix = strings.Trim(strings.TrimSpace(cfg.Prefix), "/")
	return &Adapter{client: client, logger: log, config: cfg, now: time.Now}
}

func (a *Adapter) Create(ctx context.Context, collection, key string, body []byte) (*docstore.Document, error) {
	if err := a.checkOpen("create", collection, key, body); err != nil {
		return nil, err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	if err := a.ensureCollection(opCtx, "create", collection, key); err != nil {
		return nil, err
	}
	updatedAt := a.now().UTC()
	_, err := a.client.PutObject(opCtx, a.putInput(collection, key, body, updatedAt, func(in *awss3.PutObjectInput) {
		in.IfNoneMatch = aws.String("*")
	}))
	if err != nil {
		return nil, classify("create", collection, key, err)
	}
	return &docstore.Document{Collection: collection, Key: key, Body: append([]byte(nil), body...), UpdatedAt: updatedAt}, nil
}

func (a *Adapter) Get(ctx context.Context, collection, key string) (*docstore.Document, error) {
	if err := a.checkOpen("get", collection, key, nil); err != nil {
		return nil, err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	doc, _, err := a.read(opCtx, "get", collection, key)
	return doc, err
}

func (a *Adapter) Update(ctx context.Context, collection, key string, body []byte) (*docstore.Document, error) {
	return a.UpdateIf(ctx, collection, key, body, nil)
}

// UpdateIf overwrites an existing object with If-Match against the ETag read
// just before. A concurrent writer changing the ETag makes the put fail its
// precondition; the read and check are then repeated so a deletion surfaces
// as KindNotFound and a takeover as the check's error.
func (a *Adapter) UpdateIf(ctx context.Context, collection, key string, body []byte, check docstore.Precondition) (*docstore.Document, error) {
	if err := a.checkOpen("update", collection, key, body); err != nil {
		return nil, err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		etag, err := a.guard(opCtx, "update", collection, key, check)
		if err != nil {
			return nil, err
		}
		updatedAt := a.now().UTC()
		_, err = a.client.PutObject(opCtx, a.putInput(collection, key, body, updatedAt, func(in *awss3.PutObjectInput) {
			in.IfMatch = etag
		}))
		if err == nil {
			return &docstore.Document{Collection: collection, Key: key, Body: append([]byte(nil), body...), UpdatedAt: updatedAt}, nil
		}
		if !isPreconditionFailed(err) {
			return nil, classify("update", collection, key, err)
		}
		lastErr = err
	}
	return nil, docstore.NewError("update", collection, key, docstore.KindUnavailable, lastErr)
}

func (a *Adapter) Delete(ctx context.Context, collection, key string) error {
	return a.DeleteIf(ctx, collection, key, nil)
}

// DeleteIf removes the object. With a check the delete carries If-Match
// against the ETag of the body the check accepted.
func (a *Adapter) DeleteIf(ctx context.Context, collection, key string, check docstore.Precondition) error {
	if err := a.checkOpen("delete", collection, key, nil); err != nil {
		return err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		etag, err := a.guard(opCtx, "delete", collection, key, check)
		if err != nil {
			return err
		}
		in := &awss3.DeleteObjectInput{
			Bucket: aws.String(a.config.Bucket),
			Key:    aws.String(a.objectKey(collection, key)),
		}
		if check != nil {
			in.IfMatch = etag
		}
		_, err = a.client.DeleteObject(opCtx, in)
		if err == nil {
			return nil
		}
		if !isPreconditionFailed(err) {
			return classify("delete", collection, key, err)
		}
		lastErr = err
	}
	return docstore.NewError("delete", collection, key, docstore.KindUnavailable, lastErr)
}

// Provision writes the collection marker. Provisioning twice is a no-op.
func (a *Adapter) Provision(ctx context.Context, collection string) error {
	if err := a.checkOpen("provision", collection, "", nil); err != nil {
		return err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	_, err := a.client.PutObject(opCtx, &awss3.PutObjectInput{
		Bucket:      aws.String(a.config.Bucket),
		Key:         aws.String(a.markerKey(collection)),
		Body:        bytes.NewReader([]byte("{}")),
		ContentType: aws.String(contentType),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil && !isPreconditionFailed(err) {
		return classify("provision", collection, "", err)
	}
	a.known.Store(collection, struct{}{})
	a.logger.Info("S3 collection provisioned", "bucket", a.config.Bucket, "collection", collection)
	return nil
}

// Ping verifies that the configured bucket is accessible.
func (a *Adapter) Ping(ctx context.Context) error {
	a.mu.RLock()
	closed := a.closed
	a.mu.RUnlock()
	if closed {
		return errors.New("s3 adapter is closed")
	}
	_, err := a.client.HeadBucket(ctx, &awss3.HeadBucketInput{Bucket: aws.String(a.config.Bucket)})
	if err != nil {
		return fmt.Errorf("s3 ping failed: %w", err)
	}
	return nil
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	hcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.Ping(hcCtx); err != nil {
		a.logger.Error("S3 health check failed", "error", err)
		return fmt.Errorf("s3 health check failed: %w", err)
	}
	return nil
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

// guard returns the ETag a conditional write must match. Without a check a
// HEAD is enough.
func (a *Adapter) guard(ctx context.Context, op, collection, key string, check docstore.Precondition) (*string, error) {
	if check == nil {
		return a.head(ctx, op, collection, key)
	}
	doc, etag, err := a.read(ctx, op, collection, key)
	if err != nil {
		return nil, err
	}
	if err := check(doc); err != nil {
		return nil, err
	}
	return etag, nil
}

func (a *Adapter) read(ctx context.Context, op, collection, key string) (*docstore.Document, *string, error) {
	out, err := a.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(a.config.Bucket),
		Key:    aws.String(a.objectKey(collection, key)),
	})
	if err != nil {
		err = classify(op, collection, key, err)
		if docstore.IsKind(err, docstore.KindNotFound) {
			if missing := a.ensureCollection(ctx, op, collection, key); missing != nil {
				return nil, nil, missing
			}
		}
		return nil, nil, err
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, nil, classify(op, collection, key, err)
	}
	return &docstore.Document{
		Collection: collection,
		Key:        key,
		Body:       body,
		UpdatedAt:  updatedAtOf(out.Metadata, out.LastModified),
	}, out.ETag, nil
}

func (a *Adapter) head(ctx context.Context, op, collection, key string) (*string, error) {
	out, err := a.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(a.config.Bucket),
		Key:    aws.String(a.objectKey(collection, key)),
	})
	if err != nil {
		err = classify(op, collection, key, err)
		if docstore.IsKind(err, docstore.KindNotFound) {
			if missing := a.ensureCollection(ctx, op, collection, key); missing != nil {
				return nil, missing
			}
		}
		return nil, err
	}
	return out.ETag, nil
}

func (a *Adapter) ensureCollection(ctx context.Context, op, collection, key string) error {
	if _, ok := a.known.Load(collection); ok {
		return nil
	}
	_, err := a.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(a.config.Bucket),
		Key:    aws.String(a.markerKey(collection)),
	})
	if err != nil {
		err = classify(op, collection, key, err)
		if docstore.IsKind(err, docstore.KindNotFound) {
			return docstore.NewError(op, collection, key, docstore.KindCollectionMissing, nil)
		}
		return err
	}
	a.known.Store(collection, struct{}{})
	return nil
}

func (a *Adapter) putInput(collection, key string, body []byte, updatedAt time.Time, opt func(*awss3.PutObjectInput)) *awss3.PutObjectInput {
	in := &awss3.PutObjectInput{
		Bucket:      aws.String(a.config.Bucket),
		Key:         aws.String(a.objectKey(collection, key)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
		Metadata:    map[string]string{metaUpdatedAt: updatedAt.Format(time.RFC3339Nano)},
	}
	opt(in)
	return in
}

func (a *Adapter) objectKey(collection, key string) string {
	return a.join(collection, key+".json")
}

func (a *Adapter) markerKey(collection string) string {
	return a.join(collection, markerName)
}

func (a *Adapter) join(parts ...string) string {
	if a.config.Prefix != "" {
		parts = append([]string{a.config.Prefix}, parts...)
	}
	return strings.Join(parts, "/")
}

func (a *Adapter) checkOpen(op, collection, key string, body []byte) error {
	if strings.TrimSpace(collection) == "" || strings.Contains(collection, "/") {
		return docstore.NewError(op, collection, key, docstore.KindInvalid, fmt.Errorf("invalid collection name %q", collection))
	}
	if op != "provision" && strings.TrimSpace(key) == "" {
		return docstore.NewError(op, collection, key, docstore.KindInvalid, errors.New("key is required"))
	}
	if body != nil && !json.Valid(body) {
		return docstore.NewError(op, collection, key, docstore.KindInvalid, errors.New("body is not valid JSON"))
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return docstore.NewError(op, collection, key, docstore.KindUnavailable, errors.New("s3 adapter is closed"))
	}
	return nil
}

func (a *Adapter) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.config.OperationTimeout)
}

func updatedAtOf(metadata map[string]string, lastModified *time.Time) time.Time {
	if raw, ok := metadata[metaUpdatedAt]; ok {
		if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return parsed.UTC()
		}
	}
	if lastModified != nil {
		return lastModified.UTC()
	}
	return time.Time{}
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed"
}

func classify(op, collection, key string, err error) error {
	var noSuchKey *awss3types.NoSuchKey
	var notFound *awss3types.NotFound
	var noSuchBucket *awss3types.NoSuchBucket
	var apiErr smithy.APIError
	switch {
	case errors.As(err, &noSuchKey), errors.As(err, &notFound):
		return docstore.NewError(op, collection, key, docstore.KindNotFound, err)
	case isPreconditionFailed(err):
		return docstore.NewError(op, collection, key, docstore.KindAlreadyExists, err)
	case errors.As(err, &noSuchBucket):
		return docstore.NewError(op, collection, key, docstore.KindCollectionMissing, err)
	case errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalRequestConflict":
		return docstore.NewError(op, collection, key, docstore.KindUnavailable, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), resilience.IsRetryable(err):
		return docstore.NewError(op, collection, key, docstore.KindUnavailable, err)
	default:
		return docstore.NewError(op, collection, key, docstore.KindUnknown, err)
	}
}
