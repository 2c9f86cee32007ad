// Package store selects a document store backend from configuration.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nimburion/racesync/pkg/config"
	"github.com/nimburion/racesync/pkg/docstore"
	"github.com/nimburion/racesync/pkg/observability/logger"
	"github.com/nimburion/racesync/pkg/store/dynamodb"
	"github.com/nimburion/racesync/pkg/store/memory"
	"github.com/nimburion/racesync/pkg/store/mongodb"
	"github.com/nimburion/racesync/pkg/store/mysql"
	"github.com/nimburion/racesync/pkg/store/postgres"
	"github.com/nimburion/racesync/pkg/store/redis"
	"github.com/nimburion/racesync/pkg/store/s3"
	"github.com/nimburion/racesync/pkg/store/search"
)

// Cosa fa: seleziona e inizializza il document store in base alla config e lo
// avvolge con timeout e tracing per ogni round trip.
// Cosa NON fa: non gestisce fallback tra provider diversi né crea le collezioni.
// Esempio minimo: docs, err := store.Open(cfg.Store, log)
func Open(cfg config.StoreConfig, log logger.Logger) (docstore.Store, error) {
	if log == nil {
		log = logger.Nop()
	}
	storeType := strings.ToLower(strings.TrimSpace(cfg.Type))
	backend, err := openBackend(storeType, cfg, log)
	if err != nil {
		return nil, err
	}
	return docstore.Instrument(backend, docstore.InstrumentOptions{
		System:           storeType,
		OperationTimeout: cfg.OperationTimeout,
	}), nil
}

func openBackend(storeType string, cfg config.StoreConfig, log logger.Logger) (docstore.Store, error) {
	switch storeType {
	case config.StoreTypeMemory:
		return memory.NewAdapter(memory.Config{}), nil
	case config.StoreTypeMongoDB:
		return mongodb.NewAdapter(mongodb.Config{
			URL:              cfg.MongoDB.URL,
			Database:         cfg.MongoDB.Database,
			ConnectTimeout:   cfg.MongoDB.ConnectTimeout,
			OperationTimeout: cfg.OperationTimeout,
		}, log)
	case config.StoreTypeDynamoDB:
		return dynamodb.NewAdapter(dynamodb.Config{
			Region:           cfg.DynamoDB.Region,
			Endpoint:         cfg.DynamoDB.Endpoint,
			AccessKeyID:      cfg.DynamoDB.AccessKeyID,
			SecretAccessKey:  cfg.DynamoDB.SecretAccessKey,
			SessionToken:     cfg.DynamoDB.SessionToken,
			TablePrefix:      cfg.DynamoDB.TablePrefix,
			OperationTimeout: cfg.OperationTimeout,
		}, log)
	case config.StoreTypeRedis:
		return redis.NewAdapter(redis.Config{
			URL:              cfg.Redis.URL,
			Prefix:           cfg.Redis.Prefix,
			MaxConns:         cfg.Redis.MaxConns,
			OperationTimeout: cfg.OperationTimeout,
		}, log)
	case config.StoreTypePostgres:
		return postgres.NewAdapter(postgres.Config{
			URL:             cfg.Postgres.URL,
			TablePrefix:     cfg.Postgres.TablePrefix,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Postgres.ConnMaxIdleTime,
			QueryTimeout:    cfg.OperationTimeout,
		}, log)
	case config.StoreTypeMySQL:
		return mysql.NewAdapter(mysql.Config{
			URL:             cfg.MySQL.URL,
			TablePrefix:     cfg.MySQL.TablePrefix,
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
			QueryTimeout:    cfg.OperationTimeout,
		}, log)
	case config.StoreTypeS3:
		return s3.NewAdapter(s3.Config{
			Bucket:           cfg.S3.Bucket,
			Prefix:           cfg.S3.Prefix,
			Region:           cfg.S3.Region,
			Endpoint:         cfg.S3.Endpoint,
			AccessKeyID:      cfg.S3.AccessKeyID,
			SecretAccessKey:  cfg.S3.SecretAccessKey,
			SessionToken:     cfg.S3.SessionToken,
			UsePathStyle:     cfg.S3.UsePathStyle,
			OperationTimeout: cfg.OperationTimeout,
		}, log)
	case config.StoreTypeOpenSearch, config.StoreTypeElasticsearch:
		return search.NewAdapter(search.Config{
			Flavor:           search.Flavor(storeType),
			URLs:             cfg.Search.URLs,
			Username:         cfg.Search.Username,
			Password:         cfg.Search.Password,
			APIKey:           cfg.Search.APIKey,
			IndexPrefix:      cfg.Search.IndexPrefix,
			MaxConns:         cfg.Search.MaxConns,
			AWSAuthEnabled:   cfg.Search.AWSAuthEnabled,
			AWSRegion:        cfg.Search.AWSRegion,
			AWSService:       cfg.Search.AWSService,
			AWSAccessKeyID:   cfg.Search.AWSAccessKeyID,
			AWSSecretKey:     cfg.Search.AWSSecretAccessKey,
			AWSSessionToken:  cfg.Search.AWSSessionToken,
			OperationTimeout: cfg.OperationTimeout,
		}, log)
	default:
		return nil, fmt.Errorf("unsupported store.type %q (supported: memory, mongodb, dynamodb, redis, postgres, mysql, s3, opensearch, elasticsearch)", cfg.Type)
	}
}

// Provision creates the given collections when the backend supports it.
func Provision(ctx context.Context, docs docstore.Store, collections ...string) error {
	provisioner, ok := docs.(docstore.Provisioner)
	if !ok {
		return docstore.NewError("provision", strings.Join(collections, ","), "", docstore.KindInvalid, errors.New("store does not support provisioning"))
	}
	var errs []error
	for _, collection := range collections {
		if err := provisioner.Provision(ctx, collection); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
