// Package search stores documents in OpenSearch or Elasticsearch. A
// collection is an index, provisioned explicitly with a non-dynamic mapping so
// arbitrary bodies never fight over field types. Create uses the _create
// endpoint; Update, UpdateIf and DeleteIf use optimistic concurrency on
// _seq_no/_primary_term.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	opensearchsdk "github.com/opensearch-project/opensearch-go/v4"
	ossigner "github.com/opensearch-project/opensearch-go/v4/signer"
	awssigner "github.com/opensearch-project/opensearch-go/v4/signer/awsv2"

	"github.com/nimburion/racesync/pkg/docstore"
	"github.com/nimburion/racesync/pkg/observability/logger"
	"github.com/nimburion/racesync/pkg/resilience"
)

// Flavor selects the client library.
type Flavor string

const (
	FlavorOpenSearch    Flavor = "opensearch"
	FlavorElasticsearch Flavor = "elasticsearch"

	maxUpdateAttempts = 3
)

// Config holds OpenSearch/Elasticsearch adapter configuration.
type Config struct {
	Flavor           Flavor
	URLs             []string
	Username         string
	Password         string
	APIKey           string
	IndexPrefix      string
	AWSAuthEnabled   bool
	AWSRegion        string
	AWSService       string
	AWSAccessKeyID   string
	AWSSecretKey     string
	AWSSessionToken  string
	MaxConns         int
	OperationTimeout time.Duration
}

// Performer sends a request whose URL carries only path and query; the
// client picks the node. Both SDK clients satisfy it.
type Performer interface {
	Perform(req *http.Request) (*http.Response, error)
}

// Adapter is a docstore.Store over an OpenSearch or Elasticsearch cluster.
type Adapter struct {
	client    Performer
	transport *http.Transport
	logger    logger.Logger
	config    Config
	now       func() time.Time
	known     sync.Map

	mu     sync.RWMutex
	closed bool
}

// Cosa fa: crea il client SDK (OpenSearch o Elasticsearch) e verifica il cluster con un ping.
// Cosa NON fa: non crea gli indici delle collezioni (vedi Provision).
// Esempio minimo: adapter, err := search.NewAdapter(search.Config{Flavor: search.FlavorOpenSearch, URLs: urls}, log)
func NewAdapter(cfg Config, log logger.Logger) (*Adapter, error) {
	addresses, err := parseAddresses(cfg.URLs)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 10
	}
	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxConns,
		MaxIdleConnsPerHost: cfg.MaxConns,
		MaxConnsPerHost:     cfg.MaxConns,
		IdleConnTimeout:     90 * time.Second,
	}

	var client Performer
	switch cfg.Flavor {
	case FlavorOpenSearch, "":
		cfg.Flavor = FlavorOpenSearch
		clientCfg := opensearchsdk.Config{
			Addresses: addresses,
			Username:  cfg.Username,
			Password:  cfg.Password,
			Transport: transport,
		}
		if key := strings.TrimSpace(cfg.APIKey); key != "" {
			clientCfg.Header = http.Header{"Authorization": []string{"ApiKey " + key}}
		}
		if cfg.AWSAuthEnabled {
			signer, err := newAWSSigner(cfg)
			if err != nil {
				return nil, err
			}
			clientCfg.Signer = signer
		}
		osClient, err := opensearchsdk.NewClient(clientCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create opensearch client: %w", err)
		}
		client = osClient
	case FlavorElasticsearch:
		if cfg.AWSAuthEnabled {
			return nil, errors.New("aws auth is only supported with the opensearch flavor")
		}
		esClient, err := elasticsearch.NewClient(elasticsearch.Config{
			Addresses: addresses,
			Username:  cfg.Username,
			Password:  cfg.Password,
			APIKey:    cfg.APIKey,
			Transport: transport,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
		}
		client = esClient
	default:
		return nil, fmt.Errorf("unsupported search flavor %q", cfg.Flavor)
	}

	adapter := NewAdapterWithClient(client, cfg, log)
	adapter.transport = transport

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := adapter.Ping(ctx); err != nil {
		_ = adapter.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", cfg.Flavor, err)
	}
	adapter.logger.Info("search document store initialized",
		"flavor", cfg.Flavor,
		"nodes", len(addresses),
		"aws_auth_enabled", cfg.AWSAuthEnabled,
	)
	return adapter, nil
}

// NewAdapterWithClient builds an adapter over an existing client.
func NewAdapterWithClient(client Performer, cfg Config, log logger.Logger) *Adapter {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 5 * time.Second
	}
	cfg.IndexPrefix = strings.ToLower(strings.TrimSpace(cfg.IndexPrefix))
	return &Adapter{client: client, logger: log, config: cfg, now: time.Now}
}

// stored is the _source of every document.
type stored struct {
	Body      json.RawMessage `json:"body"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type getResponse struct {
	Found       bool   `json:"found"`
	SeqNo       *int64 `json:"_seq_no"`
	PrimaryTerm *int64 `json:"_primary_term"`
	Source      stored `json:"_source"`
}

func (a *Adapter) Create(ctx context.Context, collection, key string, body []byte) (*docstore.Document, error) {
	if err := a.checkOpen("create", collection, key, body); err != nil {
		return nil, err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	// Writes would auto-create a missing index, so existence is checked first.
	if err := a.ensureCollection(opCtx, "create", collection, key); err != nil {
		return nil, err
	}
	updatedAt := a.now().UTC()
	status, respBody, err := a.do(opCtx, http.MethodPut, a.docPath(collection, "_create", key, nil), stored{Body: body, UpdatedAt: updatedAt})
	if err != nil {
		return nil, unavailable("create", collection, key, err)
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return nil, classifyStatus("create", collection, key, status, respBody)
	}
	return &docstore.Document{Collection: collection, Key: key, Body: append([]byte(nil), body...), UpdatedAt: updatedAt}, nil
}

func (a *Adapter) Get(ctx context.Context, collection, key string) (*docstore.Document, error) {
	if err := a.checkOpen("get", collection, key, nil); err != nil {
		return nil, err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	got, err := a.get(opCtx, "get", collection, key)
	if err != nil {
		return nil, err
	}
	return &docstore.Document{Collection: collection, Key: key, Body: got.Source.Body, UpdatedAt: got.Source.UpdatedAt.UTC()}, nil
}

func (a *Adapter) Update(ctx context.Context, collection, key string, body []byte) (*docstore.Document, error) {
	return a.UpdateIf(ctx, collection, key, body, nil)
}

// UpdateIf overwrites an existing document conditionally on the _seq_no it
// read. A concurrent writer bumps _seq_no and fails the write with 409; the
// read and check are then repeated so a deletion surfaces as KindNotFound and
// a takeover as the check's error.
func (a *Adapter) UpdateIf(ctx context.Context, collection, key string, body []byte, check docstore.Precondition) (*docstore.Document, error) {
	if err := a.checkOpen("update", collection, key, body); err != nil {
		return nil, err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		query, err := a.guard(opCtx, "update", collection, key, check)
		if err != nil {
			return nil, err
		}
		updatedAt := a.now().UTC()
		status, respBody, err := a.do(opCtx, http.MethodPut, a.docPath(collection, "_doc", key, query), stored{Body: body, UpdatedAt: updatedAt})
		if err != nil {
			return nil, unavailable("update", collection, key, err)
		}
		switch {
		case status == http.StatusOK || status == http.StatusCreated:
			return &docstore.Document{Collection: collection, Key: key, Body: append([]byte(nil), body...), UpdatedAt: updatedAt}, nil
		case status == http.StatusConflict:
			lastErr = fmt.Errorf("version conflict: %s", errorReason(respBody))
		default:
			return nil, classifyStatus("update", collection, key, status, respBody)
		}
	}
	return nil, docstore.NewError("update", collection, key, docstore.KindUnavailable, lastErr)
}

func (a *Adapter) Delete(ctx context.Context, collection, key string) error {
	return a.DeleteIf(ctx, collection, key, nil)
}

// DeleteIf removes the document. With a check the delete is conditional on
// the _seq_no of the body the check accepted.
func (a *Adapter) DeleteIf(ctx context.Context, collection, key string, check docstore.Precondition) error {
	if err := a.checkOpen("delete", collection, key, nil); err != nil {
		return err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		var query url.Values
		if check != nil {
			var err error
			if query, err = a.guard(opCtx, "delete", collection, key, check); err != nil {
				return err
			}
		}
		status, respBody, err := a.do(opCtx, http.MethodDelete, a.docPath(collection, "_doc", key, query), nil)
		if err != nil {
			return unavailable("delete", collection, key, err)
		}
		switch status {
		case http.StatusOK:
			return nil
		case http.StatusConflict:
			lastErr = fmt.Errorf("version conflict: %s", errorReason(respBody))
		default:
			return classifyStatus("delete", collection, key, status, respBody)
		}
	}
	return docstore.NewError("delete", collection, key, docstore.KindUnavailable, lastErr)
}

// Provision creates the collection index. Provisioning twice is a no-op.
func (a *Adapter) Provision(ctx context.Context, collection string) error {
	if err := a.checkOpen("provision", collection, "", nil); err != nil {
		return err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	mapping := map[string]any{
		"mappings": map[string]any{
			"dynamic": false,
			"properties": map[string]any{
				"updatedAt": map[string]any{"type": "date"},
			},
		},
	}
	status, respBody, err := a.do(opCtx, http.MethodPut, "/"+url.PathEscape(a.index(collection)), mapping)
	if err != nil {
		return unavailable("provision", collection, "", err)
	}
	if status >= http.StatusBadRequest && errorType(respBody) != "resource_already_exists_exception" {
		return classifyStatus("provision", collection, "", status, respBody)
	}
	a.known.Store(collection, struct{}{})
	a.logger.Info("search collection provisioned", "index", a.index(collection))
	return nil
}

// Ping verifies the cluster answers.
func (a *Adapter) Ping(ctx context.Context) error {
	a.mu.RLock()
	closed := a.closed
	a.mu.RUnlock()
	if closed {
		return errors.New("search adapter is closed")
	}
	status, respBody, err := a.do(ctx, http.MethodGet, "/", nil)
	if err != nil {
		return err
	}
	if status >= http.StatusBadRequest {
		return fmt.Errorf("search ping failed with status %d: %s", status, errorReason(respBody))
	}
	return nil
}

// HealthCheck reads the local cluster health.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	hcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	status, respBody, err := a.do(hcCtx, http.MethodGet, "/_cluster/health?local=true", nil)
	if err == nil && status >= http.StatusBadRequest {
		err = fmt.Errorf("status %d: %s", status, errorReason(respBody))
	}
	if err != nil {
		a.logger.Error("search health check failed", "error", err)
		return fmt.Errorf("search health check failed: %w", err)
	}
	var health struct {
		Status string `json:"status"`
	}
	if json.Unmarshal(respBody, &health) == nil && health.Status == "red" {
		return errors.New("search health check failed: cluster status red")
	}
	return nil
}

// Close releases idle connections.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.transport != nil {
		a.transport.CloseIdleConnections()
	}
	return nil
}

func (a *Adapter) get(ctx context.Context, op, collection, key string) (*getResponse, error) {
	status, respBody, err := a.do(ctx, http.MethodGet, a.docPath(collection, "_doc", key, nil), nil)
	if err != nil {
		return nil, unavailable(op, collection, key, err)
	}
	if status != http.StatusOK {
		return nil, classifyStatus(op, collection, key, status, respBody)
	}
	var got getResponse
	if err := json.Unmarshal(respBody, &got); err != nil {
		return nil, docstore.NewError(op, collection, key, docstore.KindInvalid, err)
	}
	if !got.Found {
		return nil, docstore.NewError(op, collection, key, docstore.KindNotFound, nil)
	}
	return &got, nil
}

// guard reads the document, runs check on it and returns the query that
// makes the following write conditional on what was read.
func (a *Adapter) guard(ctx context.Context, op, collection, key string, check docstore.Precondition) (url.Values, error) {
	current, err := a.get(ctx, op, collection, key)
	if err != nil {
		return nil, err
	}
	if check != nil {
		doc := &docstore.Document{Collection: collection, Key: key, Body: current.Source.Body, UpdatedAt: current.Source.UpdatedAt.UTC()}
		if err := check(doc); err != nil {
			return nil, err
		}
	}
	query := url.Values{}
	if current.SeqNo != nil && current.PrimaryTerm != nil {
		query.Set("if_seq_no", strconv.FormatInt(*current.SeqNo, 10))
		query.Set("if_primary_term", strconv.FormatInt(*current.PrimaryTerm, 10))
	}
	return query, nil
}

func (a *Adapter) ensureCollection(ctx context.Context, op, collection, key string) error {
	if _, ok := a.known.Load(collection); ok {
		return nil
	}
	status, _, err := a.do(ctx, http.MethodHead, "/"+url.PathEscape(a.index(collection)), nil)
	if err != nil {
		return unavailable(op, collection, key, err)
	}
	switch {
	case status == http.StatusNotFound:
		return docstore.NewError(op, collection, key, docstore.KindCollectionMissing, nil)
	case status >= http.StatusBadRequest:
		return classifyStatus(op, collection, key, status, nil)
	}
	a.known.Store(collection, struct{}{})
	return nil
}

func (a *Adapter) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Perform(req)
	if err != nil {
		return 0, nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read search response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func (a *Adapter) index(collection string) string {
	name := strings.ToLower(collection)
	if a.config.IndexPrefix != "" {
		name = a.config.IndexPrefix + "-" + name
	}
	return name
}

func (a *Adapter) docPath(collection, endpoint, key string, query url.Values) string {
	path := fmt.Sprintf("/%s/%s/%s", url.PathEscape(a.index(collection)), endpoint, url.PathEscape(key))
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return path
}

func (a *Adapter) checkOpen(op, collection, key string, body []byte) error {
	if strings.TrimSpace(collection) == "" || strings.ContainsAny(collection, `/\*?"<>| ,#`) {
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
		return docstore.NewError(op, collection, key, docstore.KindUnavailable, errors.New("search adapter is closed"))
	}
	return nil
}

func (a *Adapter) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.config.OperationTimeout)
}

func newAWSSigner(cfg Config) (ossigner.Signer, error) {
	if strings.TrimSpace(cfg.AWSRegion) == "" {
		return nil, errors.New("aws region is required when AWS auth is enabled")
	}
	service := strings.TrimSpace(cfg.AWSService)
	if service == "" {
		service = "es"
	}

	var awsCfg aws.Config
	if strings.TrimSpace(cfg.AWSAccessKeyID) != "" || strings.TrimSpace(cfg.AWSSecretKey) != "" {
		if strings.TrimSpace(cfg.AWSAccessKeyID) == "" || strings.TrimSpace(cfg.AWSSecretKey) == "" {
			return nil, errors.New("both AWS access key id and secret access key are required when using static AWS credentials")
		}
		awsCfg = aws.Config{
			Region:      cfg.AWSRegion,
			Credentials: credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretKey, cfg.AWSSessionToken),
		}
	} else {
		loaded, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		awsCfg = loaded
	}
	return awssigner.NewSignerWithService(awsCfg, service)
}

func parseAddresses(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, item := range raw {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		u, err := url.Parse(item)
		if err != nil {
			return nil, fmt.Errorf("failed to parse search URL %q: %w", item, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid search URL: %s", item)
		}
		if _, dup := seen[u.String()]; dup {
			continue
		}
		seen[u.String()] = struct{}{}
		out = append(out, u.String())
	}
	if len(out) == 0 {
		return nil, errors.New("at least one search URL is required")
	}
	return out, nil
}

type errorBody struct {
	Error struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
	Result string `json:"result"`
}

func errorType(body []byte) string {
	var e errorBody
	_ = json.Unmarshal(body, &e)
	return e.Error.Type
}

func errorReason(body []byte) string {
	var e errorBody
	if json.Unmarshal(body, &e) == nil && e.Error.Reason != "" {
		return e.Error.Reason
	}
	return strings.TrimSpace(string(body))
}

// classifyStatus maps a non-success response to a store error kind.
func classifyStatus(op, collection, key string, status int, body []byte) error {
	cause := fmt.Errorf("status %d: %s", status, errorReason(body))
	switch {
	case status == http.StatusNotFound && errorType(body) == "index_not_found_exception":
		return docstore.NewError(op, collection, key, docstore.KindCollectionMissing, cause)
	case status == http.StatusNotFound:
		return docstore.NewError(op, collection, key, docstore.KindNotFound, nil)
	case status == http.StatusConflict:
		return docstore.NewError(op, collection, key, docstore.KindAlreadyExists, cause)
	case status == http.StatusBadRequest:
		return docstore.NewError(op, collection, key, docstore.KindInvalid, cause)
	case resilience.IsRetryable(&resilience.StatusError{Code: status}):
		return docstore.NewError(op, collection, key, docstore.KindUnavailable, cause)
	default:
		return docstore.NewError(op, collection, key, docstore.KindUnknown, cause)
	}
}

func unavailable(op, collection, key string, err error) error {
	return docstore.NewError(op, collection, key, docstore.KindUnavailable, err)
}
