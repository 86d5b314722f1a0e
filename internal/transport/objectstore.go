package transport

import (
	"bytes"
	"context"
	"encoding/json"
	stderr "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"

	"github.com/proposalhub/apibridge/pkg/errors"
)

// ObjectAPI is the subset of the S3 client used by ObjectStore.
type ObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// ObjectStore is a Transport that keeps each record as a JSON object in an
// S3 bucket, under <prefix>/<collection>/<id>.json. It serves plain CRUD on
// the configured collections:
//
//	GET    /rfps?status=open   list, filtered by top-level field equality
//	GET    /rfps/42            fetch one
//	POST   /rfps               create, assigning an id when absent
//	PATCH  /rfps/42            merge top-level fields
//	DELETE /rfps/42            remove
//
// Any other endpoint fails with NOT_FOUND. Record ids are limited to
// letters, digits, '-' and '_'; creating an id that already exists fails
// with CONFLICT.
type ObjectStore struct {
	api         ObjectAPI
	config      ObjectStoreConfig
	collections []string
	transporter *cargoships3.Transporter
	logger      *slog.Logger
	now         func() time.Time
}

// ObjectStoreOption configures an ObjectStore.
type ObjectStoreOption func(*ObjectStore)

// WithObjectStoreLogger sets the logger.
func WithObjectStoreLogger(logger *slog.Logger) ObjectStoreOption {
	return func(s *ObjectStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObjectStoreClock replaces the clock used for record timestamps.
func WithObjectStoreClock(now func() time.Time) ObjectStoreOption {
	return func(s *ObjectStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewObjectStore creates an object store transport over api. The cargoship
// transporter is only available when api is a concrete *s3.Client.
func NewObjectStore(api ObjectAPI, cfg ObjectStoreConfig, opts ...ObjectStoreOption) (*ObjectStore, error) {
	if api == nil {
		return nil, fmt.Errorf("object store requires an S3 client")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}
	if len(cfg.Collections) == 0 {
		return nil, fmt.Errorf("object store requires at least one collection")
	}
	if cfg.MultipartThreshold <= 0 {
		cfg.MultipartThreshold = 8 << 20
	}
	if cfg.MultipartChunkSize <= 0 {
		cfg.MultipartChunkSize = 8 << 20
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	s := &ObjectStore{
		api:    api,
		config: cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "object-store", "bucket", cfg.Bucket)

	for _, c := range cfg.Collections {
		s.collections = append(s.collections, "/"+strings.Trim(c, "/"))
	}
	// Longest first so "/admin/users" wins over "/admin".
	sort.Slice(s.collections, func(i, j int) bool {
		return len(s.collections[i]) > len(s.collections[j])
	})

	if client, ok := api.(*s3.Client); ok && cfg.EnableCargoShip {
		s.transporter = newTransporter(client, cfg, s.logger)
	}

	return s, nil
}

func (s *ObjectStore) Get(ctx context.Context, endpoint string, _ any) (*Envelope, error) {
	route, err := s.route(MethodGet, endpoint)
	if err != nil {
		return nil, err
	}
	if route.id == "" {
		return s.list(ctx, route)
	}

	doc, err := s.load(ctx, route)
	if err != nil {
		return nil, err
	}
	return Success(doc)
}

func (s *ObjectStore) Post(ctx context.Context, endpoint string, body any) (*Envelope, error) {
	route, err := s.route(MethodPost, endpoint)
	if err != nil {
		return nil, err
	}
	if route.id != "" {
		return nil, unsupported(MethodPost, endpoint)
	}

	doc, err := toDocument(body)
	if err != nil {
		return nil, err
	}

	id, err := documentID(doc)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.NewString()
		doc["id"] = id
	}
	route.id = id

	if err := s.ensureAbsent(ctx, route); err != nil {
		return nil, err
	}

	now := s.now().UTC().Format(time.RFC3339Nano)
	doc["created_at"] = now
	doc["updated_at"] = now

	if err := s.store(ctx, route, doc, true); err != nil {
		return nil, err
	}
	return Success(doc)
}

func (s *ObjectStore) Patch(ctx context.Context, endpoint string, body any) (*Envelope, error) {
	route, err := s.route(MethodPatch, endpoint)
	if err != nil {
		return nil, err
	}
	if route.id == "" {
		return nil, unsupported(MethodPatch, endpoint)
	}

	changes, err := toDocument(body)
	if err != nil {
		return nil, err
	}

	doc, err := s.load(ctx, route)
	if err != nil {
		return nil, err
	}
	for field, value := range changes {
		if field == "id" || field == "created_at" {
			continue
		}
		doc[field] = value
	}
	doc["updated_at"] = s.now().UTC().Format(time.RFC3339Nano)

	if err := s.store(ctx, route, doc, false); err != nil {
		return nil, err
	}
	return Success(doc)
}

func (s *ObjectStore) Delete(ctx context.Context, endpoint string, _ any) (*Envelope, error) {
	route, err := s.route(MethodDelete, endpoint)
	if err != nil {
		return nil, err
	}
	if route.id == "" {
		return nil, unsupported(MethodDelete, endpoint)
	}

	key := s.key(route)
	if _, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	}); err != nil {
		return nil, s.translateError(err, "HeadObject", route)
	}

	if _, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	}); err != nil {
		return nil, s.translateError(err, "DeleteObject", route)
	}
	return &Envelope{Success: true}, nil
}

type objectRoute struct {
	collection string
	id         string
	query      url.Values
}

func (s *ObjectStore) route(method Method, endpoint string) (objectRoute, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return objectRoute{}, errors.Validation("invalid endpoint %q: %v", endpoint, err)
	}
	p := "/" + strings.Trim(ref.Path, "/")

	for _, collection := range s.collections {
		if p == collection {
			return objectRoute{collection: collection, query: ref.Query()}, nil
		}
		if rest, ok := strings.CutPrefix(p, collection+"/"); ok && !strings.Contains(rest, "/") {
			if !validID(rest) {
				return objectRoute{}, errors.Validation("invalid record id %q", rest)
			}
			return objectRoute{collection: collection, id: rest, query: ref.Query()}, nil
		}
	}
	return objectRoute{}, unsupported(method, endpoint)
}

// maxIDLength bounds a record id.
const maxIDLength = 128

// validID reports whether id is safe to use as an object key segment.
func validID(id string) bool {
	if id == "" || len(id) > maxIDLength {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// documentID returns the client-supplied id of doc, or "" when it has none.
func documentID(doc map[string]any) (string, error) {
	raw, ok := doc["id"]
	if !ok || raw == nil {
		return "", nil
	}
	id, ok := raw.(string)
	if !ok {
		return "", errors.Validation("record id must be a string")
	}
	if id == "" {
		return "", nil
	}
	if !validID(id) {
		return "", errors.Validation("invalid record id %q", id)
	}
	return id, nil
}

// ensureAbsent fails with CONFLICT when the record of route already exists.
func (s *ObjectStore) ensureAbsent(ctx context.Context, route objectRoute) error {
	_, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.key(route)),
	})
	if err == nil {
		return conflict(route)
	}
	translated := s.translateError(err, "HeadObject", route)
	if errors.CodeOf(translated) == errors.ErrCodeNotFound {
		return nil
	}
	return translated
}

func (s *ObjectStore) key(route objectRoute) string {
	return path.Join(s.config.Prefix, strings.Trim(route.collection, "/"), route.id+".json")
}

func (s *ObjectStore) collectionPrefix(route objectRoute) string {
	return path.Join(s.config.Prefix, strings.Trim(route.collection, "/")) + "/"
}

func (s *ObjectStore) list(ctx context.Context, route objectRoute) (*Envelope, error) {
	prefix := s.collectionPrefix(route)

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.config.Bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, s.translateError(err, "ListObjectsV2", route)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			// Only direct children; nested collections share the prefix.
			if rest := strings.TrimPrefix(key, prefix); strings.HasSuffix(rest, ".json") && !strings.Contains(rest, "/") {
				keys = append(keys, key)
			}
		}
	}
	sort.Strings(keys)

	docs := make([]map[string]any, 0, len(keys))
	for _, key := range keys {
		doc, err := s.read(ctx, key, route)
		if err != nil {
			var bridgeErr *errors.BridgeError
			if stderr.As(err, &bridgeErr) && bridgeErr.Code == errors.ErrCodeNotFound {
				continue // deleted between list and read
			}
			return nil, err
		}
		if matches(doc, route.query) {
			docs = append(docs, doc)
		}
	}
	return Success(docs)
}

func (s *ObjectStore) load(ctx context.Context, route objectRoute) (map[string]any, error) {
	return s.read(ctx, s.key(route), route)
}

func (s *ObjectStore) read(ctx context.Context, key string, route objectRoute) (map[string]any, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s.translateError(err, "GetObject", route)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Newf(errors.ErrCodeTransportFailure, "reading %s: %v", key, err).WithCause(err)
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Newf(errors.ErrCodeDecodeFailed, "object %s is not a JSON document", key).WithCause(err)
	}
	return doc, nil
}

// store writes doc under route. A create is a conditional PutObject that
// never replaces an existing object, so it does not go through cargoship.
func (s *ObjectStore) store(ctx context.Context, route objectRoute, doc map[string]any, create bool) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return errors.Validation("encoding document: %v", err)
	}
	key := s.key(route)

	if !create && s.transporter != nil && int64(len(data)) >= s.config.MultipartThreshold {
		result, uploadErr := s.transporter.Upload(ctx, cargoships3.Archive{
			Key:    key,
			Reader: bytes.NewReader(data),
			Size:   int64(len(data)),
			Metadata: map[string]string{
				"content-type": "application/json",
				"collection":   route.collection,
			},
		})
		if uploadErr == nil {
			s.logger.Debug("cargoship upload completed",
				"key", key,
				"size", len(data),
				"throughput", result.Throughput,
				"duration", result.Duration)
			return nil
		}
		s.logger.Warn("cargoship upload failed, falling back to PutObject", "key", key, "error", uploadErr)
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.config.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
	}
	if create {
		input.IfNoneMatch = aws.String("*")
	}
	if _, err := s.api.PutObject(ctx, input); err != nil {
		return s.translateError(err, "PutObject", route)
	}
	return nil
}

func (s *ObjectStore) translateError(err error, operation string, route objectRoute) error {
	target := route.collection
	if route.id != "" {
		target += "/" + route.id
	}

	switch {
	case isErrorType[*s3types.NoSuchKey](err), isErrorType[*s3types.NotFound](err):
		return errors.Newf(errors.ErrCodeNotFound, "%s not found", target)
	case httpStatus(err) == http.StatusPreconditionFailed:
		return conflict(route)
	case isErrorType[*s3types.NoSuchBucket](err):
		return errors.Newf(errors.ErrCodeTransportFailure, "bucket not found: %s", s.config.Bucket).
			WithRetryable(false).WithCause(err)
	case stderr.Is(err, context.Canceled), stderr.Is(err, context.DeadlineExceeded):
		return err
	default:
		s.logger.Warn("object store call failed", "operation", operation, "target", target, "error", err)
		return errors.Newf(errors.ErrCodeTransportFailure, "%s failed for %s: %v", operation, target, err).WithCause(err)
	}
}

func conflict(route objectRoute) error {
	return errors.Newf(errors.ErrCodeConflict, "%s/%s already exists", route.collection, route.id)
}

// httpStatus returns the HTTP status carried by an S3 response error, or 0.
func httpStatus(err error) int {
	var status interface{ HTTPStatusCode() int }
	if stderr.As(err, &status) {
		return status.HTTPStatusCode()
	}
	return 0
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return stderr.As(err, &target)
}

func toDocument(body any) (map[string]any, error) {
	if body == nil {
		return nil, errors.Validation("request body is required")
	}
	raw, err := encodeBody(body)
	if err != nil {
		return nil, err
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil || doc == nil {
		return nil, errors.Validation("request body must be a JSON object")
	}
	return doc, nil
}

// matches reports whether every query parameter equals the document's
// top-level field of the same name.
func matches(doc map[string]any, query url.Values) bool {
	for field := range query {
		value, ok := doc[field]
		if !ok || fmt.Sprint(value) != query.Get(field) {
			return false
		}
	}
	return true
}

func unsupported(method Method, endpoint string) error {
	return errors.Newf(errors.ErrCodeNotFound, "object store does not serve %s %s", method, endpoint)
}
