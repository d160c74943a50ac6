// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/blobsource/pkg/logger"
	"github.com/LeeDigitalWorks/blobsource/pkg/storage/keys"
	"github.com/LeeDigitalWorks/blobsource/pkg/storage/pin"
	"github.com/LeeDigitalWorks/blobsource/pkg/storage/schema"
	"github.com/LeeDigitalWorks/blobsource/pkg/storage/srcerr"
	"github.com/LeeDigitalWorks/blobsource/pkg/types"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

var objectStoreSchema = &schema.Schema{
	Sections: []schema.Section{
		{ID: "connection", Label: "Connection"},
		{ID: "credentials", Label: "Credentials"},
		{ID: "advanced", Label: "Advanced"},
	},
	Fields: []schema.Field{
		{Name: "endpoint", Label: "Endpoint URL", Type: schema.TypeString, Section: "connection"},
		{Name: "region", Label: "Region", Type: schema.TypeString, Section: "connection"},
		{Name: "bucket_name", Label: "Bucket", Type: schema.TypeString, Section: "connection"},
		{Name: "access_key", Label: "Access key", Type: schema.TypeString, Section: "credentials"},
		{Name: "secret_key", Label: "Secret key", Type: schema.TypeString, Section: "credentials"},
		{Name: "path_style", Label: "Path-style addressing", Type: schema.TypeBool, Optional: true, Default: true, Section: "advanced"},
		{Name: "builtin_signer", Label: "Sign range reads without the SDK", Type: schema.TypeBool, Optional: true, Default: false, Section: "advanced"},
	},
}

type objectStoreConfig struct {
	Endpoint      string `json:"endpoint"`
	Region        string `json:"region"`
	BucketName    string `json:"bucket_name"`
	AccessKey     string `json:"access_key"`
	SecretKey     string `json:"secret_key"`
	PathStyle     bool   `json:"path_style"`
	BuiltinSigner bool   `json:"builtin_signer"`
}

// objectAPI is the part of *s3.Client the object store uses.
type objectAPI interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

var _ objectAPI = (*s3.Client)(nil)

// session is the connection state of one started period.
type session struct {
	cfg    objectStoreConfig
	api    objectAPI
	http   *http.Client
	signer requestSigner
	creds  aws.Credentials
	base   *url.URL
}

// ObjectStore stores objects in a bucket of an S3-compatible service. It
// holds a client between Startup and Shutdown.
type ObjectStore struct {
	guard *pin.Guard
	now   func() time.Time

	// partThreshold is the size at which uploads switch to multipart.
	partThreshold int64

	mu   sync.RWMutex
	cfg  *objectStoreConfig
	sess *session
}

var (
	_ types.Backend   = (*ObjectStore)(nil)
	_ types.Stateful  = (*ObjectStore)(nil)
	_ types.Indexable = (*ObjectStore)(nil)
)

// DefaultPartThreshold is the upload size at which the object store switches
// from a single PUT to a multipart upload.
const DefaultPartThreshold int64 = 50_000_000

// NewObjectStore creates an unconfigured object store backend.
func NewObjectStore(guard *pin.Guard) *ObjectStore {
	if guard == nil {
		guard = pin.NewGuard()
	}
	return &ObjectStore{guard: guard, now: time.Now, partThreshold: DefaultPartThreshold}
}

func (s *ObjectStore) Type() string { return TypeS3 }

func (s *ObjectStore) Schema() *schema.Schema { return objectStoreSchema }

func (s *ObjectStore) Guard() *pin.Guard { return s.guard }

func (s *ObjectStore) SupportsPositionalRead() bool { return true }

// RemainingCapacity is never known for a bucket.
func (s *ObjectStore) RemainingCapacity(context.Context) (int64, bool) {
	p, err := hold(s.guard, "remaining capacity")
	if err != nil {
		return 0, false
	}
	p.Release()
	return 0, false
}

func (s *ObjectStore) KeyFromFilename(name string) string {
	return keys.FromFilename(name, s.now())
}

func (s *ObjectStore) Configure(config []byte) error {
	var cfg objectStoreConfig
	if err := objectStoreSchema.Decode(config, &cfg); err != nil {
		return err
	}
	if _, err := parseEndpoint(cfg.Endpoint); err != nil {
		return srcerr.Validation("configure s3", fmt.Errorf("endpoint: %w", err))
	}
	for name, v := range map[string]string{
		"region":      cfg.Region,
		"bucket_name": cfg.BucketName,
		"access_key":  cfg.AccessKey,
		"secret_key":  cfg.SecretKey,
	} {
		if strings.TrimSpace(v) == "" {
			return srcerr.Validation("configure s3", fmt.Errorf("%s: must not be empty", name))
		}
	}

	s.mu.Lock()
	s.cfg = &cfg
	s.mu.Unlock()
	return nil
}

func parseEndpoint(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("missing host")
	}
	return u, nil
}

// Startup builds the SDK client and the HTTP client used for range reads.
func (s *ObjectStore) Startup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg == nil {
		return srcerr.NotConfigured("startup")
	}
	if s.sess != nil {
		return nil
	}
	cfg := *s.cfg
	base, err := parseEndpoint(cfg.Endpoint)
	if err != nil {
		return srcerr.Validation("startup", err)
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	credsProvider := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")

	// Only the instance config applies. AWS_* variables and shared config
	// files on the host are not consulted.
	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credsProvider,
		HTTPClient:  httpClient,
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = cfg.PathStyle
		// Bodies are streamed and cannot be rewound for hashing
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	}, s3.WithAPIOptions(v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware))

	creds, err := credsProvider.Retrieve(ctx)
	if err != nil {
		return srcerr.New(srcerr.ErrSourceOperationFailed, "startup", "", err)
	}

	var signer requestSigner = newSDKSigner()
	if cfg.BuiltinSigner {
		signer = builtinSigner{}
	}

	s.sess = &session{
		cfg:    cfg,
		api:    client,
		http:   httpClient,
		signer: signer,
		creds:  creds,
		base:   base,
	}

	logger.Ctx(ctx).Info().
		Str("endpoint", cfg.Endpoint).
		Str("bucket", cfg.BucketName).
		Bool("builtin_signer", cfg.BuiltinSigner).
		Msg("object store started")
	return nil
}

// Shutdown drops the clients and closes idle connections.
func (s *ObjectStore) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	sess := s.sess
	s.sess = nil
	s.mu.Unlock()

	if sess != nil {
		sess.http.CloseIdleConnections()
	}
	return nil
}

func (s *ObjectStore) started(op string) (*session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sess == nil {
		return nil, srcerr.NotConfigured(op)
	}
	return s.sess, nil
}

// objectURL returns the URL of key on the configured endpoint.
func (sess *session) objectURL(key string) *url.URL {
	u := *sess.base
	prefix := strings.TrimSuffix(u.Path, "/")
	encodedPrefix := strings.TrimSuffix(u.EscapedPath(), "/")
	if sess.cfg.PathStyle {
		u.Path = prefix + "/" + sess.cfg.BucketName + "/" + key
		u.RawPath = encodedPrefix + "/" + uriEncode(sess.cfg.BucketName, true) + "/" + uriEncode(key, false)
	} else {
		u.Host = sess.cfg.BucketName + "." + u.Host
		u.Path = prefix + "/" + key
		u.RawPath = encodedPrefix + "/" + uriEncode(key, false)
	}
	u.RawQuery = ""
	return &u
}

func (s *ObjectStore) head(ctx context.Context, sess *session, op, key string) (*s3.HeadObjectOutput, error) {
	out, err := sess.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(sess.cfg.BucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, normalizeS3Error(op, key, err)
	}
	return out, nil
}

func (s *ObjectStore) Exists(ctx context.Context, key string) (bool, error) {
	const op = "exists"
	p, err := hold(s.guard, op)
	if err != nil {
		return false, err
	}
	defer p.Release()

	if err := keys.Validate(key); err != nil {
		return false, err
	}
	sess, err := s.started(op)
	if err != nil {
		return false, err
	}
	if _, err := s.head(ctx, sess, op, key); err != nil {
		if errors.Is(err, srcerr.ErrFileNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *ObjectStore) Stat(ctx context.Context, key string) (types.ObjectInfo, error) {
	const op = "stat"
	p, err := hold(s.guard, op)
	if err != nil {
		return types.ObjectInfo{}, err
	}
	defer p.Release()

	if err := keys.Validate(key); err != nil {
		return types.ObjectInfo{}, err
	}
	sess, err := s.started(op)
	if err != nil {
		return types.ObjectInfo{}, err
	}
	out, err := s.head(ctx, sess, op, key)
	if err != nil {
		return types.ObjectInfo{}, err
	}
	return types.ObjectInfo{
		Key:        key,
		URL:        sess.objectURL(key).String(),
		MIME:       aws.ToString(out.ContentType),
		Size:       out.ContentLength,
		ModifiedAt: out.LastModified,
	}, nil
}

func (s *ObjectStore) List(ctx context.Context) ([]types.ObjectInfo, error) {
	var out []types.ObjectInfo
	err := s.Index(ctx, func(info types.ObjectInfo) error {
		out = append(out, info)
		return nil
	})
	return out, err
}

// Index pages through the bucket, one ListObjectsV2 page at a time.
func (s *ObjectStore) Index(ctx context.Context, fn func(types.ObjectInfo) error) error {
	const op = "list"
	p, err := hold(s.guard, op)
	if err != nil {
		return err
	}
	defer p.Release()

	sess, err := s.started(op)
	if err != nil {
		return err
	}

	pages := s3.NewListObjectsV2Paginator(sess.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(sess.cfg.BucketName),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return normalizeS3Error(op, "", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if err := fn(types.ObjectInfo{
				Key:        key,
				URL:        sess.objectURL(key).String(),
				Size:       obj.Size,
				ModifiedAt: obj.LastModified,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *ObjectStore) Delete(ctx context.Context, key string) error {
	const op = "delete"
	p, err := hold(s.guard, op)
	if err != nil {
		return err
	}
	defer p.Release()

	if err := keys.Validate(key); err != nil {
		return err
	}
	sess, err := s.started(op)
	if err != nil {
		return err
	}
	// DeleteObject succeeds on missing keys, so check first
	if _, err := s.head(ctx, sess, op, key); err != nil {
		return err
	}
	_, err = sess.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(sess.cfg.BucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return normalizeS3Error(op, key, err)
	}
	return nil
}

func (s *ObjectStore) CopyIn(ctx context.Context, localPath, key string) error {
	return copyIn(ctx, s, localPath, key)
}

func (s *ObjectStore) CopyOut(ctx context.Context, key, localPath string) error {
	return copyOut(ctx, s, key, localPath)
}

// normalizeS3Error maps SDK errors onto the source error taxonomy.
func normalizeS3Error(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if isS3NotFound(err) {
		return srcerr.NotFound(op, key, err)
	}
	return srcerr.Wrap(op, key, err)
}

func isS3NotFound(err error) bool {
	var nf *s3types.NotFound
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return true
	}
	return false
}

// drainClose discards up to a small amount of a response body so the
// connection can be reused, then closes it.
func drainClose(body io.ReadCloser) {
	_, _ = io.CopyN(io.Discard, body, 4<<10)
	_ = body.Close()
}
