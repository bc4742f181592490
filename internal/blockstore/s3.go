package blockstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/quincecloud/quince/internal/fserr"
	"github.com/quincecloud/quince/internal/logging"
	"github.com/quincecloud/quince/internal/metrics"
)

// S3Config holds S3/MinIO block store settings.
type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Mode      Mode
}

// S3 is a Store backed by an S3-compatible object store. Object keys are
// derived from the CID, so identical content maps to one object and puts
// are naturally idempotent. Objects are stored uncompressed; S3 blocks
// skip the local header format.
type S3 struct {
	cfg    S3Config
	client *s3.Client
	mode   Mode
	ready  atomic.Bool
}

// NewS3 creates an S3 block store. No network calls happen until
// Initialize.
func NewS3(cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeIsolated
	}
	return &S3{cfg: cfg, mode: mode}, nil
}

// Initialize builds the client and verifies the bucket, creating it if
// missing.
func (s *S3) Initialize(ctx context.Context) error {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(s.cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.cfg.AccessKey, s.cfg.SecretKey, ""),
		),
	}
	if s.cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               s.cfg.Endpoint,
					HostnameImmutable: true,
				}, nil
			},
		)
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	s.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.cfg.Bucket),
	}); err != nil {
		if _, createErr := s.client.CreateBucket(ctx, &s3.CreateBucketInput{
			Bucket: aws.String(s.cfg.Bucket),
		}); createErr != nil {
			return fmt.Errorf("bucket %s does not exist and cannot create: %w", s.cfg.Bucket, createErr)
		}
		logging.Info("created block bucket", zap.String("bucket", s.cfg.Bucket))
	}

	s.ready.Store(true)
	metrics.SetBlockStoreReady(true)
	logging.Info("block store initialized",
		zap.String("backend", "s3"),
		zap.String("bucket", s.cfg.Bucket),
		zap.String("mode", string(s.mode)),
	)
	return nil
}

// Ready reports whether Initialize has succeeded.
func (s *S3) Ready() bool { return s.ready.Load() }

func blockKey(cid CID) string { return "blocks/" + cid.Hex() }

// Put stores the content read from r and returns its CID and size. An
// object already present under the CID key is left untouched.
func (s *S3) Put(ctx context.Context, r io.Reader) (CID, int64, error) {
	start := time.Now()
	if !s.ready.Load() {
		return "", 0, fserr.New(fserr.KindStorageUnavailable, "block.put", "")
	}

	data, err := io.ReadAll(r)
	if err != nil {
		metrics.RecordBlockWrite(0, time.Since(start), false)
		return "", 0, fserr.Wrap(fserr.KindInternal, "block.put", "", err)
	}
	cid := SumCID(data)
	size := int64(len(data))

	exists, err := s.Has(ctx, cid)
	if err != nil {
		metrics.RecordBlockWrite(0, time.Since(start), false)
		return "", 0, err
	}
	if exists {
		metrics.RecordBlockWrite(size, time.Since(start), true)
		return cid, size, nil
	}

	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(blockKey(cid)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(size),
	}); err != nil {
		metrics.RecordBlockWrite(0, time.Since(start), false)
		return "", 0, fserr.Wrap(fserr.KindInternal, "block.put", cid.String(), err)
	}

	metrics.RecordBlockWrite(size, time.Since(start), true)
	logging.Debug("block stored", zap.String("cid", cid.String()), zap.Int64("size", size))
	return cid, size, nil
}

// Get returns the content of a block.
func (s *S3) Get(ctx context.Context, cid CID) (io.ReadCloser, error) {
	start := time.Now()
	if !s.ready.Load() {
		return nil, fserr.New(fserr.KindStorageUnavailable, "block.get", cid.String())
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(blockKey(cid)),
	})
	if err != nil {
		metrics.RecordBlockRead(0, time.Since(start), false)
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fserr.New(fserr.KindNotFound, "block.get", cid.String())
		}
		return nil, fserr.Wrap(fserr.KindInternal, "block.get", cid.String(), err)
	}

	size := int64(0)
	if result.ContentLength != nil {
		size = *result.ContentLength
	}
	metrics.RecordBlockRead(size, time.Since(start), true)
	return result.Body, nil
}

// Has reports whether a block is present.
func (s *S3) Has(ctx context.Context, cid CID) (bool, error) {
	start := time.Now()
	if !s.ready.Load() {
		return false, fserr.New(fserr.KindStorageUnavailable, "block.has", cid.String())
	}

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(blockKey(cid)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			metrics.RecordBlockOperation("has", time.Since(start), true)
			return false, nil
		}
		metrics.RecordBlockOperation("has", time.Since(start), false)
		return false, fserr.Wrap(fserr.KindInternal, "block.has", cid.String(), err)
	}

	metrics.RecordBlockOperation("has", time.Since(start), true)
	return true, nil
}

// Stats describes the store.
func (s *S3) Stats() Stats {
	return Stats{Backend: "s3", Mode: s.mode, Ready: s.ready.Load()}
}

// Shutdown marks the store unavailable.
func (s *S3) Shutdown(context.Context) error {
	s.ready.Store(false)
	metrics.SetBlockStoreReady(false)
	return nil
}
