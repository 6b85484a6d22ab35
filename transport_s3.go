package driftsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// s3VersionMetadataKey is the user-metadata key carrying the entity version
// on each object. S3 lowercases user metadata keys.
const s3VersionMetadataKey = "entity-version"

// S3TransportConfig configures the S3 transport.
type S3TransportConfig struct {
	Bucket   string `json:"bucket" yaml:"bucket"`
	Region   string `json:"region" yaml:"region"`
	Endpoint string `json:"endpoint" yaml:"endpoint"` // For S3-compatible services (MinIO, etc.)
	// AccessKeyID for authentication. Prefer using IAM roles, instance profiles,
	// or environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY) instead
	// of setting these directly. DO NOT commit credentials to source control.
	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key"`
	Prefix          string `json:"prefix" yaml:"prefix"`                 // Key prefix for all objects
	UsePathStyle    bool   `json:"use_path_style" yaml:"use_path_style"` // Use path-style addressing
}

// S3Transport syncs entities to an S3 (or S3-compatible) bucket, one object
// per entity. The bucket has no server-side conflict detection, so the
// transport performs it client-side: each object carries the entity version
// in user metadata, and a send that finds a strictly newer version on the
// remote object reports a conflict instead of overwriting it. Writes at the
// same version are idempotent overwrites, which makes duplicate delivery of
// one operation harmless.
type S3Transport struct {
	client *s3.Client
	config S3TransportConfig
}

// NewS3Transport creates an S3 transport.
func NewS3Transport(cfg S3TransportConfig) (*S3Transport, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	// Build AWS config options
	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))

	// Use static credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Build S3 client options
	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)

	return &S3Transport{
		client: client,
		config: cfg,
	}, nil
}

// Send checks the remote object version, then applies the operation.
func (t *S3Transport) Send(ctx context.Context, op Operation) (SendOutcome, error) {
	key := t.objectKey(op)

	remote, exists, err := t.remoteVersion(ctx, key)
	if err != nil {
		return SendOutcome{}, err
	}
	if exists && remote > op.EntityVersion {
		return SendOutcome{Kind: SendConflict, RemoteVersion: remote}, nil
	}

	switch op.Kind {
	case OpDelete:
		_, err := t.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(t.config.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return SendOutcome{}, fmt.Errorf("S3 delete object failed: %w", err)
		}

	default:
		_, err := t.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(t.config.Bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(op.Payload),
			Metadata: map[string]string{
				s3VersionMetadataKey: strconv.FormatUint(op.EntityVersion, 10),
			},
		})
		if err != nil {
			return SendOutcome{}, fmt.Errorf("S3 put object failed: %w", err)
		}
	}

	return SendOutcome{Kind: SendAccepted}, nil
}

// objectKey maps an operation's entity to its bucket key.
func (t *S3Transport) objectKey(op Operation) string {
	if op.EntityKind != "" {
		return t.config.Prefix + op.EntityKind + "/" + op.EntityID
	}
	return t.config.Prefix + op.EntityID
}

// remoteVersion reads the version metadata off the remote object. A missing
// object is version zero, not an error.
func (t *S3Transport) remoteVersion(ctx context.Context, key string) (uint64, bool, error) {
	head, err := t.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(t.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		// Check if it's a "not found" error
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return 0, false, nil
		}
		// For other errors, check if it contains "NotFound" or "404"
		if strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404") {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("S3 head object failed: %w", err)
	}

	raw, ok := head.Metadata[s3VersionMetadataKey]
	if !ok {
		return 0, true, nil
	}
	version, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		// Object written by something else; treat as versionless.
		return 0, true, nil
	}
	return version, true, nil
}

var _ Transport = (*S3Transport)(nil)
