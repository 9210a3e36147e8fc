package archive

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethpandaops/runoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// s3Sink writes archive objects to S3-compatible storage.
type s3Sink struct {
	log    logrus.FieldLogger
	cfg    *config.S3ArchiveConfig
	client *s3.Client
}

// Ensure interface compliance.
var _ Sink = (*s3Sink)(nil)

func newS3Sink(log logrus.FieldLogger, cfg *config.S3ArchiveConfig) *s3Sink {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return &s3Sink{
		log:    log.WithField("component", "archive-s3"),
		cfg:    cfg,
		client: s3.New(s3.Options{}, opts...),
	}
}

func (s *s3Sink) Store(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	fullKey := s.resolveKey(key)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(fullKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(detectContentType(key)),
	})
	if err != nil {
		return fmt.Errorf("PutObject: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"key":    fullKey,
		"bucket": s.cfg.Bucket,
		"bytes":  len(data),
	}).Debug("Archived object")

	return nil
}

// resolveKey builds the full S3 key under the configured prefix.
func (s *s3Sink) resolveKey(key string) string {
	prefix := s.cfg.Prefix
	if prefix == "" {
		prefix = "runs"
	}

	return strings.TrimRight(prefix, "/") + "/" + key
}

// detectContentType returns a MIME type based on the key's extension.
func detectContentType(key string) string {
	ext := path.Ext(key)
	if ext == "" {
		return "application/octet-stream"
	}

	ct := mime.TypeByExtension(ext)
	if ct == "" {
		return "application/octet-stream"
	}

	return ct
}
