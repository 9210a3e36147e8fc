// Package archive persists terminal run bundles to durable storage.
package archive

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/ethpandaops/runoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// Sink writes an archive object under the given key.
type Sink interface {
	Store(ctx context.Context, key string, data []byte) error
}

// New builds the Sink for the configured backend. A nil config disables
// archiving and returns a nil Sink.
func New(log logrus.FieldLogger, cfg *config.ArchiveConfig) (Sink, error) {
	switch {
	case cfg == nil:
		return nil, nil
	case cfg.S3 != nil:
		return newS3Sink(log, cfg.S3), nil
	case cfg.Local != nil:
		return newLocalSink(log, cfg.Local), nil
	default:
		return nil, fmt.Errorf("archive config has no backend")
	}
}

// validateKey rejects keys that would escape the archive root.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("archive key is empty")
	}

	if strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("archive key %q is not a clean relative path", key)
	}

	if cleaned := path.Clean(key); cleaned != key {
		return fmt.Errorf("archive key %q is not a clean relative path", key)
	}

	return nil
}
