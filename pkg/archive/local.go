package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethpandaops/runoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// localSink writes archive objects to a directory on disk.
type localSink struct {
	log logrus.FieldLogger
	cfg *config.LocalArchiveConfig
}

// Ensure interface compliance.
var _ Sink = (*localSink)(nil)

func newLocalSink(
	log logrus.FieldLogger,
	cfg *config.LocalArchiveConfig,
) *localSink {
	return &localSink{
		log: log.WithField("component", "archive-local"),
		cfg: cfg,
	}
}

func (s *localSink) Store(_ context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	dest := filepath.Join(s.cfg.Dir, filepath.FromSlash(key))

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating archive directory: %w", err)
	}

	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return fmt.Errorf("writing archive object: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"key":   key,
		"bytes": len(data),
	}).Debug("Archived object")

	return nil
}
