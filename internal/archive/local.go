package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// LocalSink writes archived media under a directory.
type LocalSink struct {
	dir string
}

var _ Sink = (*LocalSink)(nil)

func NewLocal(dir string) (*LocalSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("archive directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &LocalSink{dir: dir}, nil
}

func (s *LocalSink) Store(ctx context.Context, item Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	metaKey, mediaKey := keys("", item)
	meta, err := metadata(item)
	if err != nil {
		return err
	}

	metaPath := filepath.Join(s.dir, filepath.FromSlash(metaKey))
	if err := os.MkdirAll(filepath.Dir(metaPath), 0o700); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, filepath.FromSlash(mediaKey)), item.Data, 0o600); err != nil {
		return fmt.Errorf("failed to store media: %w", err)
	}
	if err := os.WriteFile(metaPath, meta, 0o600); err != nil {
		return fmt.Errorf("failed to store media metadata: %w", err)
	}
	return nil
}
