// Package archive stores fetched media and its metadata for later review.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"path"
	"time"

	"ledgerbot/internal/domain"
)

// Item is one archived media file.
type Item struct {
	RequestID string             `json:"request_id"`
	MessageID string             `json:"message_id"`
	Address   string             `json:"address"`
	Kind      domain.MessageKind `json:"kind"`
	MIMEType  string             `json:"mime_type"`
	Size      int                `json:"size"`
	At        time.Time          `json:"at"`
	Data      []byte             `json:"-"`
}

// Sink persists archived media. Store is best effort from the caller's
// point of view: failures are logged, never shown to the user.
type Sink interface {
	Store(ctx context.Context, item Item) error
}

// keys returns the object keys for the metadata document and the media
// bytes, partitioned by day.
func keys(prefix string, item Item) (meta, media string) {
	day := item.At.UTC().Format("2006/01/02")
	base := path.Join(prefix, day, item.RequestID)
	return base + ".json", base + extension(item.MIMEType)
}

func extension(mimeType string) string {
	base, _, _ := mime.ParseMediaType(mimeType)
	switch base {
	case "audio/ogg":
		return ".ogg"
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "audio/mpeg":
		return ".mp3"
	case "audio/mp4":
		return ".m4a"
	}
	if exts, err := mime.ExtensionsByType(base); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

func metadata(item Item) ([]byte, error) {
	item.Size = len(item.Data)
	b, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize media metadata: %w", err)
	}
	return b, nil
}
