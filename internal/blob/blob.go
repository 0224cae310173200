// Package blob stores raw image bytes behind an opaque key.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned by Get when no object exists under the key.
var ErrNotFound = errors.New("blob not found")

// Store is the durable storage for raw image bytes. Keys are generated by
// NewKey and treated as opaque by callers.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// NewKey derives a blob key partitioned by project and upload date:
// {project_id}/year=Y/month=MM/day=DD/{image_id}.{ext}. The image ID is a
// ULID, so keys within a day sort by creation time.
func NewKey(projectID, imageID, filename string) string {
	ext := "jpg"
	if i := strings.LastIndex(filename, "."); i >= 0 && i < len(filename)-1 {
		ext = strings.ToLower(filename[i+1:])
	}
	now := time.Now().UTC()
	return fmt.Sprintf("%s/year=%d/month=%02d/day=%02d/%s.%s",
		projectID, now.Year(), now.Month(), now.Day(), imageID, ext)
}
