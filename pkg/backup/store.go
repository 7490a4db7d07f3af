// Package backup locates backup artifacts in object storage.
//
// Backups are produced elsewhere (pg_dump on a schedule) and uploaded under
// a common prefix. This package only reads them: it finds the newest one,
// reports its age as the recovery point, and downloads it for a restore
// drill.
package backup

import (
	"context"
	"io"
	"time"
)

// Object is an entry of an object store listing
type Object struct {
	Key      string
	Size     int64
	Modified time.Time
	ETag     string
}

// ObjectStore is the object storage collaborator
type ObjectStore interface {
	// List returns every object under prefix
	List(ctx context.Context, bucket, prefix string) ([]Object, error)
	// Download streams an object into w
	Download(ctx context.Context, bucket, key string, w io.Writer) (int64, error)
}
