package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/switchyard/pkg/log"
	"github.com/cuemby/switchyard/pkg/types"
)

// ErrNoArtifact is returned when no backup exists under the prefix
var ErrNoArtifact = errors.New("no backup artifact found")

// Locator finds backup artifacts under bucket/prefix
type Locator struct {
	store  ObjectStore
	bucket string
	prefix string
	now    func() time.Time
	logger zerolog.Logger
}

// NewLocator creates a backup locator
func NewLocator(store ObjectStore, bucket, prefix string) *Locator {
	return &Locator{
		store:  store,
		bucket: bucket,
		prefix: prefix,
		now:    time.Now,
		logger: log.WithComponent("backup"),
	}
}

// List returns every artifact, newest first, with its age at the time of the call
func (l *Locator) List(ctx context.Context) ([]types.BackupArtifact, error) {
	if l.bucket == "" {
		return nil, errors.New("backup bucket is not configured")
	}

	objects, err := l.store.List(ctx, l.bucket, l.prefix)
	if err != nil {
		return nil, err
	}

	now := l.now()
	artifacts := make([]types.BackupArtifact, 0, len(objects))
	for _, obj := range objects {
		// Folder placeholders created by some consoles
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}
		artifacts = append(artifacts, types.BackupArtifact{
			URI:      fmt.Sprintf("s3://%s/%s", l.bucket, obj.Key),
			Bucket:   l.bucket,
			Key:      obj.Key,
			Size:     obj.Size,
			Modified: obj.Modified,
			Checksum: obj.ETag,
			Age:      now.Sub(obj.Modified),
		})
	}

	sort.SliceStable(artifacts, func(i, j int) bool {
		return artifacts[i].Modified.After(artifacts[j].Modified)
	})
	return artifacts, nil
}

// Latest returns the most recently modified artifact. Its Age is the
// recovery point: how much data a restore from it would lose.
func (l *Locator) Latest(ctx context.Context) (*types.BackupArtifact, error) {
	artifacts, err := l.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(artifacts) == 0 {
		return nil, fmt.Errorf("%w under s3://%s/%s", ErrNoArtifact, l.bucket, l.prefix)
	}

	latest := artifacts[0]
	l.logger.Info().
		Str("uri", latest.URI).
		Int64("size", latest.Size).
		Dur("age", latest.Age).
		Msg("Found latest backup")
	return &latest, nil
}

// Download writes the artifact into dir and returns the file path. A size
// mismatch with the listing fails the download. The sha256 of the content
// is returned for the drill record.
func (l *Locator) Download(ctx context.Context, artifact types.BackupArtifact, dir string) (string, string, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", "", fmt.Errorf("failed to create download directory: %w", err)
	}
	dst := filepath.Join(dir, path.Base(artifact.Key))

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return "", "", fmt.Errorf("failed to create %s: %w", dst, err)
	}

	hash := sha256.New()
	n, err := l.store.Download(ctx, artifact.Bucket, artifact.Key, io.MultiWriter(f, hash))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && artifact.Size > 0 && n != artifact.Size {
		err = fmt.Errorf("downloaded %d bytes of %s, listing says %d", n, artifact.URI, artifact.Size)
	}
	if err != nil {
		os.Remove(dst)
		return "", "", err
	}

	sum := hex.EncodeToString(hash.Sum(nil))
	l.logger.Info().Str("uri", artifact.URI).Str("path", dst).Int64("bytes", n).Msg("Downloaded backup")
	return dst, sum, nil
}
