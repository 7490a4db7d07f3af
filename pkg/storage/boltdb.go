package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/switchyard/pkg/types"
)

var (
	// Bucket names
	bucketEnvironments = []byte("environments")
	bucketReleases     = []byte("releases")
	bucketDrills       = []byte("drills")
)

// BoltStore implements Store interface using BoltDB.
// The database file is opened for each transaction and closed again, so a
// long-running release never keeps another process from reading the registry.
type BoltStore struct {
	path    string
	timeout time.Duration
}

// NewBoltStore creates (if needed) the registry database at path
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &BoltStore{path: path, timeout: 5 * time.Second}
	err := s.update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketEnvironments, bucketReleases, bucketDrills} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Close is a no-op; every transaction closes the file it opened
func (s *BoltStore) Close() error {
	return nil
}

func (s *BoltStore) open(readOnly bool) (*bolt.DB, error) {
	db, err := bolt.Open(s.path, 0600, &bolt.Options{Timeout: s.timeout, ReadOnly: readOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

func (s *BoltStore) view(fn func(tx *bolt.Tx) error) error {
	db, err := s.open(true)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.View(fn)
}

func (s *BoltStore) update(fn func(tx *bolt.Tx) error) error {
	db, err := s.open(false)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Update(fn)
}

// Environment operations

func (s *BoltStore) GetEnvironment(env types.Environment) (*types.EnvironmentRecord, error) {
	var rec types.EnvironmentRecord
	err := s.view(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEnvironments).Get([]byte(env))
		if data == nil {
			return fmt.Errorf("environment %s: %w", env, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) PutEnvironment(rec *types.EnvironmentRecord) error {
	if !rec.Name.Valid() {
		return fmt.Errorf("invalid environment %q", rec.Name)
	}
	return s.put(bucketEnvironments, string(rec.Name), rec)
}

func (s *BoltStore) ListEnvironments() ([]*types.EnvironmentRecord, error) {
	var recs []*types.EnvironmentRecord
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEnvironments).ForEach(func(k, v []byte) error {
			var rec types.EnvironmentRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

// Release operations

func (s *BoltStore) CreateRelease(release *types.Release) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReleases)
		if b.Get([]byte(release.ID)) != nil {
			return fmt.Errorf("release %s already exists", release.ID)
		}
		data, err := json.Marshal(release)
		if err != nil {
			return err
		}
		return b.Put([]byte(release.ID), data)
	})
}

func (s *BoltStore) UpdateRelease(release *types.Release) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReleases)
		data := b.Get([]byte(release.ID))
		if data == nil {
			return fmt.Errorf("release %s: %w", release.ID, ErrNotFound)
		}
		var stored types.Release
		if err := json.Unmarshal(data, &stored); err != nil {
			return err
		}
		if stored.State.Terminal() {
			return fmt.Errorf("release %s is %s: %w", release.ID, stored.State, ErrReleaseFinished)
		}

		data, err := json.Marshal(release)
		if err != nil {
			return err
		}
		return b.Put([]byte(release.ID), data)
	})
}

func (s *BoltStore) GetRelease(id string) (*types.Release, error) {
	var release types.Release
	err := s.view(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketReleases).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("release %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &release)
	})
	if err != nil {
		return nil, err
	}
	return &release, nil
}

// ListReleases returns the most recent releases first; limit <= 0 returns all
func (s *BoltStore) ListReleases(limit int) ([]*types.Release, error) {
	var releases []*types.Release
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReleases).ForEach(func(k, v []byte) error {
			var release types.Release
			if err := json.Unmarshal(v, &release); err != nil {
				return err
			}
			releases = append(releases, &release)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(releases, func(i, j int) bool {
		return releases[i].StartedAt.After(releases[j].StartedAt)
	})
	if limit > 0 && len(releases) > limit {
		releases = releases[:limit]
	}
	return releases, nil
}

// Drill operations

func (s *BoltStore) SaveDrill(result *types.DrillResult) error {
	return s.put(bucketDrills, result.ID, result)
}

// ListDrills returns the most recent drills first; limit <= 0 returns all
func (s *BoltStore) ListDrills(limit int) ([]*types.DrillResult, error) {
	var drills []*types.DrillResult
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDrills).ForEach(func(k, v []byte) error {
			var result types.DrillResult
			if err := json.Unmarshal(v, &result); err != nil {
				return err
			}
			drills = append(drills, &result)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(drills, func(i, j int) bool {
		return drills[i].StartedAt.After(drills[j].StartedAt)
	})
	if limit > 0 && len(drills) > limit {
		drills = drills[:limit]
	}
	return drills, nil
}

// put upserts v as JSON under key
func (s *BoltStore) put(bucket []byte, key string, v any) error {
	if key == "" {
		return fmt.Errorf("empty key for bucket %s", bucket)
	}
	return s.update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}
