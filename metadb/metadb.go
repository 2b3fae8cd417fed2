// Package metadb implements the metadata store (spec.md S4.4, C4): a
// small embedded store mirroring per-path filesystem attributes, kept
// consistent with the remote listing.
//
// The distilled spec describes the store as a SQL engine with a WAL
// journal and a single `meta` table; no SQL-engine dependency appears
// anywhere in the retrieved corpus, so this is built on
// go.etcd.io/bbolt -- the pack's one embedded, single-file,
// transactional KV store -- which gives the same durability and
// single-writer-serialization properties the spec asks for (DESIGN.md
// records this substitution and the reasoning). The `data` JSON blob
// from spec.md's table definition becomes a bucket value; `directory`
// is a field of that value, while `pinned` and `source_path` also get
// their own secondary-index buckets so GetPinnedFiles/GetApiPath do not
// scan every row.
package metadb

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"

	"github.com/repertory-project/repertory/apierr"
	"github.com/repertory-project/repertory/provider"
)

var log = logrus.WithField("component", "metadb")

var (
	bucketMeta       = []byte("meta")
	bucketPinned     = []byte("pinned")
	bucketSourcePath = []byte("source_path_index")
)

// record is the on-disk JSON shape of one meta row.
type record struct {
	Directory  bool              `json:"directory"`
	Pinned     bool              `json:"pinned"`
	SourcePath string            `json:"source_path,omitempty"`
	Data       map[string]string `json:"data"`
}

// Store is the metadata store. It exclusively owns the bbolt database
// file and handle (spec.md S3 "Ownership and lifecycle").
type Store struct {
	mu sync.RWMutex
	db *bbolt.DB
}

// Open opens (creating if needed) the metadata store at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		log.WithError(err).WithField("path", path).Error("failed to open metadata store")
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketMeta, bucketPinned, bucketSourcePath} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func recordToMeta(r record) provider.Meta {
	m := make(provider.Meta, len(r.Data)+3)
	for k, v := range r.Data {
		m[k] = v
	}
	if r.Directory {
		m[provider.MetaDirectory] = "1"
	} else {
		m[provider.MetaDirectory] = "0"
	}
	if r.Pinned {
		m[provider.MetaPinned] = "1"
	} else {
		m[provider.MetaPinned] = "0"
	}
	if r.SourcePath != "" {
		m[provider.MetaSource] = r.SourcePath
	}
	return m
}

func getRecord(tx *bbolt.Tx, apiPath string) (record, bool, error) {
	raw := tx.Bucket(bucketMeta).Get([]byte(apiPath))
	if raw == nil {
		return record{}, false, nil
	}
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return record{}, false, err
	}
	return r, true, nil
}

func putRecord(tx *bbolt.Tx, apiPath string, r record) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketMeta).Put([]byte(apiPath), raw); err != nil {
		return err
	}
	if r.Pinned {
		if err := tx.Bucket(bucketPinned).Put([]byte(apiPath), []byte{1}); err != nil {
			return err
		}
	} else {
		if err := tx.Bucket(bucketPinned).Delete([]byte(apiPath)); err != nil {
			return err
		}
	}
	if r.SourcePath != "" {
		if err := tx.Bucket(bucketSourcePath).Put([]byte(r.SourcePath), []byte(apiPath)); err != nil {
			return err
		}
	}
	return nil
}

// GetItemMeta returns every meta key/value for apiPath.
func (s *Store) GetItemMeta(apiPath string) (provider.Meta, *apierr.APIError) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out provider.Meta
	err := s.db.View(func(tx *bbolt.Tx) error {
		r, ok, err := getRecord(tx, apiPath)
		if err != nil {
			return err
		}
		if !ok {
			return apierr.New(apierr.ItemNotFound)
		}
		out = recordToMeta(r)
		return nil
	})
	if err != nil {
		return nil, toAPIError(err)
	}
	return out, nil
}

// GetItemMetaKey returns a single meta value for apiPath.
func (s *Store) GetItemMetaKey(apiPath, key string) (string, *apierr.APIError) {
	m, err := s.GetItemMeta(apiPath)
	if err != nil {
		return "", err
	}
	return m[key], nil
}

// SetItemMeta upserts the given keys into apiPath's meta row,
// promoting reserved keys to their dedicated columns.
func (s *Store) SetItemMeta(apiPath string, meta provider.Meta) *apierr.APIError {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		r, _, err := getRecord(tx, apiPath)
		if err != nil {
			return err
		}
		if r.Data == nil {
			r.Data = map[string]string{}
		}
		oldSource := r.SourcePath
		for k, v := range meta {
			switch k {
			case provider.MetaDirectory:
				r.Directory = v == "1"
			case provider.MetaPinned:
				r.Pinned = v == "1"
			case provider.MetaSource:
				r.SourcePath = v
			default:
				r.Data[k] = v
			}
		}
		if oldSource != "" && oldSource != r.SourcePath {
			if err := tx.Bucket(bucketSourcePath).Delete([]byte(oldSource)); err != nil {
				return err
			}
		}
		return putRecord(tx, apiPath, r)
	})
	return toAPIError(err)
}

// RemoveItemMeta removes a single key from apiPath's meta row.
func (s *Store) RemoveItemMeta(apiPath, key string) *apierr.APIError {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		r, ok, err := getRecord(tx, apiPath)
		if err != nil {
			return err
		}
		if !ok {
			return apierr.New(apierr.ItemNotFound)
		}
		delete(r.Data, key)
		return putRecord(tx, apiPath, r)
	})
	return toAPIError(err)
}

// RemoveAPIPath deletes apiPath's entire meta row.
func (s *Store) RemoveAPIPath(apiPath string) *apierr.APIError {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		r, ok, err := getRecord(tx, apiPath)
		if err != nil {
			return err
		}
		if !ok {
			return nil // remove is idempotent, matching provider Rmdir/Remove semantics
		}
		if err := tx.Bucket(bucketMeta).Delete([]byte(apiPath)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketPinned).Delete([]byte(apiPath)); err != nil {
			return err
		}
		if r.SourcePath != "" {
			if err := tx.Bucket(bucketSourcePath).Delete([]byte(r.SourcePath)); err != nil {
				return err
			}
		}
		return nil
	})
	return toAPIError(err)
}

// RenameItemMeta moves a meta row from one api-path to another
// atomically: read then delete then insert, failing with
// ItemNotFound if the source is missing (spec.md S4.4).
func (s *Store) RenameItemMeta(from, to string) *apierr.APIError {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		r, ok, err := getRecord(tx, from)
		if err != nil {
			return err
		}
		if !ok {
			return apierr.New(apierr.ItemNotFound)
		}
		if err := tx.Bucket(bucketMeta).Delete([]byte(from)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketPinned).Delete([]byte(from)); err != nil {
			return err
		}
		if r.SourcePath != "" {
			if err := tx.Bucket(bucketSourcePath).Delete([]byte(r.SourcePath)); err != nil {
				return err
			}
		}
		return putRecord(tx, to, r)
	})
	return toAPIError(err)
}

// GetAPIPath looks up the api-path whose META_SOURCE equals sourcePath.
func (s *Store) GetAPIPath(sourcePath string) (string, *apierr.APIError) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out string
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketSourcePath).Get([]byte(sourcePath))
		if raw == nil {
			return apierr.New(apierr.ItemNotFound)
		}
		out = string(raw)
		return nil
	})
	if err != nil {
		return "", toAPIError(err)
	}
	return out, nil
}

// GetAPIPathList returns every api-path with a metadata row.
func (s *Store) GetAPIPathList() ([]string, *apierr.APIError) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, toAPIError(err)
	}
	return out, nil
}

// GetPinnedFiles returns every api-path with META_PINNED="1".
func (s *Store) GetPinnedFiles() ([]string, *apierr.APIError) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPinned).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, toAPIError(err)
	}
	return out, nil
}

// GetTotalItemCount returns the number of rows in the store.
func (s *Store) GetTotalItemCount() (int64, *apierr.APIError) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = int64(tx.Bucket(bucketMeta).Stats().KeyN)
		return nil
	})
	if err != nil {
		return 0, toAPIError(err)
	}
	return n, nil
}

// Exists reports whether apiPath has a metadata row.
func (s *Store) Exists(apiPath string) bool {
	_, err := s.GetItemMeta(apiPath)
	return err == nil
}

func toAPIError(err error) *apierr.APIError {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*apierr.APIError); ok {
		return ae
	}
	return apierr.Wrap(apierr.Error, err)
}
