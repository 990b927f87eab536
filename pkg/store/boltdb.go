package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/tg-mesh/ctrl/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketImages          = []byte("images")
	bucketStatusSnapshot  = []byte("status_snapshot")
	bucketUpgradeRequests = []byte("upgrade_requests")
	bucketUpgradeBatch    = []byte("upgrade_batch")
	bucketHACache         = []byte("ha_cache")
)

const upgradeBatchKey = "current"

// haCacheEntry is what's actually stored under bucketHACache: the
// sequence number travels with the blob so a restart recovers both.
type haCacheEntry struct {
	SeqNum int64
	Data   []byte
}

// BoltStore implements Store using go.etcd.io/bbolt, grounded on the
// teacher's pkg/storage.BoltStore: one bucket per entity, JSON-marshaled
// values, Put is upsert.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a bbolt database under
// dataDir and ensures every bucket this package uses exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "meshctrl.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{
			bucketImages,
			bucketStatusSnapshot,
			bucketUpgradeRequests,
			bucketUpgradeBatch,
			bucketHACache,
		} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("store: create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

// --- Image catalog ---

func (s *BoltStore) PutImage(img *types.Image) error {
	return s.put(bucketImages, img.Version, img)
}

func (s *BoltStore) GetImage(version string) (*types.Image, error) {
	var img types.Image
	if err := s.get(bucketImages, version, &img); err != nil {
		return nil, err
	}
	return &img, nil
}

func (s *BoltStore) ListImages() ([]*types.Image, error) {
	var out []*types.Image
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketImages).ForEach(func(k, v []byte) error {
			var img types.Image
			if err := json.Unmarshal(v, &img); err != nil {
				return err
			}
			out = append(out, &img)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteImage(version string) error {
	return s.delete(bucketImages, version)
}

// --- Status snapshot ---

func (s *BoltStore) PutStatusSnapshot(mac string, report *types.StatusReport) error {
	return s.put(bucketStatusSnapshot, mac, report)
}

func (s *BoltStore) ListStatusSnapshot() ([]*types.StatusReport, error) {
	var out []*types.StatusReport
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStatusSnapshot).ForEach(func(k, v []byte) error {
			var r types.StatusReport
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, &r)
			return nil
		})
	})
	return out, err
}

// --- Upgrade journal ---

func (s *BoltStore) PutUpgradeRequest(req *types.UpgradeRequest) error {
	return s.put(bucketUpgradeRequests, req.ID, req)
}

func (s *BoltStore) DeleteUpgradeRequest(id string) error {
	return s.delete(bucketUpgradeRequests, id)
}

func (s *BoltStore) ListUpgradeRequests() ([]*types.UpgradeRequest, error) {
	var out []*types.UpgradeRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUpgradeRequests).ForEach(func(k, v []byte) error {
			var r types.UpgradeRequest
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, &r)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) PutUpgradeBatch(batch *types.UpgradeBatch) error {
	return s.put(bucketUpgradeBatch, upgradeBatchKey, batch)
}

func (s *BoltStore) GetUpgradeBatch() (*types.UpgradeBatch, error) {
	var b types.UpgradeBatch
	err := s.get(bucketUpgradeBatch, upgradeBatchKey, &b)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *BoltStore) ClearUpgradeBatch() error {
	return s.delete(bucketUpgradeBatch, upgradeBatchKey)
}

// --- HA app-data cache ---

func (s *BoltStore) PutHACacheEntry(app string, seqNum int64, data []byte) error {
	return s.put(bucketHACache, app, haCacheEntry{SeqNum: seqNum, Data: data})
}

func (s *BoltStore) GetHACacheEntry(app string) (int64, []byte, error) {
	var e haCacheEntry
	if err := s.get(bucketHACache, app, &e); err != nil {
		return 0, nil, err
	}
	return e.SeqNum, e.Data, nil
}

func (s *BoltStore) ListHACacheApps() ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHACache).ForEach(func(k, v []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}

// --- generic helpers ---

func (s *BoltStore) put(bucket []byte, key string, v interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("store: marshal: %w", err)
		}
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *BoltStore) get(bucket []byte, key string, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}
