package bootstrap

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"bitbucket.org/Davydov/sfsinfer/spectrum"
)

// BUCKET is the bucket name for replicates.
var BUCKET = []byte("replicates")

// envelope is the stored form of a replicate.
type envelope struct {
	Spectrum string  `json:"spectrum"`
	L        float64 `json:"L,omitempty"`
}

// Store keeps replicates in a bolt database under big-endian index
// keys.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (or creates) a replicate store.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0666, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func key(i int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(i))
	return k
}

// Save replaces the stored replicates.
func (s *Store) Save(reps []Replicate) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(BUCKET) != nil {
			if err := tx.DeleteBucket(BUCKET); err != nil {
				return err
			}
		}
		b, err := tx.CreateBucket(BUCKET)
		if err != nil {
			return err
		}
		for i, r := range reps {
			v, err := json.Marshal(envelope{Spectrum: r.Spectrum.String(), L: r.L})
			if err != nil {
				return err
			}
			if err := b.Put(key(i), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Append adds a replicate after the stored ones.
func (s *Store) Append(r Replicate) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(BUCKET)
		if err != nil {
			return err
		}
		v, err := json.Marshal(envelope{Spectrum: r.Spectrum.String(), L: r.L})
		if err != nil {
			return err
		}
		next := 0
		if k, _ := b.Cursor().Last(); k != nil {
			next = int(binary.BigEndian.Uint64(k)) + 1
		}
		return b.Put(key(next), v)
	})
}

// Len returns the number of stored replicates.
func (s *Store) Len() (n int, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(BUCKET); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return
}

// Load returns all the replicates in index order.
func (s *Store) Load() ([]Replicate, error) {
	var reps []Replicate
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(BUCKET)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var env envelope
			if err := json.Unmarshal(v, &env); err != nil {
				return fmt.Errorf("replicate %d: %w", binary.BigEndian.Uint64(k), err)
			}
			sp, err := spectrum.Read(strings.NewReader(env.Spectrum))
			if err != nil {
				return fmt.Errorf("replicate %d: %w", binary.BigEndian.Uint64(k), err)
			}
			reps = append(reps, Replicate{Spectrum: sp, L: env.L})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	log.Debugf("Loaded %d replicates", len(reps))
	return reps, nil
}
