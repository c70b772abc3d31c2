package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketCertificates = []byte("certificates")
	bucketHistory      = []byte("history")
)

// DefaultHistoryLimit is the number of history entries kept on disk.
const DefaultHistoryLimit = 1000

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db           *bolt.DB
	historyLimit int
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketCertificates, bucketHistory} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db, historyLimit: DefaultHistoryLimit}, nil
}

// SetHistoryLimit changes how many history entries are kept.
func (s *BoltStore) SetHistoryLimit(n int) {
	s.historyLimit = n
}

func (s *BoltStore) SaveCertificate(cert *Certificate) error {
	if cert.Label == "" {
		return fmt.Errorf("certificate label is empty")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCertificates)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketCertificates)
		}
		data, err := json.Marshal(cert)
		if err != nil {
			return err
		}
		return b.Put([]byte(cert.Label), data)
	})
}

func (s *BoltStore) GetCertificate(label string) ([]byte, error) {
	var cert Certificate
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCertificates)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketCertificates)
		}
		data := b.Get([]byte(label))
		if data == nil {
			return fmt.Errorf("certificate %s: %w", label, ErrNotFound)
		}
		return json.Unmarshal(data, &cert)
	})
	if err != nil {
		return nil, err
	}
	return []byte(cert.PEM), nil
}

func (s *BoltStore) DeleteCertificate(label string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCertificates)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketCertificates)
		}
		if b.Get([]byte(label)) == nil {
			return fmt.Errorf("certificate %s: %w", label, ErrNotFound)
		}
		return b.Delete([]byte(label))
	})
}

func (s *BoltStore) ListCertificates() ([]*Certificate, error) {
	var certs []*Certificate
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCertificates)
		if b == nil {
			return nil // no bucket = no certificates
		}
		certs = make([]*Certificate, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var cert Certificate
			if err := json.Unmarshal(v, &cert); err != nil {
				return err
			}
			certs = append(certs, &cert)
			return nil
		})
	})
	return certs, err
}

func (s *BoltStore) AppendHistory(entry *HistoryEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketHistory)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		entry.Seq = seq
		if entry.Time.IsZero() {
			entry.Time = time.Now()
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), data); err != nil {
			return err
		}
		return s.pruneHistory(b)
	})
}

// pruneHistory drops the oldest entries beyond the history limit.
func (s *BoltStore) pruneHistory(b *bolt.Bucket) error {
	if s.historyLimit <= 0 {
		return nil
	}
	c := b.Cursor()
	n := 0
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	excess := n - s.historyLimit
	for k, _ := c.First(); k != nil && excess > 0; k, _ = c.First() {
		if err := c.Delete(); err != nil {
			return err
		}
		excess--
	}
	return nil
}

func (s *BoltStore) ListHistory(limit int) ([]*HistoryEntry, error) {
	var entries []*HistoryEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			var e HistoryEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, &e)
		}
		return nil
	})
	return entries, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
