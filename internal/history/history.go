// Package history keeps per-segment live-host counts from past scans in a
// BoltDB file. The scanner uses them to pick block tiers and targets.
package history

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

var segmentsBucket = []byte("segments")

// SegmentRecord is what is known about one /16 segment.
type SegmentRecord struct {
	Segment   int       `msgpack:"segment"`
	LastCount int       `msgpack:"last_count"`
	MaxCount  int       `msgpack:"max_count"`
	Scans     uint64    `msgpack:"scans"`
	FirstSeen time.Time `msgpack:"first_seen"`
	LastSeen  time.Time `msgpack:"last_seen"`
}

// Store wraps a bbolt database of segment records.
type Store struct {
	db  *bolt.DB
	mu  sync.RWMutex
	log zerolog.Logger
}

// Open opens or creates the history file at path.
func Open(path string, log zerolog.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening history %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(segmentsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating segments bucket: %w", err)
	}

	return &Store{db: db, log: log}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

func segmentKey(segment int) []byte {
	k := make([]byte, 2)
	binary.BigEndian.PutUint16(k, uint16(segment))
	return k
}

// Record stores the live-host count observed for segment in one scan.
func (s *Store) Record(segment, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(segmentsBucket)
		key := segmentKey(segment)
		now := time.Now().UTC()

		var rec SegmentRecord
		if existing := b.Get(key); existing != nil {
			if err := msgpack.Unmarshal(existing, &rec); err != nil {
				s.log.Warn().Err(err).Int("segment", segment).Msg("Failed to decode segment record, overwriting")
				rec = SegmentRecord{}
			}
		}
		if rec.Scans == 0 {
			rec.FirstSeen = now
		}
		rec.Segment = segment
		rec.LastCount = count
		if count > rec.MaxCount {
			rec.MaxCount = count
		}
		rec.Scans++
		rec.LastSeen = now

		data, err := msgpack.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("encoding segment record: %w", err)
		}
		return b.Put(key, data)
	})
}

// Lookup returns the record for segment, if any.
func (s *Store) Lookup(segment int) (SegmentRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		rec   SegmentRecord
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(segmentsBucket).Get(segmentKey(segment))
		if data == nil {
			return nil
		}
		if err := msgpack.Unmarshal(data, &rec); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		s.log.Warn().Err(err).Int("segment", segment).Msg("Skipping corrupt segment record")
		return SegmentRecord{}, false
	}
	return rec, found
}

// All returns every segment record ordered by segment.
func (s *Store) All() ([]SegmentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []SegmentRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(segmentsBucket).ForEach(func(k, v []byte) error {
			var rec SegmentRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				s.log.Warn().Err(err).Uint16("segment", binary.BigEndian.Uint16(k)).Msg("Skipping corrupt segment record")
				return nil
			}
			records = append(records, rec)
			return nil
		})
	})
	sort.Slice(records, func(i, j int) bool { return records[i].Segment < records[j].Segment })
	return records, err
}
