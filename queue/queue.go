package queue

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketItems = []byte("items")
	bucketMeta  = []byte("meta")
	metaKey     = []byte("meta")
)

// Meta is the small statistics record of spec.md §4.7/§6.2.
type Meta struct {
	CreatedAt      time.Time `json:"createdAt"`
	LastAccess     time.Time `json:"lastAccess"`
	TotalProcessed int64     `json:"totalProcessed"`
	SuccessCount   int64     `json:"successCount"`
	FailureCount   int64     `json:"failureCount"`
	SchemaVersion  int       `json:"schemaVersion"`
}

// Config configures a Queue's durability and eviction policy.
type Config struct {
	// Path to the bbolt database file.
	Path string
	// MaxItems, above which terminal records become eviction-eligible.
	MaxItems int
	// Retention is how long a terminal record must age before eviction.
	Retention time.Duration
	// DebounceInterval coalesces record writes (spec.md §4.7, "~1s").
	DebounceInterval time.Duration
	// Migrator, if non-nil, upgrades a record loaded at an older schema
	// version to SchemaVersion before it's returned to callers.
	Migrator func(*Record)
}

// Migrator upgrades old-version records in place.
type Migrator func(*Record)

// Queue is the durable, debounced, checksum-verified persistent store of
// spec.md §4.7 (C8).
type Queue struct {
	cfg Config
	log zerolog.Logger
	db  *bolt.DB

	mu      sync.Mutex
	cache   map[string]*Record
	pending map[string]*time.Timer // debounce timers per record id
}

// Open opens (creating if necessary) the bbolt-backed queue at cfg.Path
// and loads its cache, dropping any record that fails checksum
// verification or carries a newer-than-supported schema version.
func Open(cfg Config, log zerolog.Logger) (*Queue, error) {
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = time.Second
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}

	q := &Queue{
		cfg:     cfg,
		log:     log,
		db:      db,
		cache:   make(map[string]*Record),
		pending: make(map[string]*time.Timer),
	}

	if err := q.ensureBuckets(); err != nil {
		db.Close()
		return nil, err
	}
	if err := q.loadCache(); err != nil {
		db.Close()
		return nil, err
	}

	return q, nil
}

func (q *Queue) ensureBuckets() error {
	return q.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketItems); err != nil {
			return err
		}
		mb, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		if mb.Get(metaKey) == nil {
			m := Meta{CreatedAt: time.Now(), SchemaVersion: SchemaVersion}
			data, err := json.Marshal(m)
			if err != nil {
				return err
			}
			return mb.Put(metaKey, data)
		}
		return nil
	})
}

// loadCache reads every persisted record, verifying its checksum and
// dropping (with a log line, never a crash) anything corrupt or from a
// schema version this build doesn't understand (spec.md §4.7
// versioning/integrity rules).
func (q *Queue) loadCache() error {
	return q.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketItems)
		return b.ForEach(func(k, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				q.log.Warn().Str("id", string(k)).Err(err).Msg("queue: dropping unparseable record")
				return nil
			}
			if r.Version > SchemaVersion {
				q.log.Warn().Str("id", r.ID).Int("version", r.Version).Msg("queue: dropping record from a newer schema version")
				return nil
			}
			if !r.VerifyChecksum() {
				q.log.Warn().Str("id", r.ID).Msg("queue: dropping record with invalid checksum")
				return nil
			}
			if r.Version < SchemaVersion && q.cfg.Migrator != nil {
				q.cfg.Migrator(&r)
				r.Version = SchemaVersion
			}
			q.cache[r.ID] = &r
			return nil
		})
	})
}

// Enqueue creates and durably (synchronously) stores a fresh record,
// assigning it a strictly-increasing sequence number.
func (q *Queue) Enqueue(fingerprint, fileName string, fileSize int64, contentType string, chunkSize int64, source string) (*Record, error) {
	seq, err := q.nextSequence()
	if err != nil {
		return nil, err
	}
	r := NewRecord(uuid.NewString(), fingerprint, fileName, fileSize, contentType, chunkSize, seq, source)

	q.mu.Lock()
	q.cache[r.ID] = r
	q.mu.Unlock()

	if err := q.flush(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (q *Queue) nextSequence() (uint64, error) {
	var seq uint64
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketItems)
		n, err := b.NextSequence()
		if err != nil {
			return err
		}
		seq = n
		return nil
	})
	return seq, err
}

// Get returns the cached record for id, or nil if unknown.
func (q *Queue) Get(id string) *Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cache[id]
}

// List returns every cached record ordered (descending priority,
// ascending sequence) per spec.md §4.7's scheduling-order rule.
func (q *Queue) List() []*Record {
	q.mu.Lock()
	records := make([]*Record, 0, len(q.cache))
	for _, r := range q.cache {
		records = append(records, r)
	}
	q.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		pi, pj := records[i].Priority, records[j].Priority
		if pi != pj {
			return pi > pj
		}
		return records[i].Sequence < records[j].Sequence
	})
	return records
}

// Persist schedules a debounced write of r, coalescing rapid progress
// updates (spec.md §4.7: "Writes are debounced by a short timer (≈1s)").
func (q *Queue) Persist(r *Record) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t, ok := q.pending[r.ID]; ok {
		t.Stop()
	}
	q.pending[r.ID] = time.AfterFunc(q.cfg.DebounceInterval, func() {
		if err := q.flush(r); err != nil {
			q.log.Warn().Str("id", r.ID).Err(err).Msg("queue: debounced flush failed")
		}
	})
}

// Flush synchronously persists r, bypassing the debounce timer. Called
// on pause, cancel, completion, and engine shutdown (spec.md §4.7).
func (q *Queue) Flush(r *Record) error {
	q.mu.Lock()
	if t, ok := q.pending[r.ID]; ok {
		t.Stop()
		delete(q.pending, r.ID)
	}
	q.mu.Unlock()
	return q.flush(r)
}

func (q *Queue) flush(r *Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", r.ID, err)
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketItems).Put([]byte(r.ID), data)
	})
}

// Delete removes id from both the cache and durable storage.
func (q *Queue) Delete(id string) error {
	q.mu.Lock()
	delete(q.cache, id)
	if t, ok := q.pending[id]; ok {
		t.Stop()
		delete(q.pending, id)
	}
	q.mu.Unlock()

	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketItems).Delete([]byte(id))
	})
}

// Collect evicts terminal records older than cfg.Retention, oldest
// first, once the total item count exceeds cfg.MaxItems (spec.md §4.7
// eviction rule: "active records are never evicted").
func (q *Queue) Collect(now time.Time) (evicted int, err error) {
	if q.cfg.MaxItems <= 0 {
		return 0, nil
	}
	all := q.List()
	if len(all) <= q.cfg.MaxItems {
		return 0, nil
	}

	var candidates []*Record
	for _, r := range all {
		if r.GetStatus().Terminal() && now.Sub(r.CreatedAt) >= q.cfg.Retention {
			candidates = append(candidates, r)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })

	overflow := len(all) - q.cfg.MaxItems
	for i := 0; i < len(candidates) && evicted < overflow; i++ {
		if delErr := q.Delete(candidates[i].ID); delErr != nil {
			return evicted, delErr
		}
		evicted++
	}
	return evicted, nil
}

// UpdateMeta atomically applies fn to the persisted statistics record.
func (q *Queue) UpdateMeta(fn func(*Meta)) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		var m Meta
		if data := b.Get(metaKey); data != nil {
			if err := json.Unmarshal(data, &m); err != nil {
				return err
			}
		}
		fn(&m)
		m.LastAccess = time.Now()
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return b.Put(metaKey, data)
	})
}

// GetMeta returns the current persisted statistics record.
func (q *Queue) GetMeta() (Meta, error) {
	var m Meta
	err := q.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get(metaKey)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &m)
	})
	return m, err
}

// Close flushes all pending debounced writes and closes the database
// (spec.md §4.7/§4.8 "a synchronous flush is invoked on... shutdown").
func (q *Queue) Close() error {
	q.mu.Lock()
	records := make([]*Record, 0, len(q.pending))
	for id, t := range q.pending {
		t.Stop()
		if r, ok := q.cache[id]; ok {
			records = append(records, r)
		}
	}
	q.pending = make(map[string]*time.Timer)
	q.mu.Unlock()

	for _, r := range records {
		if err := q.flush(r); err != nil {
			q.log.Warn().Str("id", r.ID).Err(err).Msg("queue: flush on close failed")
		}
	}
	return q.db.Close()
}
