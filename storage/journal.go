package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	bolt "go.etcd.io/bbolt"
)

// The journal is a write-ahead record of index mutations that have been
// applied in memory but not yet flushed to the JSON snapshots. The debounce
// window batches snapshot writes; without the journal a crash inside the
// window would silently lose up to two seconds of metadata. At startup the
// journal is replayed on top of the loaded snapshots, then cleared by the
// first successful flush.

const (
	journalFileName = "journal.db"

	// journalCompressThreshold is the minimum encoded entry size before zstd
	// is attempted; the frame overhead dominates below it.
	journalCompressThreshold = 2048

	encodingIdentity byte = 0
	encodingZstd     byte = 1
)

var (
	journalEntriesBucket    = []byte("entries")
	journalAliasesBucket    = []byte("aliases")
	journalTombstonesBucket = []byte("tombstones")

	errJournalClosed = errors.New("journal closed")
)

// Journal records pending index mutations in a bbolt database. Every method
// except Close is called with the engine mutex held, so the journal needs no
// locking of its own beyond bbolt's.
type Journal struct {
	db      *bolt.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// OpenJournal opens or creates the journal database at path.
func OpenJournal(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{journalEntriesBucket, journalAliasesBucket, journalTombstonesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating journal buckets: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Journal{db: db, encoder: enc, decoder: dec}, nil
}

// RecordPut journals an entry insert or in-place refresh.
func (j *Journal) RecordPut(key string, entry *Entry) error {
	if j == nil || j.db == nil {
		return errJournalClosed
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding journal entry: %w", err)
	}
	payload := j.encode(raw)

	return j.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(journalEntriesBucket).Put([]byte(key), payload); err != nil {
			return err
		}
		// A re-put supersedes any earlier tombstone for the key.
		return tx.Bucket(journalTombstonesBucket).Delete([]byte(key))
	})
}

// RecordAlias journals an alias binding.
func (j *Journal) RecordAlias(alias, key string) error {
	if j == nil || j.db == nil {
		return errJournalClosed
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(journalAliasesBucket).Put([]byte(alias), []byte(key))
	})
}

// RecordDelete journals an entry removal (eviction).
func (j *Journal) RecordDelete(key string) error {
	if j == nil || j.db == nil {
		return errJournalClosed
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(journalEntriesBucket).Delete([]byte(key)); err != nil {
			return err
		}
		return tx.Bucket(journalTombstonesBucket).Put([]byte(key), nil)
	})
}

// Replay applies journaled mutations on top of freshly loaded snapshots.
// Ordering across keys does not matter: per key the journal holds either the
// latest entry or a tombstone, never both.
func (j *Journal) Replay(index map[string]*Entry, aliases map[string]string) (replayed int, err error) {
	if j == nil || j.db == nil {
		return 0, errJournalClosed
	}
	err = j.db.View(func(tx *bolt.Tx) error {
		err := tx.Bucket(journalEntriesBucket).ForEach(func(k, v []byte) error {
			raw, err := j.decode(v)
			if err != nil {
				return fmt.Errorf("journal entry %q: %w", k, err)
			}
			var entry Entry
			if err := json.Unmarshal(raw, &entry); err != nil {
				return fmt.Errorf("journal entry %q: %w", k, err)
			}
			index[string(k)] = &entry
			replayed++
			return nil
		})
		if err != nil {
			return err
		}

		err = tx.Bucket(journalAliasesBucket).ForEach(func(k, v []byte) error {
			aliases[string(k)] = string(v)
			replayed++
			return nil
		})
		if err != nil {
			return err
		}

		return tx.Bucket(journalTombstonesBucket).ForEach(func(k, _ []byte) error {
			delete(index, string(k))
			replayed++
			return nil
		})
	})
	return replayed, err
}

// Reset clears the journal after a successful snapshot flush.
func (j *Journal) Reset() error {
	if j == nil || j.db == nil {
		return errJournalClosed
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{journalEntriesBucket, journalAliasesBucket, journalTombstonesBucket} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases the database and codec resources.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	j.encoder.Close()
	j.decoder.Close()
	err := j.db.Close()
	j.db = nil
	return err
}

// encode prefixes the payload with its encoding byte, compressing when the
// payload is large enough for zstd to pay off.
func (j *Journal) encode(raw []byte) []byte {
	if len(raw) >= journalCompressThreshold {
		compressed := j.encoder.EncodeAll(raw, make([]byte, 1, len(raw)/2+1))
		if len(compressed)-1 < len(raw) {
			compressed[0] = encodingZstd
			return compressed
		}
	}
	out := make([]byte, 1+len(raw))
	out[0] = encodingIdentity
	copy(out[1:], raw)
	return out
}

func (j *Journal) decode(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errors.New("empty journal payload")
	}
	switch payload[0] {
	case encodingIdentity:
		return payload[1:], nil
	case encodingZstd:
		return j.decoder.DecodeAll(payload[1:], nil)
	default:
		return nil, fmt.Errorf("unknown journal encoding %d", payload[0])
	}
}
