package store

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"golang.org/x/crypto/nacl/secretbox"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketEvents         = []byte("events")
	bucketEventsIndex    = []byte("events_index") // topic\x00ts(8)seq(8) -> seq(8)
	bucketTasks          = []byte("tasks")
	bucketExecutions     = []byte("executions")
	bucketExecutionsIdx  = []byte("executions_index") // task_id\x00seq(8) -> execution_id
)

// BoltStore implements Store on go.etcd.io/bbolt, matching every record at
// rest with nacl/secretbox under a key derived by pkg/keyvault
// (DeriveSymmetricKey("event_store")). Logical schema follows §3/§4.7/§4.9:
// one bucket per entity, plus a secondary index bucket for (topic,
// timestamp) range scans.
type BoltStore struct {
	db  *bolt.DB
	key [32]byte
}

// NewBoltStore opens (creating if absent) an encrypted bbolt database
// under dataDir.
func NewBoltStore(dataDir string, encryptionKey [32]byte) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "slmf-store.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketEvents, bucketEventsIndex, bucketTasks, bucketExecutions, bucketExecutionsIdx} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, key: encryptionKey}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) seal(plaintext []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("event store: nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &s.key)
	return sealed, nil
}

func (s *BoltStore) open(sealed []byte) ([]byte, error) {
	if len(sealed) < 24 {
		return nil, fmt.Errorf("event store: sealed record too short")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plaintext, ok := secretbox.Open(nil, sealed[24:], &nonce, &s.key)
	if !ok {
		return nil, fmt.Errorf("event store: decrypt failed")
	}
	return plaintext, nil
}

func be64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// AppendEvent implements Store.
func (s *BoltStore) AppendEvent(rec EventRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		events := tx.Bucket(bucketEvents)
		index := tx.Bucket(bucketEventsIndex)

		seq, err := events.NextSequence()
		if err != nil {
			return err
		}

		plaintext, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		sealed, err := s.seal(plaintext)
		if err != nil {
			return err
		}
		if err := events.Put(be64(seq), sealed); err != nil {
			return err
		}

		indexKey := append([]byte(rec.Topic), 0x00)
		indexKey = append(indexKey, be64(rec.TimestampUTCMillis)...)
		indexKey = append(indexKey, be64(seq)...)
		return index.Put(indexKey, be64(seq))
	})
}

// QueryByTopic implements Store.
func (s *BoltStore) QueryByTopic(topicPrefix string, sinceMillis, untilMillis uint64, limit int) ([]EventRecord, error) {
	var out []EventRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketEventsIndex)
		events := tx.Bucket(bucketEvents)
		prefix := []byte(topicPrefix)

		c := index.Cursor()
		for k, seqBytes := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, seqBytes = c.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			// key layout: topic \x00 ts(8) seq(8); ts starts right after
			// the separator at offset len(k)-16.
			ts := binary.BigEndian.Uint64(k[len(k)-16 : len(k)-8])
			if ts < sinceMillis {
				continue
			}
			if untilMillis != 0 && ts >= untilMillis {
				continue
			}
			sealed := events.Get(seqBytes)
			if sealed == nil {
				continue
			}
			plaintext, err := s.open(sealed)
			if err != nil {
				return err
			}
			var rec EventRecord
			if err := json.Unmarshal(plaintext, &rec); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// DeleteEventsBefore implements Store.
func (s *BoltStore) DeleteEventsBefore(topicPrefix string, beforeMillis uint64) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketEventsIndex)
		events := tx.Bucket(bucketEvents)
		prefix := []byte(topicPrefix)

		var staleIndexKeys [][]byte
		var staleEventKeys [][]byte

		c := index.Cursor()
		for k, seqBytes := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, seqBytes = c.Next() {
			ts := binary.BigEndian.Uint64(k[len(k)-16 : len(k)-8])
			if ts >= beforeMillis {
				continue
			}
			staleIndexKeys = append(staleIndexKeys, append([]byte{}, k...))
			staleEventKeys = append(staleEventKeys, append([]byte{}, seqBytes...))
		}

		for i, k := range staleIndexKeys {
			if err := index.Delete(k); err != nil {
				return err
			}
			if err := events.Delete(staleEventKeys[i]); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// PutTask implements Store (create-or-update, matching §4.9's lifecycle).
func (s *BoltStore) PutTask(task ScheduledTask) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sealed, err := s.sealJSON(task)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTasks).Put([]byte(task.TaskID), sealed)
	})
}

// GetTask implements Store.
func (s *BoltStore) GetTask(taskID string) (ScheduledTask, error) {
	var task ScheduledTask
	err := s.db.View(func(tx *bolt.Tx) error {
		sealed := tx.Bucket(bucketTasks).Get([]byte(taskID))
		if sealed == nil {
			return fmt.Errorf("task not found: %s", taskID)
		}
		return s.openJSON(sealed, &task)
	})
	return task, err
}

// ListTasks implements Store.
func (s *BoltStore) ListTasks() ([]ScheduledTask, error) {
	var out []ScheduledTask
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task ScheduledTask
			if err := s.openJSON(v, &task); err != nil {
				return err
			}
			out = append(out, task)
			return nil
		})
	})
	return out, err
}

// DeleteTask implements Store.
func (s *BoltStore) DeleteTask(taskID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).Delete([]byte(taskID))
	})
}

// AppendExecution implements Store.
func (s *BoltStore) AppendExecution(exec TaskExecution) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		executions := tx.Bucket(bucketExecutions)
		index := tx.Bucket(bucketExecutionsIdx)

		sealed, err := s.sealJSON(exec)
		if err != nil {
			return err
		}
		if err := executions.Put([]byte(exec.ExecutionID), sealed); err != nil {
			return err
		}

		seq, err := index.NextSequence()
		if err != nil {
			return err
		}
		indexKey := append([]byte(exec.TaskID), 0x00)
		indexKey = append(indexKey, be64(seq)...)
		return index.Put(indexKey, []byte(exec.ExecutionID))
	})
}

// ListExecutions implements Store, returning a task's executions in
// append order.
func (s *BoltStore) ListExecutions(taskID string) ([]TaskExecution, error) {
	var out []TaskExecution
	err := s.db.View(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketExecutionsIdx)
		executions := tx.Bucket(bucketExecutions)
		prefix := append([]byte(taskID), 0x00)

		c := index.Cursor()
		for k, execID := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, execID = c.Next() {
			sealed := executions.Get(execID)
			if sealed == nil {
				continue
			}
			var exec TaskExecution
			if err := s.openJSON(sealed, &exec); err != nil {
				return err
			}
			out = append(out, exec)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) sealJSON(v interface{}) ([]byte, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return s.seal(plaintext)
}

func (s *BoltStore) openJSON(sealed []byte, v interface{}) error {
	plaintext, err := s.open(sealed)
	if err != nil {
		return err
	}
	return json.Unmarshal(plaintext, v)
}
