// Package mirror replicates ledger events to remote sinks. Events wait in a
// durable on-device queue until every sink has accepted them.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/tjfontaine/coachllm/internal/core/domain"
	"github.com/tjfontaine/coachllm/internal/core/ports"
)

var (
	entryPrefix = []byte("mirror/entry/")
	indexPrefix = []byte("mirror/index/")
	sequenceKey = []byte("mirror/seq")
)

// Queue is a FIFO of audit events stored in BadgerDB.
type Queue struct {
	db  *badger.DB
	seq *badger.Sequence

	closeOnce sync.Once
}

var _ ports.MirrorQueue = (*Queue)(nil)

// QueueConfig configures the queue's storage.
type QueueConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	Logger   *slog.Logger
}

// OpenQueue opens or creates a queue.
func OpenQueue(cfg QueueConfig) (*Queue, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("queue path is required")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create queue directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(true)
	}

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open mirror queue: %w", err)
	}

	seq, err := db.GetSequence(sequenceKey, 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open mirror sequence: %w", err)
	}

	return &Queue{db: db, seq: seq}, nil
}

// Enqueue appends an event. Enqueuing an event twice keeps one copy.
func (q *Queue) Enqueue(ctx context.Context, e *domain.AuditEvent) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	n, err := q.seq.Next()
	if err != nil {
		return fmt.Errorf("next queue sequence: %w", err)
	}
	key := entryKey(n)

	return q.db.Update(func(txn *badger.Txn) error {
		idx := indexKey(e.AuditID)
		if _, err := txn.Get(idx); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(key, value); err != nil {
			return err
		}
		return txn.Set(idx, key)
	})
}

// Peek returns up to n of the oldest events without removing them.
func (q *Queue) Peek(ctx context.Context, n int) ([]*domain.AuditEvent, error) {
	var events []*domain.AuditEvent
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = entryPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(entryPrefix); it.ValidForPrefix(entryPrefix); it.Next() {
			if n > 0 && len(events) >= n {
				break
			}
			var e domain.AuditEvent
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			if err != nil {
				return fmt.Errorf("decode queued event: %w", err)
			}
			events = append(events, &e)
		}
		return nil
	})
	return events, err
}

// Ack removes events from the queue. Unknown events are ignored.
func (q *Queue) Ack(ctx context.Context, events []*domain.AuditEvent) error {
	return q.db.Update(func(txn *badger.Txn) error {
		for _, e := range events {
			idx := indexKey(e.AuditID)
			item, err := txn.Get(idx)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			key, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			if err := txn.Delete(idx); err != nil {
				return err
			}
		}
		return nil
	})
}

// Len returns the number of queued events.
func (q *Queue) Len(ctx context.Context) (int, error) {
	count := 0
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = entryPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(entryPrefix); it.ValidForPrefix(entryPrefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Close releases the sequence lease and closes the database.
func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		err = errors.Join(q.seq.Release(), q.db.Close())
	})
	return err
}

func entryKey(n uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", entryPrefix, n))
}

func indexKey(auditID string) []byte {
	return append(append([]byte{}, indexPrefix...), auditID...)
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
