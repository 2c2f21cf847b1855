package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/fernhealth/scribed/internal/fault"
)

// BadgerConfig configures the durable store.
type BadgerConfig struct {
	// Path is the directory for the database files. Ignored when
	// InMemory is true.
	Path string

	// InMemory disables disk persistence. Useful for tests that need
	// the real engine.
	InMemory bool

	// SyncWrites forces fsync on every commit. Enqueue durability
	// depends on this in production.
	SyncWrites bool

	// GCInterval is how often value-log garbage collection runs.
	// Zero disables GC.
	GCInterval time.Duration
}

// DefaultBadgerConfig returns production defaults: synchronous writes
// and five-minute GC.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:       path,
		SyncWrites: true,
		GCInterval: 5 * time.Minute,
	}
}

// BadgerStore implements Store on BadgerDB. Records are stored under
// "collection/key" with an 8-byte big-endian version prefix; the CAS
// in Update relies on Badger's serializable transactions.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger

	mu     sync.Mutex
	stopGC chan struct{}
	closed bool
}

// OpenBadger opens (or creates) a BadgerDB-backed store.
func OpenBadger(cfg BadgerConfig, logger *zap.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for persistent mode")
	}

	opts := badger.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(&badgerZapLogger{logger: logger.Named("badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", cfg.Path, err)
	}

	s := &BadgerStore{
		db:     db,
		logger: logger,
		stopGC: make(chan struct{}),
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		go s.runGC(cfg.GCInterval)
	}
	return s, nil
}

func (s *BadgerStore) Get(_ context.Context, collection, key string) (Record, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(collection, key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			r, err := decodeRecord(key, val)
			if err != nil {
				return err
			}
			rec = r
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, fault.NotFound("%s/%s", collection, key)
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to read %s/%s: %w", collection, key, err)
	}
	return rec, nil
}

func (s *BadgerStore) Insert(ctx context.Context, collection, key string, value []byte) (uint64, error) {
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(recordKey(collection, key))
		if err == nil {
			return fault.Conflict("insert %s/%s: already exists", collection, key)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(recordKey(collection, key), encodeRecord(1, value))
	})
	if err != nil {
		if fault.IsConflict(err) {
			return 0, err
		}
		return 0, fmt.Errorf("failed to insert %s/%s: %w", collection, key, err)
	}
	return 1, nil
}

func (s *BadgerStore) Put(_ context.Context, collection, key string, value []byte) (uint64, error) {
	var next uint64
	err := s.db.Update(func(txn *badger.Txn) error {
		var current uint64
		item, err := txn.Get(recordKey(collection, key))
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				current = recordVersion(val)
				return nil
			}); err != nil {
				return err
			}
		case errors.Is(err, badger.ErrKeyNotFound):
			current = 0
		default:
			return err
		}
		next = current + 1
		return txn.Set(recordKey(collection, key), encodeRecord(next, value))
	})
	if err != nil {
		return 0, fmt.Errorf("failed to put %s/%s: %w", collection, key, err)
	}
	return next, nil
}

func (s *BadgerStore) Update(_ context.Context, collection, key string, expectedVersion uint64, value []byte) (uint64, error) {
	var next uint64
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(collection, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fault.NotFound("%s/%s", collection, key)
		}
		if err != nil {
			return err
		}
		var current uint64
		if err := item.Value(func(val []byte) error {
			current = recordVersion(val)
			return nil
		}); err != nil {
			return err
		}
		if current != expectedVersion {
			return fault.Conflict("update %s/%s: version %d, expected %d",
				collection, key, current, expectedVersion)
		}
		next = current + 1
		return txn.Set(recordKey(collection, key), encodeRecord(next, value))
	})
	if err != nil {
		if fault.IsConflict(err) || fault.IsNotFound(err) {
			return 0, err
		}
		return 0, fmt.Errorf("failed to update %s/%s: %w", collection, key, err)
	}
	return next, nil
}

func (s *BadgerStore) Delete(_ context.Context, collection, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(collection, key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, key, err)
	}
	return nil
}

func (s *BadgerStore) Scan(_ context.Context, collection string, fn func(Record) bool) error {
	prefix := []byte(collection + "/")
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := strings.TrimPrefix(string(item.Key()), string(prefix))
			var rec Record
			if err := item.Value(func(val []byte) error {
				r, err := decodeRecord(key, val)
				if err != nil {
					return err
				}
				rec = r
				return nil
			}); err != nil {
				return err
			}
			if !fn(rec) {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", collection, err)
	}
	return nil
}

// Close stops GC and closes the database.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stopGC)
	s.mu.Unlock()

	return s.db.Close()
}

// runGC triggers value-log garbage collection on an interval. Badger
// returns ErrNoRewrite when there is nothing to collect; that is not
// an error worth logging.
func (s *BadgerStore) runGC(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("value log gc failed", zap.Error(err))
			}
		}
	}
}

func recordKey(collection, key string) []byte {
	return []byte(collection + "/" + key)
}

func encodeRecord(version uint64, value []byte) []byte {
	buf := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(buf[:8], version)
	copy(buf[8:], value)
	return buf
}

func recordVersion(raw []byte) uint64 {
	if len(raw) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw[:8])
}

func decodeRecord(key string, raw []byte) (Record, error) {
	if len(raw) < 8 {
		return Record{}, fmt.Errorf("record %s is truncated (%d bytes)", key, len(raw))
	}
	return Record{
		Key:     key,
		Version: binary.BigEndian.Uint64(raw[:8]),
		Value:   append([]byte(nil), raw[8:]...),
	}, nil
}

// badgerZapLogger adapts zap to Badger's logger interface. Badger's
// info/debug chatter goes to debug level to keep service logs quiet.
type badgerZapLogger struct {
	logger *zap.Logger
}

func (l *badgerZapLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerZapLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerZapLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerZapLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
