package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/devghori1264/aerophoenix/rackd/internal/models"
	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

var (
	ErrNotFound = errors.New("not found")
)

// maxConflictRetries bounds how often a read-modify-write transaction is
// replayed after badger reports a write conflict.
const maxConflictRetries = 64

// Store interface (kept minimal, allows swapping implementations).
//
// Update* callbacks run inside a single transaction: the entity is read, the
// callback mutates it, and the result is committed atomically. A callback
// error aborts the transaction and is returned unchanged.
type Store interface {
	NextRackID(ctx context.Context) (int64, error)
	NextServerID(ctx context.Context) (int64, error)

	SaveRack(ctx context.Context, r *models.Rack) error
	GetRack(ctx context.Context, id int64) (*models.Rack, error)
	UpdateRack(ctx context.Context, id int64, fn func(*models.Rack) error) (*models.Rack, error)
	DeleteRack(ctx context.Context, id int64) error
	ListRacks(ctx context.Context) ([]*models.Rack, error)

	SaveServer(ctx context.Context, s *models.Server) error
	GetServer(ctx context.Context, id int64) (*models.Server, error)
	UpdateServer(ctx context.Context, id int64, fn func(*models.Server) error) (*models.Server, error)
	ListServers(ctx context.Context) ([]*models.Server, error)

	Close() error
}

// Config controls how the badger database is opened.
type Config struct {
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     *zap.Logger
}

// BadgerStore implements Store with Badger DB.
type BadgerStore struct {
	db        *badger.DB
	rackSeq   *badger.Sequence
	serverSeq *badger.Sequence
}

var (
	rackPrefix   = []byte("rack:")
	serverPrefix = []byte("server:")
)

// NewBadgerStore opens a persistent store at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	return Open(Config{Path: path, SyncWrites: true})
}

// OpenInMemory opens a store that lives only as long as the process. Tests
// use it.
func OpenInMemory() (*BadgerStore, error) {
	return Open(Config{InMemory: true})
}

// Open opens a store with the given configuration.
func Open(cfg Config) (*BadgerStore, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("db path required")
		}
		path := filepath.Clean(cfg.Path)
		if err := os.MkdirAll(path, 0o750); err != nil {
			return nil, fmt.Errorf("create db dir %s: %w", path, err)
		}
		opts = badger.DefaultOptions(path).WithValueLogFileSize(1 << 20) // smaller value log for local dev
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&zapBadgerLogger{s: cfg.Logger.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	rackSeq, err := db.GetSequence([]byte("seq:rack"), 16)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("rack sequence: %w", err)
	}
	serverSeq, err := db.GetSequence([]byte("seq:server"), 16)
	if err != nil {
		_ = rackSeq.Release()
		db.Close()
		return nil, fmt.Errorf("server sequence: %w", err)
	}
	return &BadgerStore{db: db, rackSeq: rackSeq, serverSeq: serverSeq}, nil
}

func (s *BadgerStore) Close() error {
	var errs []error
	if err := s.rackSeq.Release(); err != nil {
		errs = append(errs, err)
	}
	if err := s.serverSeq.Release(); err != nil {
		errs = append(errs, err)
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RunGC triggers value log garbage collection every interval until ctx is
// done.
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) error {
	if s.db.Opts().InMemory || interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			// ErrNoRewrite only means nothing was worth collecting.
			if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				return fmt.Errorf("value log gc: %w", err)
			}
		}
	}
}

func (s *BadgerStore) NextRackID(ctx context.Context) (int64, error) {
	n, err := s.rackSeq.Next()
	if err != nil {
		return 0, err
	}
	return int64(n) + 1, nil
}

func (s *BadgerStore) NextServerID(ctx context.Context) (int64, error) {
	n, err := s.serverSeq.Next()
	if err != nil {
		return 0, err
	}
	return int64(n) + 1, nil
}

// key encodes ids big-endian so that badger's lexical order is id order.
func key(prefix []byte, id int64) []byte {
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], uint64(id))
	return k
}

func (s *BadgerStore) SaveRack(ctx context.Context, r *models.Rack) error {
	return s.put(key(rackPrefix, r.ID), r)
}

func (s *BadgerStore) GetRack(ctx context.Context, id int64) (*models.Rack, error) {
	var out models.Rack
	if err := s.get(key(rackPrefix, id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) UpdateRack(ctx context.Context, id int64, fn func(*models.Rack) error) (*models.Rack, error) {
	return update(ctx, s.db, key(rackPrefix, id), fn)
}

func (s *BadgerStore) DeleteRack(ctx context.Context, id int64) error {
	k := key(rackPrefix, id)
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(k); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete(k)
	})
}

func (s *BadgerStore) ListRacks(ctx context.Context) ([]*models.Rack, error) {
	return list[models.Rack](ctx, s.db, rackPrefix)
}

func (s *BadgerStore) SaveServer(ctx context.Context, m *models.Server) error {
	return s.put(key(serverPrefix, m.ID), m)
}

func (s *BadgerStore) GetServer(ctx context.Context, id int64) (*models.Server, error) {
	var out models.Server
	if err := s.get(key(serverPrefix, id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) UpdateServer(ctx context.Context, id int64, fn func(*models.Server) error) (*models.Server, error) {
	return update(ctx, s.db, key(serverPrefix, id), fn)
}

func (s *BadgerStore) ListServers(ctx context.Context) ([]*models.Server, error) {
	return list[models.Server](ctx, s.db, serverPrefix)
}

func (s *BadgerStore) put(k []byte, v any) error {
	return s.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return txn.Set(k, data)
	})
}

func (s *BadgerStore) get(k []byte, out any) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, out)
		})
	})
}

// update is a read-modify-write of one JSON record, replayed on conflict.
func update[T any](ctx context.Context, db *badger.DB, k []byte, fn func(*T) error) (*T, error) {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var out T
		err := db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(k)
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return ErrNotFound
				}
				return err
			}
			if err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &out)
			}); err != nil {
				return err
			}
			if err := fn(&out); err != nil {
				return err
			}
			data, err := json.Marshal(&out)
			if err != nil {
				return err
			}
			return txn.Set(k, data)
		})
		if errors.Is(err, badger.ErrConflict) && attempt < maxConflictRetries {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &out, nil
	}
}

// list returns every record under prefix, highest id first.
func list[T any](ctx context.Context, db *badger.DB, prefix []byte) ([]*T, error) {
	var out []*T
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			v := new(T)
			if err := it.Item().Value(func(b []byte) error {
				return json.Unmarshal(b, v)
			}); err != nil {
				return err
			}
			out = append(out, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// zapBadgerLogger adapts zap to badger.Logger.
type zapBadgerLogger struct {
	s *zap.SugaredLogger
}

func (l *zapBadgerLogger) Errorf(f string, args ...interface{})   { l.s.Errorf(f, args...) }
func (l *zapBadgerLogger) Warningf(f string, args ...interface{}) { l.s.Warnf(f, args...) }
func (l *zapBadgerLogger) Infof(f string, args ...interface{})    { l.s.Infof(f, args...) }
func (l *zapBadgerLogger) Debugf(f string, args ...interface{})   { l.s.Debugf(f, args...) }
