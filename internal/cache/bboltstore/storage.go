// Package bboltstore implements cache.Storage on a single go.etcd.io/bbolt file.
//
// Every cache bucket maps to a bbolt bucket prefixed with "c:". Creation order
// lives in a meta bucket as name -> big-endian sequence number.
package bboltstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"go.etcd.io/bbolt"

	"github.com/any-hub/swcache/internal/cache"
	"github.com/any-hub/swcache/internal/fetch"
)

var metaBucket = []byte("swcache:meta")

// Storage implements cache.Storage using go.etcd.io/bbolt.
type Storage struct {
	DB *bbolt.DB
}

// Open is a wrapper around bbolt.Open that returns an initialized Storage.
func Open(path string, mode os.FileMode, options *bbolt.Options) (*Storage, error) {
	db, err := bbolt.Open(path, mode, options)
	if err != nil {
		return nil, fmt.Errorf("bbolt.Open failed: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(metaBucket); err != nil {
			return fmt.Errorf("(*bbolt.Tx).CreateBucketIfNotExists failed: %w", err)
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("(*bbolt.DB).Update failed: %w", err)
	}
	return &Storage{DB: db}, nil
}

func dataBucket(name string) []byte {
	return append([]byte("c:"), name...)
}

func (s *Storage) Open(_ context.Context, name string) (cache.Bucket, error) {
	if err := cache.ValidateName(name); err != nil {
		return nil, err
	}
	if err := s.DB.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if meta.Get([]byte(name)) != nil {
			return nil
		}
		seq, err := meta.NextSequence()
		if err != nil {
			return fmt.Errorf("(*bbolt.Bucket).NextSequence failed: %w", err)
		}
		var order [8]byte
		binary.BigEndian.PutUint64(order[:], seq)
		if err := meta.Put([]byte(name), order[:]); err != nil {
			return fmt.Errorf("(*bbolt.Bucket).Put failed: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(dataBucket(name)); err != nil {
			return fmt.Errorf("(*bbolt.Tx).CreateBucketIfNotExists failed: %w", err)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("(*bbolt.DB).Update failed: %w", err)
	}
	return &bucket{db: s.DB, name: name}, nil
}

func (s *Storage) Lookup(ctx context.Context, name string) (cache.Bucket, error) {
	ok, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, cache.ErrBucketNotFound
	}
	return &bucket{db: s.DB, name: name}, nil
}

func (s *Storage) Has(_ context.Context, name string) (bool, error) {
	var ok bool
	if err := s.DB.View(func(tx *bbolt.Tx) error {
		ok = tx.Bucket(metaBucket).Get([]byte(name)) != nil
		return nil
	}); err != nil {
		return false, fmt.Errorf("(*bbolt.DB).View failed: %w", err)
	}
	return ok, nil
}

func (s *Storage) Delete(_ context.Context, name string) (bool, error) {
	var deleted bool
	if err := s.DB.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if meta.Get([]byte(name)) == nil {
			return nil
		}
		if err := meta.Delete([]byte(name)); err != nil {
			return fmt.Errorf("(*bbolt.Bucket).Delete failed: %w", err)
		}
		if err := tx.DeleteBucket(dataBucket(name)); err != nil {
			return fmt.Errorf("(*bbolt.Tx).DeleteBucket failed: %w", err)
		}
		deleted = true
		return nil
	}); err != nil {
		return false, fmt.Errorf("(*bbolt.DB).Update failed: %w", err)
	}
	return deleted, nil
}

func (s *Storage) Keys(_ context.Context) ([]string, error) {
	type named struct {
		name string
		seq  uint64
	}
	var all []named
	if err := s.DB.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(metaBucket).ForEach(func(k, v []byte) error {
			all = append(all, named{name: string(k), seq: binary.BigEndian.Uint64(v)})
			return nil
		})
	}); err != nil {
		return nil, fmt.Errorf("(*bbolt.DB).View failed: %w", err)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	names := make([]string, len(all))
	for i, n := range all {
		names[i] = n.name
	}
	return names, nil
}

func (s *Storage) Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	return cache.MatchInOrder(ctx, s, req)
}

func (s *Storage) Close() error {
	return s.DB.Close()
}

type bucket struct {
	db   *bbolt.DB
	name string
}

func (b *bucket) Name() string {
	return b.name
}

func (b *bucket) Match(_ context.Context, req *fetch.Request) (*fetch.Response, error) {
	if !cache.Cacheable(req) {
		return nil, cache.ErrNotFound
	}
	key := fetch.Key(req)
	var value []byte
	if err := b.db.View(func(tx *bbolt.Tx) error {
		bb := tx.Bucket(dataBucket(b.name))
		if bb == nil {
			return cache.ErrBucketNotFound
		}
		if unsafe := bb.Get([]byte(key)); unsafe != nil {
			value = bytes.Clone(unsafe)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if value == nil {
		return nil, cache.ErrNotFound
	}
	return fetch.Decode(key, value)
}

func (b *bucket) Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error {
	return b.PutAll(ctx, []cache.Entry{{Request: req, Response: resp}})
}

// PutAll writes all entries in a single bbolt transaction.
func (b *bucket) PutAll(_ context.Context, entries []cache.Entry) error {
	keys := make([]string, len(entries))
	values := make([][]byte, len(entries))
	for i, e := range entries {
		key, data, err := cache.EncodeEntry(e.Request, e.Response)
		if err != nil {
			return err
		}
		keys[i], values[i] = key, data
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bb := tx.Bucket(dataBucket(b.name))
		if bb == nil {
			return cache.ErrBucketNotFound
		}
		for i := range keys {
			if err := bb.Put([]byte(keys[i]), values[i]); err != nil {
				return fmt.Errorf("(*bbolt.Bucket).Put failed: %w", err)
			}
		}
		return nil
	})
}

func (b *bucket) Delete(_ context.Context, req *fetch.Request) (bool, error) {
	if !cache.Cacheable(req) {
		return false, nil
	}
	key := []byte(fetch.Key(req))
	var removed bool
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bb := tx.Bucket(dataBucket(b.name))
		if bb == nil {
			return cache.ErrBucketNotFound
		}
		if bb.Get(key) == nil {
			return nil
		}
		removed = true
		return bb.Delete(key)
	})
	return removed, err
}

func (b *bucket) Keys(_ context.Context) ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		bb := tx.Bucket(dataBucket(b.name))
		if bb == nil {
			return cache.ErrBucketNotFound
		}
		// bbolt iterates in byte order
		return bb.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}
