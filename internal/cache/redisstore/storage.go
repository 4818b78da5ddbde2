// Package redisstore implements cache.Storage backed by Redis.
//
// Bucket names live in a sorted set scored by a monotonically increasing
// counter; each bucket's entries live in a hash keyed by request URL.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/any-hub/swcache/internal/cache"
	"github.com/any-hub/swcache/internal/fetch"
)

var openScript = redis.NewScript(`
if redis.call("ZSCORE", KEYS[1], ARGV[1]) then
  return 0
end
local seq = redis.call("INCR", KEYS[2])
redis.call("ZADD", KEYS[1], seq, ARGV[1])
return 1
`)

var deleteScript = redis.NewScript(`
local removed = redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("DEL", KEYS[2])
return removed
`)

// putScript stores field/value pairs only while the bucket is registered.
var putScript = redis.NewScript(`
if not redis.call("ZSCORE", KEYS[1], ARGV[1]) then
  return redis.error_reply("bucket not found")
end
for i = 2, #ARGV, 2 do
  redis.call("HSET", KEYS[2], ARGV[i], ARGV[i + 1])
end
return 1
`)

var deleteEntryScript = redis.NewScript(`
if not redis.call("ZSCORE", KEYS[1], ARGV[1]) then
  return redis.error_reply("bucket not found")
end
return redis.call("HDEL", KEYS[2], ARGV[2])
`)

// Storage implements cache.Storage backed by Redis.
type Storage struct {
	Client redis.UniversalClient
	Prefix string
}

// New returns a Storage using prefix as the key namespace.
func New(client redis.UniversalClient, prefix string) *Storage {
	if prefix == "" {
		prefix = "swcache"
	}
	return &Storage{Client: client, Prefix: prefix}
}

func (s *Storage) namesKey() string { return s.Prefix + ":buckets" }
func (s *Storage) seqKey() string   { return s.Prefix + ":seq" }
func (s *Storage) bucketKey(name string) string {
	return s.Prefix + ":bucket:" + name
}

func (s *Storage) Open(ctx context.Context, name string) (cache.Bucket, error) {
	if err := cache.ValidateName(name); err != nil {
		return nil, err
	}
	if err := openScript.Run(ctx, s.Client, []string{s.namesKey(), s.seqKey()}, name).Err(); err != nil {
		return nil, fmt.Errorf("open bucket script failed: %w", err)
	}
	return &bucket{storage: s, name: name}, nil
}

func (s *Storage) Lookup(ctx context.Context, name string) (cache.Bucket, error) {
	ok, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, cache.ErrBucketNotFound
	}
	return &bucket{storage: s, name: name}, nil
}

func (s *Storage) Has(ctx context.Context, name string) (bool, error) {
	err := s.Client.ZScore(ctx, s.namesKey(), name).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("(*redis.Client).ZScore failed: %w", err)
	}
	return true, nil
}

func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	removed, err := deleteScript.Run(ctx, s.Client, []string{s.namesKey(), s.bucketKey(name)}, name).Int()
	if err != nil {
		return false, fmt.Errorf("delete bucket script failed: %w", err)
	}
	return removed == 1, nil
}

func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	names, err := s.Client.ZRange(ctx, s.namesKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("(*redis.Client).ZRange failed: %w", err)
	}
	return names, nil
}

func (s *Storage) Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	return cache.MatchInOrder(ctx, s, req)
}

func (s *Storage) Close() error {
	return s.Client.Close()
}

type bucket struct {
	storage *Storage
	name    string
}

func (b *bucket) Name() string {
	return b.name
}

func (b *bucket) keys() []string {
	return []string{b.storage.namesKey(), b.storage.bucketKey(b.name)}
}

func (b *bucket) exists(ctx context.Context) error {
	ok, err := b.storage.Has(ctx, b.name)
	if err != nil {
		return err
	}
	if !ok {
		return cache.ErrBucketNotFound
	}
	return nil
}

func (b *bucket) Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	if !cache.Cacheable(req) {
		return nil, cache.ErrNotFound
	}
	key := fetch.Key(req)
	value, err := b.storage.Client.HGet(ctx, b.storage.bucketKey(b.name), key).Bytes()
	if errors.Is(err, redis.Nil) {
		if err := b.exists(ctx); err != nil {
			return nil, err
		}
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("(*redis.Client).HGet failed: %w", err)
	}
	return fetch.Decode(key, value)
}

func (b *bucket) Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error {
	return b.PutAll(ctx, []cache.Entry{{Request: req, Response: resp}})
}

// PutAll stores all entries with one script call, which Redis runs atomically.
func (b *bucket) PutAll(ctx context.Context, entries []cache.Entry) error {
	args := make([]any, 0, 1+2*len(entries))
	args = append(args, b.name)
	for _, e := range entries {
		key, data, err := cache.EncodeEntry(e.Request, e.Response)
		if err != nil {
			return err
		}
		args = append(args, key, data)
	}
	if err := putScript.Run(ctx, b.storage.Client, b.keys(), args...).Err(); err != nil {
		return mapScriptErr(err)
	}
	return nil
}

func (b *bucket) Delete(ctx context.Context, req *fetch.Request) (bool, error) {
	if !cache.Cacheable(req) {
		return false, nil
	}
	removed, err := deleteEntryScript.Run(ctx, b.storage.Client, b.keys(), b.name, fetch.Key(req)).Int()
	if err != nil {
		return false, mapScriptErr(err)
	}
	return removed == 1, nil
}

func (b *bucket) Keys(ctx context.Context) ([]string, error) {
	if err := b.exists(ctx); err != nil {
		return nil, err
	}
	keys, err := b.storage.Client.HKeys(ctx, b.storage.bucketKey(b.name)).Result()
	if err != nil {
		return nil, fmt.Errorf("(*redis.Client).HKeys failed: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func mapScriptErr(err error) error {
	var redisErr redis.Error
	if errors.As(err, &redisErr) && strings.Contains(redisErr.Error(), "bucket not found") {
		return cache.ErrBucketNotFound
	}
	return fmt.Errorf("redis script failed: %w", err)
}
