// Package s3store implements cache.Storage backed by AWS S3.
//
// Layout under Prefix:
//
//	buckets/<created-unix-nanos>-<hex(name)>   empty marker, lists in creation order
//	entries/<hex(name)>/<sha1(url)>            HTTP/1.1 response dump
//
// S3 offers no multi-object transactions, so buckets do not implement
// cache.BatchPutter and AddAll falls back to put-with-rollback.
package s3store

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/any-hub/swcache/internal/cache"
	"github.com/any-hub/swcache/internal/fetch"
)

const keyMetaKey = "swcache-key"

// Storage implements cache.Storage backed by AWS S3.
type Storage struct {
	Client   *s3.Client
	Uploader *manager.Uploader
	Bucket   string
	Prefix   string

	// mu serializes bucket creation and deletion within this process.
	mu sync.Mutex
}

// New returns a new Storage for the given S3 bucket and (optional) prefix.
func New(client *s3.Client, bucket string, prefix ...string) (*Storage, error) {
	if bucket == "" {
		return nil, errors.New("s3 bucket required")
	}
	if client == nil {
		cfg, err := config.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, fmt.Errorf("config.LoadDefaultConfig failed: %w", err)
		}
		client = s3.NewFromConfig(cfg)
	}
	return &Storage{
		Client:   client,
		Uploader: manager.NewUploader(client),
		Bucket:   bucket,
		Prefix:   path.Join(prefix...),
	}, nil
}

type marker struct {
	key  string
	name string
}

func (s *Storage) markerPrefix() string {
	return path.Join(s.Prefix, "buckets") + "/"
}

func (s *Storage) entryPrefix(name string) string {
	return path.Join(s.Prefix, "entries", hex.EncodeToString([]byte(name))) + "/"
}

// markers lists bucket markers; S3 returns keys in ascending order, which is
// creation order thanks to the zero-padded timestamp.
func (s *Storage) markers(ctx context.Context) ([]marker, error) {
	var out []marker
	paginator := s3.NewListObjectsV2Paginator(s.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.Bucket),
		Prefix: aws.String(s.markerPrefix()),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("(*s3.ListObjectsV2Paginator).NextPage failed: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			_, encoded, ok := strings.Cut(strings.TrimPrefix(key, s.markerPrefix()), "-")
			if !ok {
				continue
			}
			raw, err := hex.DecodeString(encoded)
			if err != nil {
				continue
			}
			out = append(out, marker{key: key, name: string(raw)})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out, nil
}

func (s *Storage) find(ctx context.Context, name string) (*marker, error) {
	all, err := s.markers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].name == name {
			return &all[i], nil
		}
	}
	return nil, nil
}

func (s *Storage) Open(ctx context.Context, name string) (cache.Bucket, error) {
	if err := cache.ValidateName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.find(ctx, name)
	if err != nil {
		return nil, err
	}
	if m == nil {
		created := fmt.Sprintf("%020d", time.Now().UnixNano())
		key := s.markerPrefix() + created + "-" + hex.EncodeToString([]byte(name))
		if _, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.Bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(nil),
		}); err != nil {
			return nil, fmt.Errorf("(*s3.Client).PutObject failed: %w", err)
		}
	}
	return &bucket{storage: s, name: name}, nil
}

func (s *Storage) Lookup(ctx context.Context, name string) (cache.Bucket, error) {
	m, err := s.find(ctx, name)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, cache.ErrBucketNotFound
	}
	return &bucket{storage: s, name: name}, nil
}

func (s *Storage) Has(ctx context.Context, name string) (bool, error) {
	m, err := s.find(ctx, name)
	return m != nil, err
}

func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.find(ctx, name)
	if err != nil || m == nil {
		return false, err
	}
	// marker first so concurrent readers stop seeing the bucket
	if _, err := s.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(m.key),
	}); err != nil {
		return false, fmt.Errorf("(*s3.Client).DeleteObject failed: %w", err)
	}
	if err := s.deletePrefix(ctx, s.entryPrefix(name)); err != nil {
		return true, err
	}
	return true, nil
}

func (s *Storage) deletePrefix(ctx context.Context, prefix string) error {
	paginator := s3.NewListObjectsV2Paginator(s.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.Bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("(*s3.ListObjectsV2Paginator).NextPage failed: %w", err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		ids := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		if _, err := s.Client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.Bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		}); err != nil {
			return fmt.Errorf("(*s3.Client).DeleteObjects failed: %w", err)
		}
	}
	return nil
}

func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	all, err := s.markers(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(all))
	for i, m := range all {
		names[i] = m.name
	}
	return names, nil
}

func (s *Storage) Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	return cache.MatchInOrder(ctx, s, req)
}

// Close is a no-op; the S3 client holds no resources that need releasing.
func (s *Storage) Close() error {
	return nil
}

type bucket struct {
	storage *Storage
	name    string
}

func (b *bucket) Name() string {
	return b.name
}

func (b *bucket) objectKey(key string) string {
	sum := sha1.Sum([]byte(key))
	return b.storage.entryPrefix(b.name) + hex.EncodeToString(sum[:])
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
	if err := b.exists(ctx); err != nil {
		return nil, err
	}
	key := fetch.Key(req)
	out, err := b.storage.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.storage.Bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, cache.ErrNotFound
		}
		return nil, fmt.Errorf("(*s3.Client).GetObject failed: %w", err)
	}
	defer out.Body.Close()
	if stored, _ := decodeKeyMeta(out.Metadata); stored != key {
		return nil, cache.ErrNotFound
	}
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, err
	}
	return fetch.Decode(key, data)
}

func (b *bucket) Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error {
	key, data, err := cache.EncodeEntry(req, resp)
	if err != nil {
		return err
	}
	if err := b.exists(ctx); err != nil {
		return err
	}
	if _, err := b.storage.Uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.storage.Bucket),
		Key:           aws.String(b.objectKey(key)),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String("application/http"),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata: map[string]string{
			keyMetaKey: base64.RawURLEncoding.EncodeToString([]byte(key)),
		},
	}); err != nil {
		return fmt.Errorf("(*manager.Uploader).Upload failed: %w", err)
	}
	return nil
}

func (b *bucket) Delete(ctx context.Context, req *fetch.Request) (bool, error) {
	if !cache.Cacheable(req) {
		return false, nil
	}
	if err := b.exists(ctx); err != nil {
		return false, err
	}
	objectKey := b.objectKey(fetch.Key(req))
	if _, err := b.storage.Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.storage.Bucket),
		Key:    aws.String(objectKey),
	}); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("(*s3.Client).HeadObject failed: %w", err)
	}
	if _, err := b.storage.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.storage.Bucket),
		Key:    aws.String(objectKey),
	}); err != nil {
		return false, fmt.Errorf("(*s3.Client).DeleteObject failed: %w", err)
	}
	return true, nil
}

func (b *bucket) Keys(ctx context.Context) ([]string, error) {
	if err := b.exists(ctx); err != nil {
		return nil, err
	}
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(b.storage.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.storage.Bucket),
		Prefix: aws.String(b.storage.entryPrefix(b.name)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("(*s3.ListObjectsV2Paginator).NextPage failed: %w", err)
		}
		for _, obj := range page.Contents {
			head, err := b.storage.Client.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: aws.String(b.storage.Bucket),
				Key:    obj.Key,
			})
			if err != nil {
				if isNotFound(err) {
					continue
				}
				return nil, fmt.Errorf("(*s3.Client).HeadObject failed: %w", err)
			}
			if key, ok := decodeKeyMeta(head.Metadata); ok {
				keys = append(keys, key)
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func decodeKeyMeta(meta map[string]string) (string, bool) {
	for k, v := range meta {
		if !strings.EqualFold(k, keyMetaKey) {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(v)
		if err != nil {
			return "", false
		}
		return string(raw), true
	}
	return "", false
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	return errors.As(err, &nf)
}
