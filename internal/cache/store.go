package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/any-hub/swcache/internal/fetch"
)

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrBucketNotFound 表示句柄对应的 bucket 已被删除。
	ErrBucketNotFound = errors.New("cache bucket not found")
	// ErrMethodNotCacheable 表示仅 GET 请求可以写入缓存。
	ErrMethodNotCacheable = errors.New("only GET requests can be cached")
	// ErrInvalidName 表示 bucket 名称非法。
	ErrInvalidName = errors.New("invalid bucket name")
)

// Storage 管理全部命名 bucket，对应 open/match/keys/delete 能力。
// 实现需保证单次调用的原子性，调用方不做额外加锁。
type Storage interface {
	// Open 打开 bucket，不存在时创建。
	Open(ctx context.Context, name string) (Bucket, error)
	// Lookup 打开已存在的 bucket，不存在时返回 ErrBucketNotFound。
	Lookup(ctx context.Context, name string) (Bucket, error)
	// Has 判断 bucket 是否存在。
	Has(ctx context.Context, name string) (bool, error)
	// Delete 删除 bucket 及其全部条目，返回是否真的删除了。
	Delete(ctx context.Context, name string) (bool, error)
	// Keys 按创建顺序返回 bucket 名称。
	Keys(ctx context.Context) ([]string, error)
	// Match 按创建顺序在所有 bucket 中查找，未命中返回 ErrNotFound。
	Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error)
	// Close 释放底层连接或文件句柄。
	Close() error
}

// Bucket 是单个命名缓存。
type Bucket interface {
	Name() string
	// Match 返回一份新的、可读取一次的响应；未命中返回 ErrNotFound。
	Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error)
	// Put 写入条目并消费 resp 的 body；非 GET 请求返回 ErrMethodNotCacheable。
	Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error
	// Delete 删除单个条目，返回是否存在。
	Delete(ctx context.Context, req *fetch.Request) (bool, error)
	// Keys 返回已缓存的 URL，按字典序排列。
	Keys(ctx context.Context) ([]string, error)
}

// Entry 是一次批量写入中的请求/响应对。
type Entry struct {
	Request  *fetch.Request
	Response *fetch.Response
}

// BatchPutter 由支持事务的后端实现，PutAll 要么全部写入，要么全部不写。
type BatchPutter interface {
	PutAll(ctx context.Context, entries []Entry) error
}

// ValidateName 校验 bucket 名称。
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Cacheable 判断请求能否参与缓存匹配。
func Cacheable(req *fetch.Request) bool {
	return req != nil && req.URL != nil && req.Method == http.MethodGet
}

// EncodeEntry 校验请求方法并把响应编码为存储格式，返回缓存键与数据。
func EncodeEntry(req *fetch.Request, resp *fetch.Response) (string, []byte, error) {
	if !Cacheable(req) {
		return "", nil, ErrMethodNotCacheable
	}
	if resp == nil {
		return "", nil, errors.New("response required")
	}
	data, err := fetch.Encode(resp)
	if err != nil {
		return "", nil, err
	}
	return fetch.Key(req), data, nil
}

// MatchInOrder 基于 Keys + Lookup 实现跨 bucket 查找，供各后端复用。
func MatchInOrder(ctx context.Context, s Storage, req *fetch.Request) (*fetch.Response, error) {
	if !Cacheable(req) {
		return nil, ErrNotFound
	}
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		bucket, err := s.Lookup(ctx, name)
		if errors.Is(err, ErrBucketNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		resp, err := bucket.Match(ctx, req)
		switch {
		case err == nil:
			return resp, nil
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrBucketNotFound):
			// 继续下一个 bucket
		default:
			return nil, err
		}
	}
	return nil, ErrNotFound
}
