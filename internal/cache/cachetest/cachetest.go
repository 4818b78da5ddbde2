// Package cachetest holds the behaviour every cache.Storage backend must share.
package cachetest

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"testing"

	"github.com/any-hub/swcache/internal/cache"
	"github.com/any-hub/swcache/internal/fetch"
)

// Factory returns an empty storage. Cleanup is registered by the factory.
type Factory func(t *testing.T) cache.Storage

// Run executes the conformance suite against storages produced by newStorage.
func Run(t *testing.T, newStorage Factory) {
	t.Helper()
	t.Run("PutMatch", func(t *testing.T) { testPutMatch(t, newStorage(t)) })
	t.Run("OpenReuses", func(t *testing.T) { testOpenReuses(t, newStorage(t)) })
	t.Run("KeysCreationOrder", func(t *testing.T) { testKeysOrder(t, newStorage(t)) })
	t.Run("MatchAcrossBuckets", func(t *testing.T) { testMatchAcross(t, newStorage(t)) })
	t.Run("DeleteBucket", func(t *testing.T) { testDeleteBucket(t, newStorage(t)) })
	t.Run("DeleteEntry", func(t *testing.T) { testDeleteEntry(t, newStorage(t)) })
	t.Run("RejectsNonGET", func(t *testing.T) { testRejectsNonGET(t, newStorage(t)) })
	t.Run("BucketKeysSorted", func(t *testing.T) { testBucketKeys(t, newStorage(t)) })
	t.Run("ConcurrentPut", func(t *testing.T) { testConcurrentPut(t, newStorage(t)) })
}

// Get builds a GET request or fails the test.
func Get(t *testing.T, rawURL string) *fetch.Request {
	t.Helper()
	req, err := fetch.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		t.Fatalf("new request %s: %v", rawURL, err)
	}
	return req
}

// OK builds a 200 text/plain response.
func OK(body string) *fetch.Response {
	header := http.Header{}
	header.Set("Content-Type", "text/plain")
	return fetch.NewResponse(http.StatusOK, header, []byte(body))
}

// ReadBody reads resp's body or fails the test.
func ReadBody(t *testing.T, resp *fetch.Response) string {
	t.Helper()
	body, err := resp.ReadBody()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func open(t *testing.T, s cache.Storage, name string) cache.Bucket {
	t.Helper()
	b, err := s.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	return b
}

func put(t *testing.T, b cache.Bucket, rawURL, body string) {
	t.Helper()
	if err := b.Put(context.Background(), Get(t, rawURL), OK(body)); err != nil {
		t.Fatalf("put %s: %v", rawURL, err)
	}
}

func testPutMatch(t *testing.T, s cache.Storage) {
	ctx := context.Background()
	b := open(t, s, "v1")
	if b.Name() != "v1" {
		t.Fatalf("unexpected bucket name %s", b.Name())
	}
	put(t, b, "https://app.local/index.html#top", "hello")

	resp, err := b.Match(ctx, Get(t, "https://app.local/index.html"))
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.Status)
	}
	if resp.Header.Get("Content-Type") != "text/plain" {
		t.Fatalf("header lost: %v", resp.Header)
	}
	if got := ReadBody(t, resp); got != "hello" {
		t.Fatalf("unexpected body %q", got)
	}

	// every match yields a fresh body
	again, err := s.Match(ctx, Get(t, "https://app.local/index.html"))
	if err != nil {
		t.Fatalf("storage match: %v", err)
	}
	if got := ReadBody(t, again); got != "hello" {
		t.Fatalf("unexpected body on second match %q", got)
	}

	if _, err := b.Match(ctx, Get(t, "https://app.local/missing")); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Match(ctx, Get(t, "https://app.local/missing")); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("expected storage ErrNotFound, got %v", err)
	}
}

func testOpenReuses(t *testing.T, s cache.Storage) {
	ctx := context.Background()
	put(t, open(t, s, "v1"), "https://app.local/a", "a")

	b := open(t, s, "v1")
	resp, err := b.Match(ctx, Get(t, "https://app.local/a"))
	if err != nil {
		t.Fatalf("reopened bucket lost entry: %v", err)
	}
	ReadBody(t, resp)

	keys, err := s.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("open must not duplicate buckets: %v", keys)
	}
	if _, err := s.Open(ctx, ""); !errors.Is(err, cache.ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
}

func testKeysOrder(t *testing.T, s cache.Storage) {
	ctx := context.Background()
	for _, name := range []string{"v3", "v1", "v2"} {
		open(t, s, name)
	}
	keys, err := s.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if !slices.Equal(keys, []string{"v3", "v1", "v2"}) {
		t.Fatalf("unexpected order %v", keys)
	}
	ok, err := s.Has(ctx, "v1")
	if err != nil || !ok {
		t.Fatalf("expected v1 to exist: %v %v", ok, err)
	}
	ok, err = s.Has(ctx, "v9")
	if err != nil || ok {
		t.Fatalf("expected v9 to be absent: %v %v", ok, err)
	}
}

func testMatchAcross(t *testing.T, s cache.Storage) {
	ctx := context.Background()
	put(t, open(t, s, "old"), "https://app.local/", "old")
	put(t, open(t, s, "new"), "https://app.local/", "new")
	put(t, open(t, s, "new"), "https://app.local/only-new", "only")

	resp, err := s.Match(ctx, Get(t, "https://app.local/"))
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if got := ReadBody(t, resp); got != "old" {
		t.Fatalf("match must prefer the oldest bucket, got %q", got)
	}
	resp, err = s.Match(ctx, Get(t, "https://app.local/only-new"))
	if err != nil {
		t.Fatalf("match only-new: %v", err)
	}
	if got := ReadBody(t, resp); got != "only" {
		t.Fatalf("unexpected body %q", got)
	}
}

func testDeleteBucket(t *testing.T, s cache.Storage) {
	ctx := context.Background()
	b := open(t, s, "v1")
	put(t, b, "https://app.local/", "x")
	open(t, s, "v2")

	deleted, err := s.Delete(ctx, "v1")
	if err != nil || !deleted {
		t.Fatalf("delete v1: %v %v", deleted, err)
	}
	deleted, err = s.Delete(ctx, "v1")
	if err != nil || deleted {
		t.Fatalf("second delete should report false: %v %v", deleted, err)
	}
	keys, _ := s.Keys(ctx)
	if !slices.Equal(keys, []string{"v2"}) {
		t.Fatalf("unexpected keys after delete %v", keys)
	}
	if _, err := s.Match(ctx, Get(t, "https://app.local/")); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("entries must go with their bucket, got %v", err)
	}
	if _, err := s.Lookup(ctx, "v1"); !errors.Is(err, cache.ErrBucketNotFound) {
		t.Fatalf("lookup of deleted bucket: %v", err)
	}
	if err := b.Put(ctx, Get(t, "https://app.local/late"), OK("late")); !errors.Is(err, cache.ErrBucketNotFound) {
		t.Fatalf("put through stale handle should fail with ErrBucketNotFound, got %v", err)
	}

	// recreating starts empty
	fresh := open(t, s, "v1")
	if _, err := fresh.Match(ctx, Get(t, "https://app.local/")); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("recreated bucket should be empty, got %v", err)
	}
}

func testDeleteEntry(t *testing.T, s cache.Storage) {
	ctx := context.Background()
	b := open(t, s, "v1")
	put(t, b, "https://app.local/a", "a")

	removed, err := b.Delete(ctx, Get(t, "https://app.local/a"))
	if err != nil || !removed {
		t.Fatalf("delete entry: %v %v", removed, err)
	}
	removed, err = b.Delete(ctx, Get(t, "https://app.local/a"))
	if err != nil || removed {
		t.Fatalf("second delete should report false: %v %v", removed, err)
	}
	if _, err := b.Match(ctx, Get(t, "https://app.local/a")); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testRejectsNonGET(t *testing.T, s cache.Storage) {
	ctx := context.Background()
	b := open(t, s, "v1")
	req, err := fetch.NewRequest(http.MethodPost, "https://app.local/form", []byte("x=1"))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if err := b.Put(ctx, req, OK("nope")); !errors.Is(err, cache.ErrMethodNotCacheable) {
		t.Fatalf("expected ErrMethodNotCacheable, got %v", err)
	}
	keys, err := b.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("nothing should be stored, got %v", keys)
	}
}

func testBucketKeys(t *testing.T, s cache.Storage) {
	b := open(t, s, "v1")
	put(t, b, "https://app.local/z", "z")
	put(t, b, "https://app.local/a", "a")
	put(t, b, "https://app.local/a", "a2")

	keys, err := b.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if !slices.Equal(keys, []string{"https://app.local/a", "https://app.local/z"}) {
		t.Fatalf("unexpected keys %v", keys)
	}
	resp, err := b.Match(context.Background(), Get(t, "https://app.local/a"))
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if got := ReadBody(t, resp); got != "a2" {
		t.Fatalf("put must overwrite, got %q", got)
	}
}

func testConcurrentPut(t *testing.T, s cache.Storage) {
	b := open(t, s, "v1")
	urls := []string{
		"https://app.local/1", "https://app.local/2", "https://app.local/3",
		"https://app.local/4", "https://app.local/5", "https://app.local/6",
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(urls)*2)
	for _, u := range urls {
		for range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				req, err := fetch.NewRequest(http.MethodGet, u, nil)
				if err != nil {
					errs <- err
					return
				}
				errs <- b.Put(context.Background(), req, OK(u))
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent put: %v", err)
		}
	}
	keys, err := b.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != len(urls) {
		t.Fatalf("expected %d keys, got %v", len(urls), keys)
	}
}
