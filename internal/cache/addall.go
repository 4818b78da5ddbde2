package cache

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/any-hub/swcache/internal/fetch"
)

// ErrBadResponse 表示 AddAll 抓取到非 2xx 响应。
var ErrBadResponse = errors.New("cache: bad response status")

// AddAll 并发抓取 urls 并整体写入 bucket：任一抓取失败或响应非 OK 时什么都不写。
// 后端实现 BatchPutter 时一次提交，否则逐条写入并在失败时回滚已写入的条目。
func AddAll(ctx context.Context, bucket Bucket, fetcher fetch.Fetcher, urls []string) error {
	requests := make([]*fetch.Request, len(urls))
	seen := make(map[string]struct{}, len(urls))
	for i, raw := range urls {
		req, err := fetch.NewRequest("GET", raw, nil)
		if err != nil {
			return err
		}
		key := fetch.Key(req)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("cache: duplicate request %s", key)
		}
		seen[key] = struct{}{}
		requests[i] = req
	}

	entries := make([]Entry, len(requests))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range requests {
		g.Go(func() error {
			outgoing, err := req.Clone()
			if err != nil {
				return err
			}
			resp, err := fetcher.Fetch(gctx, outgoing)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", fetch.Key(req), err)
			}
			if !resp.OK() {
				return fmt.Errorf("%w: %s returned %d", ErrBadResponse, fetch.Key(req), resp.Status)
			}
			entries[i] = Entry{Request: req, Response: resp}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if batch, ok := bucket.(BatchPutter); ok {
		return batch.PutAll(ctx, entries)
	}

	for i, e := range entries {
		if err := bucket.Put(ctx, e.Request, e.Response); err != nil {
			var rollbackErr error
			for _, done := range entries[:i] {
				if _, derr := bucket.Delete(context.WithoutCancel(ctx), done.Request); derr != nil {
					rollbackErr = errors.Join(rollbackErr, derr)
				}
			}
			return errors.Join(err, rollbackErr)
		}
	}
	return nil
}
