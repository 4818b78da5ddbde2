package cache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/any-hub/swcache/internal/fetch"
)

const indexFileName = "buckets.index"

// NewFSStorage 以 basePath 为根目录构建磁盘缓存，整个进程复用一份实例。
// 目录布局：<base>/<hex(bucket)>/<sha1(url)>，bucket 创建顺序记录在 buckets.index。
func NewFSStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	s := &fileStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}
	order, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	s.order = order
	return s, nil
}

// fileStorage 用 mu 串行化 bucket 的创建与删除，entryLock 避免同一条目并发写入。
type fileStorage struct {
	basePath string

	mu    sync.RWMutex
	order []string

	lockMu sync.Mutex
	locks  map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileBucket struct {
	storage *fileStorage
	name    string
	dir     string
}

func (s *fileStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucket(name)
	if slices.Contains(s.order, name) {
		return b, nil
	}
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bucket dir: %w", err)
	}
	next := append(slices.Clone(s.order), name)
	if err := s.writeIndex(next); err != nil {
		return nil, err
	}
	s.order = next
	return b, nil
}

func (s *fileStorage) Lookup(_ context.Context, name string) (Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !slices.Contains(s.order, name) {
		return nil, ErrBucketNotFound
	}
	return s.bucket(name), nil
}

func (s *fileStorage) Has(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.order, name), nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(s.order, name) {
		return false, nil
	}
	next := slices.DeleteFunc(slices.Clone(s.order), func(n string) bool { return n == name })
	if err := s.writeIndex(next); err != nil {
		return false, err
	}
	s.order = next
	if err := os.RemoveAll(s.bucket(name).dir); err != nil {
		return true, fmt.Errorf("remove bucket dir: %w", err)
	}
	return true, nil
}

func (s *fileStorage) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.order), nil
}

func (s *fileStorage) Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	return MatchInOrder(ctx, s, req)
}

func (s *fileStorage) Close() error {
	return nil
}

func (s *fileStorage) bucket(name string) *fileBucket {
	return &fileBucket{
		storage: s,
		name:    name,
		dir:     filepath.Join(s.basePath, hex.EncodeToString([]byte(name))),
	}
}

// readIndex 读取 bucket 顺序；名称以 hex 编码逐行保存。
func (s *fileStorage) readIndex() ([]string, error) {
	data, err := os.ReadFile(filepath.Join(s.basePath, indexFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read bucket index: %w", err)
	}
	var names []string
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		raw, err := hex.DecodeString(line)
		if err != nil {
			return nil, fmt.Errorf("corrupt bucket index: %w", err)
		}
		names = append(names, string(raw))
	}
	return names, nil
}

func (s *fileStorage) writeIndex(names []string) error {
	var buf bytes.Buffer
	for _, name := range names {
		buf.WriteString(hex.EncodeToString([]byte(name)))
		buf.WriteByte('\n')
	}
	return writeFileAtomic(context.Background(), filepath.Join(s.basePath, indexFileName), buf.Bytes())
}

func (b *fileBucket) Name() string {
	return b.name
}

func (b *fileBucket) Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	if !Cacheable(req) {
		return nil, ErrNotFound
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.storage.mu.RLock()
	defer b.storage.mu.RUnlock()
	if err := b.exists(); err != nil {
		return nil, err
	}

	key := fetch.Key(req)
	f, err := os.Open(b.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()

	stored, data, err := readEntry(f)
	if err != nil {
		return nil, err
	}
	if stored != key {
		// sha1 冲突时视为未命中
		return nil, ErrNotFound
	}
	return fetch.Decode(key, data)
}

func (b *fileBucket) Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error {
	return b.PutAll(ctx, []Entry{{Request: req, Response: resp}})
}

// PutAll 先把所有条目写入临时文件，全部成功后再逐个 rename。
// 中途 rename 失败时撤销已提交的条目，被覆盖的旧条目从备份恢复。
func (b *fileBucket) PutAll(ctx context.Context, entries []Entry) error {
	type pending struct {
		key    string
		temp   string
		backup string
	}

	staged := make([]pending, 0, len(entries))
	cleanup := func() {
		for _, p := range staged {
			os.Remove(p.temp)
		}
	}

	b.storage.mu.RLock()
	defer b.storage.mu.RUnlock()
	if err := b.exists(); err != nil {
		return err
	}

	for _, e := range entries {
		key, data, err := EncodeEntry(e.Request, e.Response)
		if err != nil {
			cleanup()
			return err
		}
		var buf bytes.Buffer
		buf.WriteString(key)
		buf.WriteByte('\n')
		buf.Write(data)

		temp, err := writeTemp(ctx, b.dir, buf.Bytes())
		if err != nil {
			cleanup()
			return err
		}
		staged = append(staged, pending{key: key, temp: temp})
	}

	for i := range staged {
		p := &staged[i]
		unlock := b.storage.lockEntry(b.name, p.key)
		err := b.commit(p.temp, p.key, &p.backup)
		unlock()
		if err != nil {
			for _, rest := range staged[i:] {
				os.Remove(rest.temp)
			}
			for j := i - 1; j >= 0; j-- {
				done := staged[j]
				unlock := b.storage.lockEntry(b.name, done.key)
				if rbErr := b.rollback(done.key, done.backup); rbErr != nil {
					err = errors.Join(err, rbErr)
				}
				unlock()
			}
			return err
		}
	}
	for _, p := range staged {
		if p.backup != "" {
			os.Remove(p.backup)
		}
	}
	return nil
}

// commit 把 temp 放到条目位置；已有的普通文件先移到 backup。
func (b *fileBucket) commit(temp, key string, backup *string) error {
	target := b.entryPath(key)
	if info, err := os.Lstat(target); err == nil && info.Mode().IsRegular() {
		bak := temp + ".prev"
		if err := os.Rename(target, bak); err != nil {
			return err
		}
		*backup = bak
	}
	if err := os.Rename(temp, target); err != nil {
		if *backup != "" {
			os.Rename(*backup, target)
			*backup = ""
		}
		return err
	}
	return nil
}

func (b *fileBucket) rollback(key, backup string) error {
	target := b.entryPath(key)
	if backup != "" {
		return os.Rename(backup, target)
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (b *fileBucket) Delete(_ context.Context, req *fetch.Request) (bool, error) {
	if !Cacheable(req) {
		return false, nil
	}
	b.storage.mu.RLock()
	defer b.storage.mu.RUnlock()
	if err := b.exists(); err != nil {
		return false, err
	}

	key := fetch.Key(req)
	unlock := b.storage.lockEntry(b.name, key)
	defer unlock()
	if err := os.Remove(b.entryPath(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *fileBucket) Keys(_ context.Context) ([]string, error) {
	b.storage.mu.RLock()
	defer b.storage.mu.RUnlock()
	if err := b.exists(); err != nil {
		return nil, err
	}

	dirEntries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() || strings.HasPrefix(de.Name(), ".cache-") {
			continue
		}
		key, err := readKey(filepath.Join(b.dir, de.Name()))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// exists 需在持有 storage.mu 读锁时调用。
func (b *fileBucket) exists() error {
	if !slices.Contains(b.storage.order, b.name) {
		return ErrBucketNotFound
	}
	return nil
}

func (b *fileBucket) entryPath(key string) string {
	sum := sha1.Sum([]byte(key))
	return filepath.Join(b.dir, hex.EncodeToString(sum[:]))
}

func (s *fileStorage) lockEntry(bucket, key string) func() {
	id := bucket + "::" + key
	s.lockMu.Lock()
	lock := s.locks[id]
	if lock == nil {
		lock = &entryLock{}
		s.locks[id] = lock
	}
	lock.refs++
	s.lockMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.lockMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, id)
		}
		s.lockMu.Unlock()
	}
}

func readEntry(r io.Reader) (string, []byte, error) {
	br := bufio.NewReader(r)
	line, err := br.ReadString('\n')
	if err != nil {
		return "", nil, fmt.Errorf("read entry key: %w", err)
	}
	data, err := io.ReadAll(br)
	if err != nil {
		return "", nil, fmt.Errorf("read entry body: %w", err)
	}
	return strings.TrimSuffix(line, "\n"), data, nil
}

func readKey(filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read entry key: %w", err)
	}
	return strings.TrimSuffix(line, "\n"), nil
}

func writeTemp(ctx context.Context, dir string, data []byte) (string, error) {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return "", err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, bytes.NewReader(data))
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return "", err
	}
	return tempName, nil
}

func writeFileAtomic(ctx context.Context, filePath string, data []byte) error {
	temp, err := writeTemp(ctx, filepath.Dir(filePath), data)
	if err != nil {
		return err
	}
	if err := os.Rename(temp, filePath); err != nil {
		os.Remove(temp)
		return err
	}
	return nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
