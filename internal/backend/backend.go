// Package backend builds the cache.Storage selected by configuration.
package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	"go.etcd.io/bbolt"

	"github.com/any-hub/swcache/internal/cache"
	"github.com/any-hub/swcache/internal/cache/bboltstore"
	"github.com/any-hub/swcache/internal/cache/redisstore"
	"github.com/any-hub/swcache/internal/cache/s3store"
	"github.com/any-hub/swcache/internal/cache/sqlitestore"
	"github.com/any-hub/swcache/internal/config"
)

// File names used inside Storage.Path by the single-file backends.
const (
	BoltFile   = "swcache.bolt"
	SQLiteFile = "swcache.db"
)

// Open returns the storage named by cfg.Backend. Remote backends are pinged
// before returning so a bad address fails at startup.
func Open(ctx context.Context, cfg config.StorageConfig) (cache.Storage, error) {
	switch cfg.Backend {
	case "", config.BackendMemory:
		return cache.NewMemoryStorage(), nil
	case config.BackendFS:
		return cache.NewFSStorage(cfg.Path)
	case config.BackendBolt:
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
		return bboltstore.Open(filepath.Join(cfg.Path, BoltFile), 0o600, &bbolt.Options{Timeout: time.Second})
	case config.BackendSQLite:
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
		s, err := sqlitestore.New(filepath.Join(cfg.Path, SQLiteFile))
		if err != nil {
			return nil, err
		}
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("ping sqlite: %w", err)
		}
		return s, nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
		}
		return redisstore.New(client, cfg.RedisPrefix), nil
	case config.BackendS3:
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s3store.New(client, cfg.S3Bucket, cfg.S3Prefix)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func newS3Client(ctx context.Context, cfg config.StorageConfig) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.HasStaticCredentials() {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3PathStyle
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
	}), nil
}
