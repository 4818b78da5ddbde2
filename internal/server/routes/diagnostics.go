// Package routes registers the /-/ diagnostics endpoints.
package routes

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/swcache/internal/cache"
	"github.com/any-hub/swcache/internal/host"
	"github.com/any-hub/swcache/internal/version"
)

// UpdateResult 描述一次配置重载后的部署结果。
type UpdateResult struct {
	Version string `json:"version"`
	Changed bool   `json:"changed"`
}

// Options 汇总诊断接口依赖。Update 与 Gatherer 为空时对应路由不注册。
type Options struct {
	Registration *host.Registration
	Caches       cache.Storage
	Update       func(ctx context.Context) (UpdateResult, error)
	Gatherer     prometheus.Gatherer
	Logger       *logrus.Logger
}

// RegisterDiagnostics 暴露 /-/ 下的健康检查、registration 与缓存查询接口。
func RegisterDiagnostics(app *fiber.App, opts Options) {
	if app == nil || opts.Registration == nil || opts.Caches == nil {
		return
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	reg := opts.Registration

	app.Get("/-/healthz", func(c fiber.Ctx) error {
		payload := fiber.Map{"status": "ok", "build": version.Full()}
		if active := reg.Active(); active != nil {
			payload["active_version"] = active.Version()
		}
		return c.JSON(payload)
	})

	app.Get("/-/registration", func(c fiber.Ctx) error {
		return c.JSON(reg.Snapshot())
	})

	if opts.Update != nil {
		app.Post("/-/registration/update", func(c fiber.Ctx) error {
			result, err := opts.Update(c.Context())
			if err != nil {
				logger.WithError(err).WithField("action", "registration_update").Warn("update failed")
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
					"error":  "update_failed",
					"detail": err.Error(),
				})
			}
			return c.JSON(result)
		})
	}

	app.Delete("/-/clients/:id", func(c fiber.Ctx) error {
		released, err := reg.ReleaseClient(c.Context(), c.Params("id"))
		if !released {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "client_not_found"})
		}
		if err != nil {
			// 客户端已释放，但等待中的 worker 激活失败
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":  "activate_failed",
				"detail": err.Error(),
			})
		}
		return c.JSON(fiber.Map{"released": true})
	})

	app.Get("/-/caches", func(c fiber.Ctx) error {
		ctx := c.Context()
		names, err := opts.Caches.Keys(ctx)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_list_failed"})
		}
		buckets := make([]bucketPayload, 0, len(names))
		for _, name := range names {
			urls, err := bucketKeys(ctx, opts.Caches, name)
			if errors.Is(err, cache.ErrBucketNotFound) {
				continue
			}
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_list_failed"})
			}
			buckets = append(buckets, bucketPayload{Name: name, Entries: len(urls)})
		}
		return c.JSON(fiber.Map{"buckets": buckets})
	})

	app.Get("/-/caches/:name", func(c fiber.Ctx) error {
		name := c.Params("name")
		urls, err := bucketKeys(c.Context(), opts.Caches, name)
		switch {
		case errors.Is(err, cache.ErrBucketNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "bucket_not_found"})
		case err != nil:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_read_failed"})
		}
		return c.JSON(bucketPayload{Name: name, Entries: len(urls), URLs: urls})
	})

	if opts.Gatherer != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
}

type bucketPayload struct {
	Name    string   `json:"name"`
	Entries int      `json:"entries"`
	URLs    []string `json:"urls,omitempty"`
}

func bucketKeys(ctx context.Context, caches cache.Storage, name string) ([]string, error) {
	b, err := caches.Lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	return b.Keys(ctx)
}
