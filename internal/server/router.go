package server

import (
	"crypto/subtle"
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/axolotl-bucket/axolotl-bucket/internal/logging"
)

// HeaderAPIKey carries the shared secret for protected routes.
const HeaderAPIKey = "X-API-Key"

// HeaderCacheHit reports whether a served file came from the local cache.
const HeaderCacheHit = "X-Axolotl-Cache-Hit"

// AppOptions controls how the Fiber application is built.
type AppOptions struct {
	Logger *logrus.Logger
	// BodyLimit caps request bodies. Bodies are streamed, so the upload route
	// enforces it while reading instead of Fiber buffering the whole request.
	BodyLimit int
}

const (
	contextKeyRequestID = "_axolotl_request_id"
	contextKeyCacheHit  = "_axolotl_cache_hit"
	contextKeyLogger    = "_axolotl_logger"
)

// NewApp builds a Fiber application with panic recovery, request IDs and an
// access log. Routes are registered by the routes package.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.BodyLimit < 0 {
		return nil, errors.New("body limit must not be negative")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive:                true,
		BodyLimit:                    opts.BodyLimit,
		StreamRequestBody:            true,
		DisablePreParseMultipartForm: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts.Logger))

	return app, nil
}

// requestContextMiddleware 生成请求 ID，并在请求结束后输出访问日志。
func requestContextMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		started := time.Now()
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Locals(contextKeyLogger, logger)
		c.Set("X-Request-ID", reqID)

		err := c.Next()

		fields := logging.RequestFields(reqID, c.Method(), c.Path(), c.Response().StatusCode(), cacheHit(c))
		fields["action"] = "http_request"
		fields["duration_ms"] = time.Since(started).Milliseconds()
		entry := logger.WithFields(fields)
		if err != nil {
			entry.WithError(err).Warn("request failed")
			return err
		}
		entry.Info("request handled")
		return nil
	}
}

// RequireAPIKey 拒绝 X-API-Key 与配置不一致的请求。
func RequireAPIKey(apiKey string) fiber.Handler {
	expected := []byte(apiKey)
	return func(c fiber.Ctx) error {
		given := []byte(c.Get(HeaderAPIKey))
		if len(expected) == 0 || subtle.ConstantTimeCompare(given, expected) != 1 {
			loggerFrom(c).WithFields(logrus.Fields{
				"action":     "auth",
				"request_id": RequestID(c),
				"path":       c.Path(),
			}).Warn("api key rejected")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": CodeAPIKeyInvalid})
		}
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// MarkCacheHit 设置缓存命中响应头，并记录给访问日志使用。
func MarkCacheHit(c fiber.Ctx, hit bool) {
	c.Locals(contextKeyCacheHit, hit)
	if hit {
		c.Set(HeaderCacheHit, "true")
		return
	}
	c.Set(HeaderCacheHit, "false")
}

func cacheHit(c fiber.Ctx) bool {
	hit, _ := c.Locals(contextKeyCacheHit).(bool)
	return hit
}

func loggerFrom(c fiber.Ctx) *logrus.Logger {
	if logger, ok := c.Locals(contextKeyLogger).(*logrus.Logger); ok && logger != nil {
		return logger
	}
	return logrus.StandardLogger()
}
