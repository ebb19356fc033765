package routes

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/axolotl-bucket/axolotl-bucket/internal/pack"
	"github.com/axolotl-bucket/axolotl-bucket/internal/server"
)

// PackUploader 接收上传的 pack 并返回其摘要。
type PackUploader interface {
	Accept(ctx context.Context, body io.Reader, originalName string) (pack.Receipt, error)
}

// PackFetcher 返回可流式输出的缓存条目。
type PackFetcher interface {
	Pack(ctx context.Context, hash string) (*pack.Result, error)
	ModFolder(ctx context.Context) (*pack.Result, error)
}

// V1Options 汇总 /v1 路由需要的依赖。
type V1Options struct {
	APIKey   string
	Uploader PackUploader
	Fetcher  PackFetcher
}

// RegisterV1Routes 挂载 /v1 下的 ping、pack 与 modfolder 接口。
func RegisterV1Routes(app *fiber.App, opts V1Options) error {
	if app == nil {
		return errors.New("app is required")
	}
	if opts.Uploader == nil || opts.Fetcher == nil {
		return errors.New("uploader and fetcher are required")
	}
	if opts.APIKey == "" {
		return errors.New("api key is required")
	}

	auth := server.RequireAPIKey(opts.APIKey)
	v1 := app.Group("/v1")

	v1.Get("/ping", func(c fiber.Ctx) error {
		return c.SendString("pong")
	})
	v1.Put("/pack", auth, putPack(opts.Uploader))
	v1.Get("/pack", getPack(opts.Fetcher))
	v1.Get("/modfolder", auth, getModFolder(opts.Fetcher))
	return nil
}

func putPack(uploader PackUploader) fiber.Handler {
	return func(c fiber.Ctx) error {
		limit := int64(c.App().Config().BodyLimit)
		if n := c.Request().Header.ContentLength(); limit > 0 && int64(n) > limit {
			return rejectUpload(c, tooLarge(fmt.Errorf("content length %d exceeds %d", n, limit)))
		}

		body := requestBody(c, limit)
		part, err := firstFilePart(c, body)
		if err != nil {
			return rejectUpload(c, err)
		}
		defer part.Close()

		receipt, err := uploader.Accept(c.Context(), part, part.FileName())
		if err != nil {
			return rejectUpload(c, err)
		}
		// 文件 part 之后的字段与结束边界也要读完，连接才能继续复用。
		if _, err := io.Copy(io.Discard, body); err != nil {
			c.Set(fiber.HeaderConnection, "close")
		}

		c.Set("X-Axolotl-Duplicate", strconv.FormatBool(receipt.Duplicate))
		c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
		return c.SendString(receipt.Hash)
	}
}

func getPack(fetcher PackFetcher) fiber.Handler {
	return func(c fiber.Ctx) error {
		result, err := fetcher.Pack(c.Context(), c.Query("hash"))
		if err != nil {
			return server.RenderError(c, "pack_fetch", err)
		}
		return sendResult(c, result)
	}
}

func getModFolder(fetcher PackFetcher) fiber.Handler {
	return func(c fiber.Ctx) error {
		result, err := fetcher.ModFolder(c.Context())
		if err != nil {
			return server.RenderError(c, "modfolder_fetch", err)
		}
		return sendResult(c, result)
	}
}

// sendResult 流式返回缓存文件，Reader 由 Fiber 在写完后关闭。
func sendResult(c fiber.Ctx, result *pack.Result) error {
	server.MarkCacheHit(c, result.CacheHit)
	c.Set(fiber.HeaderContentType, "application/zip")
	if c.Method() == fiber.MethodHead {
		result.Reader.Close()
		c.Response().Header.SetContentLength(int(result.Entry.SizeBytes))
		return nil
	}
	return c.Status(fiber.StatusOK).SendStream(result.Reader, int(result.Entry.SizeBytes))
}

// firstFilePart 按请求中的顺序返回第一个带文件名的 part，其余字段被跳过。
// part 直接读取请求体流，文件内容不会整体进入内存。
func firstFilePart(c fiber.Ctx, body io.Reader) (*multipart.Part, error) {
	mediaType, params, err := mime.ParseMediaType(c.Get(fiber.HeaderContentType))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		return nil, &pack.Error{Kind: pack.KindClient, Code: pack.CodeMissingFile, Err: fmt.Errorf("expected multipart body, got %q", mediaType)}
	}

	reader := multipart.NewReader(body, params["boundary"])
	for {
		part, err := reader.NextPart()
		if errors.Is(err, pack.ErrUploadTooLarge) {
			return nil, tooLarge(err)
		}
		if errors.Is(err, io.EOF) {
			return nil, &pack.Error{Kind: pack.KindClient, Code: pack.CodeMissingFile, Err: errors.New("no file part in request")}
		}
		if err != nil {
			return nil, &pack.Error{Kind: pack.KindClient, Code: pack.CodeMissingFile, Err: fmt.Errorf("read multipart: %w", err)}
		}
		if part.FileName() != "" {
			return part, nil
		}
		part.Close()
	}
}

// requestBody 在启用流式请求体时返回底层流，否则退回已读入的 body。
func requestBody(c fiber.Ctx, limit int64) io.Reader {
	var body io.Reader
	if req := c.Request(); req.IsBodyStream() {
		body = req.BodyStream()
	} else {
		body = bytes.NewReader(c.Body())
	}
	if limit <= 0 {
		return body
	}
	return &limitedBody{r: body, remaining: limit}
}

// limitedBody 读到超过 limit 的字节时返回 pack.ErrUploadTooLarge。
type limitedBody struct {
	r         io.Reader
	remaining int64
}

func (l *limitedBody) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, pack.ErrUploadTooLarge
	}
	return n, err
}

// rejectUpload 返回错误并关闭连接，没读完的请求体不能留给同一连接上的下一个请求。
func rejectUpload(c fiber.Ctx, err error) error {
	c.Set(fiber.HeaderConnection, "close")
	return server.RenderError(c, "pack_upload", err)
}

func tooLarge(err error) error {
	return &pack.Error{Kind: pack.KindTooLarge, Code: pack.CodeUploadTooLarge, Err: err}
}
