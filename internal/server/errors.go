package server

import (
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/axolotl-bucket/axolotl-bucket/internal/pack"
)

// CodeAPIKeyInvalid 是鉴权失败时返回的错误码。
const CodeAPIKeyInvalid = "api_key_invalid"

// StatusFor 将 pack 错误类别映射为 HTTP 状态码。
func StatusFor(err error) int {
	switch pack.KindOf(err) {
	case pack.KindClient:
		return fiber.StatusBadRequest
	case pack.KindNotFound:
		return fiber.StatusNotFound
	case pack.KindBackend:
		return fiber.StatusBadGateway
	case pack.KindTooLarge:
		return fiber.StatusRequestEntityTooLarge
	default:
		return fiber.StatusInternalServerError
	}
}

// RenderError 记录错误并以 {"error": code} 的形式返回。
func RenderError(c fiber.Ctx, action string, err error) error {
	status := StatusFor(err)
	code := pack.CodeOf(err)

	entry := loggerFrom(c).WithFields(logrus.Fields{
		"action":     action,
		"request_id": RequestID(c),
		"error":      code,
		"status":     status,
	}).WithError(err)
	if status >= fiber.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Info("request rejected")
	}

	return c.Status(status).JSON(fiber.Map{"error": code})
}
