package config

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/go-playground/validator/v10"
)

// minPartSize 是 S3 分段上传允许的最小分段。
const minPartSize = 5 * 1024 * 1024

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate 先执行结构体标签校验，再针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fieldErrorFrom(verrs[0])
		}
		return err
	}

	g := c.Global
	if g.CachePeriod.DurationValue() <= 0 {
		return newFieldError("Global.CachePeriod", "必须大于 0")
	}
	if g.JanitorInterval.DurationValue() <= 0 {
		return newFieldError("Global.JanitorInterval", "必须大于 0")
	}

	r := c.Remote
	if r.Timeout.DurationValue() <= 0 {
		return newFieldError(remoteField("Timeout"), "必须大于 0")
	}
	if r.PartSize < minPartSize {
		return newFieldError(remoteField("PartSize"), "不能小于 5MiB")
	}
	if (r.KeyID == "") != (r.AppKey == "") {
		return newFieldError(remoteField("KeyID/AppKey"), "必须同时提供或同时留空")
	}
	if r.Driver == DriverS3 && r.Bucket == "" {
		return newFieldError(remoteField("Bucket"), "s3 驱动必须指定 Bucket")
	}
	if err := validateRemoteName(r.ModFolderName); err != nil {
		return fmt.Errorf("%s: %w", remoteField("ModFolderName"), err)
	}
	if r.PackPrefix != "" {
		if err := validateRemoteName(r.PackPrefix); err != nil {
			return fmt.Errorf("%s: %w", remoteField("PackPrefix"), err)
		}
	}

	return nil
}

func validateRemoteName(name string) error {
	if strings.HasPrefix(name, "/") {
		return errors.New("不能以 / 开头")
	}
	if strings.Contains(name, "\\") {
		return errors.New("不允许包含反斜杠")
	}
	for _, part := range strings.Split(path.Clean(name), "/") {
		if part == ".." {
			return errors.New("不允许包含 ..")
		}
	}
	return nil
}

// fieldErrorFrom 将 validator 的错误转换为 FieldError，字段路径去掉顶层 Config 前缀。
func fieldErrorFrom(fe validator.FieldError) error {
	field := strings.TrimPrefix(fe.StructNamespace(), "Config.")
	reason := "校验失败: " + fe.Tag()
	switch fe.Tag() {
	case "required":
		reason = "不能为空"
	case "min", "gte":
		reason = "不能小于 " + fe.Param()
	case "max":
		reason = "不能大于 " + fe.Param()
	case "gt":
		reason = "必须大于 " + fe.Param()
	case "oneof":
		reason = "仅支持 " + strings.ReplaceAll(fe.Param(), " ", "|")
	case "url":
		reason = "必须是合法 URL"
	}
	return newFieldError(field, reason)
}
