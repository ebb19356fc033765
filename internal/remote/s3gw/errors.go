package s3gw

import (
	"errors"
	"net/http"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/axolotl-bucket/axolotl-bucket/internal/remote"
)

// notFoundCodes 列出表示对象或版本不存在的错误码。
var notFoundCodes = map[string]struct{}{
	s3.ErrCodeNoSuchKey:    {},
	s3.ErrCodeNoSuchUpload: {},
	"NoSuchVersion":        {},
	"NotFound":             {},
}

// translate 把 SDK 错误转换为 remote 包的错误类型，调用方不会看到 awserr。
func translate(op, name string, err error) error {
	if err == nil {
		return nil
	}

	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound && reqErr.Code() != s3.ErrCodeNoSuchBucket {
		return remote.ErrNotFound
	}

	var awsErr awserr.Error
	if errors.As(err, &awsErr) {
		if _, ok := notFoundCodes[awsErr.Code()]; ok {
			return remote.ErrNotFound
		}
	}

	return remote.NewBackendError(op, name, err)
}
