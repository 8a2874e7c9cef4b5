// Package upload rewrites inlined data-URL outputs to object-storage URLs.
// Uploads are best-effort: any per-item failure leaves the original data URL
// in place so the webhook payload is never blocked on storage.
package upload

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/vincent-petithory/dataurl"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/replicate/director/internal/logging"
	"github.com/replicate/director/internal/schema"
)

const (
	maxAttempts          = 10
	uploadTimeout        = 60 * time.Second
	maxConcurrentUploads = 4
)

// objectPutter is the slice of the S3 client the uploader needs.
type objectPutter interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader stores decoded data-URL payloads in an S3-compatible bucket.
type Uploader struct {
	params schema.UploadParams
	client objectPutter
	logger *logging.Logger
}

func New(params schema.UploadParams, logger *logging.Logger) *Uploader {
	cfg := aws.Config{
		Region:      "auto",
		Credentials: credentials.NewStaticCredentialsProvider(params.AccessKey, params.SecretKey, ""),
		Retryer: func() aws.Retryer {
			return retry.NewStandard(func(o *retry.StandardOptions) {
				o.MaxAttempts = maxAttempts
			})
		},
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(params.URL)
		o.UsePathStyle = true
	})

	return &Uploader{
		params: params,
		client: client,
		logger: logger.Named("upload"),
	}
}

// Caller returns the rewrite function handed to the webhook emitter.
func (u *Uploader) Caller() func(output any) any {
	return u.Rewrite
}

// Rewrite walks the supported output shapes (a data-URL string, a list of
// them, or a string-keyed mapping whose values are rewritten the same way)
// replacing each data URL with its uploaded location. Unrecognized shapes pass
// through untouched.
func (u *Uploader) Rewrite(output any) any {
	switch v := output.(type) {
	case string:
		return u.uploadOne(v)
	case []string:
		return u.uploadAll(v)
	case []any:
		out := make([]any, len(v))
		var eg errgroup.Group
		eg.SetLimit(maxConcurrentUploads)
		for i, item := range v {
			if s, ok := item.(string); ok {
				eg.Go(func() error {
					out[i] = u.uploadOne(s)
					return nil
				})
			} else {
				out[i] = item
			}
		}
		_ = eg.Wait()
		return out
	case map[string][]string:
		out := make(map[string][]string, len(v))
		for k, list := range v {
			out[k] = u.uploadAll(list)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = u.Rewrite(item)
		}
		return out
	default:
		return output
	}
}

// uploadAll uploads a list concurrently, preserving order.
func (u *Uploader) uploadAll(items []string) []string {
	out := make([]string, len(items))
	var eg errgroup.Group
	eg.SetLimit(maxConcurrentUploads)
	for i, item := range items {
		eg.Go(func() error {
			out[i] = u.uploadOne(item)
			return nil
		})
	}
	_ = eg.Wait()
	return out
}

// uploadOne stores one data URL and returns its public location, or the
// original string when it is not a data URL or the upload fails.
func (u *Uploader) uploadOne(raw string) string {
	if !strings.HasPrefix(raw, "data:") {
		return raw
	}

	du, err := dataurl.DecodeString(raw)
	if err != nil {
		u.logger.Warn("failed to decode data url", zap.Error(err))
		return raw
	}

	key := u.objectKey(du)

	ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
	defer cancel()

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.params.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(du.Data),
		ContentType: aws.String(du.ContentType()),
	})
	if err != nil {
		u.logger.Error("failed to upload object",
			zap.String("bucket", u.params.Bucket),
			zap.String("key", key),
			zap.Error(err),
		)
		return raw
	}

	return strings.TrimSuffix(u.params.URLPrefix, "/") + "/" + key
}

// objectKey derives the storage key: an explicit object_key wins, otherwise
// the md5 of the payload with an extension from the MIME subtype, under the
// optional path prefix.
func (u *Uploader) objectKey(du *dataurl.DataURL) string {
	if u.params.ObjectKey != "" {
		return u.params.ObjectKey
	}

	sum := md5.Sum(du.Data)
	key := hex.EncodeToString(sum[:])
	if du.MediaType.Subtype != "" {
		key += "." + du.MediaType.Subtype
	}
	if u.params.PathPrefix != "" {
		key = strings.TrimSuffix(u.params.PathPrefix, "/") + "/" + key
	}
	return key
}
