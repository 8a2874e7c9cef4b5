package upload

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vincent-petithory/dataurl"

	"github.com/replicate/director/internal/loggingtest"
	"github.com/replicate/director/internal/schema"
)

type putCall struct {
	bucket      string
	key         string
	contentType string
	body        []byte
}

type fakePutter struct {
	mu    sync.Mutex
	calls []putCall
	err   error
}

func (f *fakePutter) PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, _ := io.ReadAll(input.Body)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, putCall{
		bucket:      *input.Bucket,
		key:         *input.Key,
		contentType: *input.ContentType,
		body:        body,
	})
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func newTestUploader(t *testing.T, params schema.UploadParams, putter *fakePutter) *Uploader {
	t.Helper()
	return &Uploader{
		params: params,
		client: putter,
		logger: loggingtest.NewTestLogger(t),
	}
}

func pngDataURL(payload []byte) string {
	return dataurl.New(payload, "image/png").String()
}

func TestRewriteListUploadsAndReturnsURLs(t *testing.T) {
	t.Parallel()

	payload := []byte("fake png bytes")
	putter := &fakePutter{}
	uploader := newTestUploader(t, schema.UploadParams{
		Bucket:    "outputs",
		URLPrefix: "https://cdn.example.com",
	}, putter)

	out := uploader.Rewrite([]any{pngDataURL(payload)})

	sum := md5.Sum(payload)
	wantKey := hex.EncodeToString(sum[:]) + ".png"

	require.Len(t, putter.calls, 1)
	assert.Equal(t, "outputs", putter.calls[0].bucket)
	assert.Equal(t, wantKey, putter.calls[0].key)
	assert.Equal(t, "image/png", putter.calls[0].contentType)
	// The stored object must hold the original decoded bytes.
	assert.Equal(t, payload, putter.calls[0].body)

	assert.Equal(t, []any{"https://cdn.example.com/" + wantKey}, out)
}

func TestRewritePathPrefix(t *testing.T) {
	t.Parallel()

	payload := []byte("data")
	putter := &fakePutter{}
	uploader := newTestUploader(t, schema.UploadParams{
		Bucket:     "outputs",
		URLPrefix:  "https://cdn.example.com/",
		PathPrefix: "models/v1",
	}, putter)

	uploader.Rewrite(pngDataURL(payload))

	sum := md5.Sum(payload)
	require.Len(t, putter.calls, 1)
	assert.Equal(t, "models/v1/"+hex.EncodeToString(sum[:])+".png", putter.calls[0].key)
}

func TestRewriteExplicitObjectKeyWins(t *testing.T) {
	t.Parallel()

	putter := &fakePutter{}
	uploader := newTestUploader(t, schema.UploadParams{
		Bucket:    "outputs",
		URLPrefix: "https://cdn.example.com",
		ObjectKey: "fixed/name.png",
	}, putter)

	out := uploader.Rewrite(pngDataURL([]byte("data")))

	require.Len(t, putter.calls, 1)
	assert.Equal(t, "fixed/name.png", putter.calls[0].key)
	assert.Equal(t, "https://cdn.example.com/fixed/name.png", out)
}

func TestRewriteMapShape(t *testing.T) {
	t.Parallel()

	putter := &fakePutter{}
	uploader := newTestUploader(t, schema.UploadParams{
		Bucket:    "outputs",
		URLPrefix: "https://cdn.example.com",
	}, putter)

	out := uploader.Rewrite(map[string]any{
		"frames": []any{pngDataURL([]byte("a")), pngDataURL([]byte("b"))},
	})

	assert.Len(t, putter.calls, 2)
	frames := out.(map[string]any)["frames"].([]any)
	require.Len(t, frames, 2)
	for _, f := range frames {
		assert.Contains(t, f, "https://cdn.example.com/")
	}
}

func TestRewriteFailureFallsBackToDataURL(t *testing.T) {
	t.Parallel()

	raw := pngDataURL([]byte("data"))
	putter := &fakePutter{err: errors.New("access denied")}
	uploader := newTestUploader(t, schema.UploadParams{
		Bucket:    "outputs",
		URLPrefix: "https://cdn.example.com",
	}, putter)

	out := uploader.Rewrite([]any{raw})

	assert.Equal(t, []any{raw}, out)
}

func TestRewritePassesThroughNonDataValues(t *testing.T) {
	t.Parallel()

	putter := &fakePutter{}
	uploader := newTestUploader(t, schema.UploadParams{Bucket: "outputs"}, putter)

	assert.Equal(t, "https://already.example.com/x.png", uploader.Rewrite("https://already.example.com/x.png"))
	assert.Equal(t, 42, uploader.Rewrite(42))
	assert.Empty(t, putter.calls)
}
