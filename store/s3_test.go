package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakeS3 struct {
	objects map[string][]byte
	putErr  error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*params.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[*params.Key]
	if !ok {
		return nil, errors.New("NoSuchKey: the specified key does not exist")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3StoreRoundTripWithPrefix(t *testing.T) {
	fake := newFakeS3()
	s := newS3StoreWithAPI(fake, "bucket", "ci/nbcheck")
	ctx := context.Background()

	if err := s.Put(ctx, "runs/d/r/report.json", []byte("{}")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, ok := fake.objects["ci/nbcheck/runs/d/r/report.json"]; !ok {
		t.Fatalf("object not stored under prefixed key: %v", keys(fake.objects))
	}

	got, err := s.Get(ctx, "runs/d/r/report.json")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "{}" {
		t.Errorf("Get = %q", got)
	}
}

func TestS3StoreGetMissingClassifiesNotFound(t *testing.T) {
	s := newS3StoreWithAPI(newFakeS3(), "bucket", "")
	_, err := s.Get(context.Background(), "missing.json")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestS3StorePutErrorWrapped(t *testing.T) {
	fake := newFakeS3()
	fake.putErr = errors.New("AccessDenied: not allowed")
	s := newS3StoreWithAPI(fake, "bucket", "")

	err := s.Put(context.Background(), "a.json", []byte("x"))
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
}

func TestS3ConfigValidate(t *testing.T) {
	cfg := S3Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing bucket")
	}
	cfg.Bucket = "b"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParseS3Path(t *testing.T) {
	tests := []struct {
		in             string
		bucket, prefix string
	}{
		{"bucket", "bucket", ""},
		{"bucket/prefix", "bucket", "prefix"},
		{"bucket/a/b/c", "bucket", "a/b/c"},
	}
	for _, tt := range tests {
		bucket, prefix := ParseS3Path(tt.in)
		if bucket != tt.bucket || prefix != tt.prefix {
			t.Errorf("ParseS3Path(%q) = (%q, %q), want (%q, %q)", tt.in, bucket, prefix, tt.bucket, tt.prefix)
		}
	}
}

func TestContentTypeFor(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"r/report.json", "application/json"},
		{"r/demo.ipynb", "application/json"},
		{"r/demo.nbt", "application/msgpack"},
		{"r/blob.bin", "application/octet-stream"},
	}
	for _, tt := range tests {
		if got := contentTypeFor(tt.key); got != tt.want {
			t.Errorf("contentTypeFor(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
