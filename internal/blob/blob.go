// Package blob streams encoding bytes from an S3-compatible object store.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/klauspost/compress/gzip"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tbourn/go-doc-gateway/internal/domain"
)

// Config configures a Store.
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	PathStyle bool
	// Transport defaults to an otelhttp-instrumented http.DefaultTransport.
	Transport http.RoundTripper
}

// Store implements domain.BlobStore. Object keys are encoding ids.
type Store struct {
	cl     *minio.Client
	bucket string
}

var _ domain.BlobStore = (*Store)(nil)

// New returns a Store for cfg.Bucket.
func New(cfg Config) (*Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("blob: endpoint and bucket are required")
	}
	rt := cfg.Transport
	if rt == nil {
		rt = otelhttp.NewTransport(http.DefaultTransport)
	}
	opts := &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: rt,
	}
	if cfg.PathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}
	cl, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, err
	}
	return &Store{cl: cl, bucket: cfg.Bucket}, nil
}

// Get streams key. A range and decompression are mutually exclusive: ranges
// address the stored (compressed) bytes.
func (s *Store) Get(ctx context.Context, key string, opts domain.BlobGetOptions) (io.ReadCloser, error) {
	if opts.Range != nil && opts.Decompress {
		return nil, errors.New("blob: range reads of decompressed content are not supported")
	}
	var o minio.GetObjectOptions
	if r := opts.Range; r != nil {
		if err := o.SetRange(r.Start, r.End); err != nil {
			return nil, domain.WrapError(http.StatusRequestedRangeNotSatisfiable, err)
		}
	}
	// GetObject is lazy, so missing keys are found with a HEAD first. Stat on
	// the returned object would fetch from byte 0 and drop the range.
	if _, err := s.cl.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		return nil, mapError(key, err)
	}
	obj, err := s.cl.GetObject(ctx, s.bucket, key, o)
	if err != nil {
		return nil, mapError(key, err)
	}
	if !opts.Decompress {
		return obj, nil
	}
	return Decompress(obj)
}

func mapError(key string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%w: blob %s", domain.ErrNotFound, key)
	case "InvalidRange":
		return domain.NewError(http.StatusRequestedRangeNotSatisfiable, "invalid range for %s", key)
	}
	return err
}

// Decompress wraps a gzip stream. Closing the result closes rc.
func Decompress(rc io.ReadCloser) (io.ReadCloser, error) {
	zr, err := gzip.NewReader(rc)
	if err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("blob: gzip: %w", err)
	}
	return &gzipReadCloser{zr: zr, src: rc}, nil
}

type gzipReadCloser struct {
	zr  *gzip.Reader
	src io.ReadCloser
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.zr.Read(p) }

func (g *gzipReadCloser) Close() error {
	err := g.zr.Close()
	if cerr := g.src.Close(); err == nil {
		err = cerr
	}
	return err
}
