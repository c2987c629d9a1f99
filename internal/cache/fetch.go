package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/cochaviz/kiln/internal/config"
	"github.com/cochaviz/kiln/internal/faults"
)

// Schemes routes sources to fetchers by URL scheme. A bare path is "file".
type Schemes map[string]Fetcher

var _ Fetcher = Schemes(nil)

// NewFetcher returns the default scheme table. The s3 fetcher is only
// registered when an endpoint or region is configured.
func NewFetcher(ctx context.Context, cfg config.Config) (Schemes, error) {
	httpFetcher := &HTTPFetcher{ConnectTimeout: cfg.Cache.ConnectTimeout}
	schemes := Schemes{
		"http":        httpFetcher,
		"https":       httpFetcher,
		"file":        FileFetcher{},
		isoMemberType: ISOExtractor{},
	}
	if cfg.S3.Endpoint != "" || cfg.S3.Region != "" {
		s3f, err := NewS3Fetcher(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		schemes["s3"] = s3f
	}
	return schemes, nil
}

func (s Schemes) Fetch(ctx context.Context, source, dst string) error {
	scheme := "file"
	if u, err := url.Parse(source); err == nil && u.Scheme != "" {
		scheme = strings.ToLower(u.Scheme)
	}
	f, ok := s[scheme]
	if !ok {
		return faults.Validationf("unsupported source scheme %q in %s", scheme, source)
	}
	return f.Fetch(ctx, source, dst)
}

// HTTPFetcher downloads http(s) sources, following redirects.
type HTTPFetcher struct {
	Client         *http.Client
	ConnectTimeout time.Duration
}

func (h *HTTPFetcher) client() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	timeout := h.ConnectTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: timeout}).DialContext
	transport.ResponseHeaderTimeout = timeout
	return &http.Client{Transport: transport}
}

func (h *HTTPFetcher) Fetch(ctx context.Context, source, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return faults.Validationf("invalid source url %s: %v", source, err)
	}
	resp, err := h.client().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return faults.Transientf(err, "download %s", source)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return faults.Validationf("download %s: not found", source)
	case resp.StatusCode != http.StatusOK:
		return faults.Transientf(nil, "download %s: unexpected status %s", source, resp.Status)
	}
	return writeStream(dst, resp.Body)
}

// FileFetcher copies file:// sources and bare paths.
type FileFetcher struct{}

func (FileFetcher) Fetch(ctx context.Context, source, dst string) error {
	path := source
	if u, err := url.Parse(source); err == nil && u.Scheme == "file" {
		path = u.Path
	}
	src, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return faults.Validationf("source file %s does not exist", path)
		}
		return fmt.Errorf("open source file: %w", err)
	}
	defer src.Close()
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeStream(dst, src)
}

type objectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Fetcher downloads s3://bucket/key sources.
type S3Fetcher struct {
	client objectGetter
}

// NewS3Fetcher builds a client for cfg. Static credentials are used when
// given, otherwise the default AWS chain applies.
func NewS3Fetcher(ctx context.Context, cfg config.S3Config) (*S3Fetcher, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return &S3Fetcher{client: client}, nil
}

func (f *S3Fetcher) Fetch(ctx context.Context, source, dst string) error {
	u, err := url.Parse(source)
	if err != nil || u.Host == "" || strings.Trim(u.Path, "/") == "" {
		return faults.Validationf("invalid s3 source %s, want s3://bucket/key", source)
	}
	bucket, key := u.Host, strings.TrimPrefix(u.Path, "/")

	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundError(err) {
			return faults.Validationf("s3 object %s not found", source)
		}
		return faults.Transientf(err, "failed to get object %s from bucket %s", key, bucket)
	}
	defer out.Body.Close()
	return writeStream(dst, out.Body)
}

func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	// S3-compatible stores do not always return the SDK types.
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey" || code == "NoSuchBucket" || code == "404"
	}
	return false
}

func writeStream(dst string, r io.Reader) error {
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return faults.Transientf(err, "write %s", dst)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("sync %s: %w", dst, err)
	}
	return out.Close()
}
