package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/dosanma1/vidforge/internal/imagespec"
	"github.com/dosanma1/vidforge/pkg/xos"
)

// Object is a listed remote object.
type Object struct {
	Key  string
	Size int64
}

// ObjectSource lists and opens objects of a bucket.
type ObjectSource interface {
	List(ctx context.Context, bucket, prefix string) ([]Object, error)
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// S3Fetcher downloads s3 artifacts to a host directory.
type S3Fetcher struct {
	src      ObjectSource
	workers  int
	progress io.Writer
}

// NewS3Fetcher connects to the configured endpoint. A nil progress writer
// disables the byte progress bar.
func NewS3Fetcher(cfg S3Config, progress io.Writer) (*S3Fetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return NewS3FetcherWithSource(&minioSource{client: client}, cfg.Workers, progress), nil
}

// NewS3FetcherWithSource builds a fetcher on an existing object source.
func NewS3FetcherWithSource(src ObjectSource, workers int, progress io.Writer) *S3Fetcher {
	if workers < 1 {
		workers = 1
	}
	return &S3Fetcher{src: src, workers: workers, progress: progress}
}

// SplitArtifact splits bucket/prefix.
func SplitArtifact(artifact string) (string, string, error) {
	bucket, prefix, _ := strings.Cut(strings.TrimPrefix(artifact, "s3://"), "/")
	if bucket == "" {
		return "", "", fmt.Errorf("artifact %q has no bucket", artifact)
	}
	return bucket, prefix, nil
}

// Fetch downloads every object below the artifact prefix, or only Files when
// set, into dir, keeping paths relative to the prefix.
func (f *S3Fetcher) Fetch(ctx context.Context, d imagespec.Download, dir string) error {
	logger := klog.FromContext(ctx)
	if d.Revision != "" {
		return errors.New("revision pinning is not supported for s3 artifacts")
	}
	bucket, prefix, err := SplitArtifact(d.Artifact)
	if err != nil {
		return err
	}

	objects, err := f.src.List(ctx, bucket, prefix)
	if err != nil {
		return fmt.Errorf("list s3://%s/%s: %w", bucket, prefix, err)
	}
	objects, err = selectObjects(objects, prefix, d.Files)
	if err != nil {
		return err
	}
	if len(objects) == 0 {
		return fmt.Errorf("no objects below s3://%s/%s", bucket, prefix)
	}

	var total int64
	for _, o := range objects {
		total += o.Size
	}
	logger.Info("Fetching artifact", "artifact", d.Artifact, "objects", len(objects), "bytes", total)

	var bar *progressbar.ProgressBar
	if f.progress != nil {
		bar = progressbar.NewOptions64(total,
			progressbar.OptionSetWriter(f.progress),
			progressbar.OptionSetDescription(path.Base(strings.TrimSuffix(d.Artifact, "/"))),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(40),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionOnCompletion(func() {
				fmt.Fprint(f.progress, "\n")
			}),
		)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.workers)
	for _, o := range objects {
		o := o
		g.Go(func() error {
			return f.fetchObject(ctx, bucket, prefix, o, dir, bar)
		})
	}
	return g.Wait()
}

func (f *S3Fetcher) fetchObject(ctx context.Context, bucket, prefix string, o Object, dir string, bar *progressbar.ProgressBar) error {
	rel := relativeKey(prefix, o.Key)
	dst := filepath.Join(dir, filepath.FromSlash(rel))

	body, err := f.src.Open(ctx, bucket, o.Key)
	if err != nil {
		return fmt.Errorf("open %s: %w", o.Key, err)
	}
	defer body.Close()

	var r io.Reader = body
	if bar != nil {
		r = io.TeeReader(body, bar)
	}
	n, err := xos.WriteReader(dst, r, 0o644)
	if err != nil {
		return fmt.Errorf("download %s: %w", o.Key, err)
	}
	if o.Size > 0 && n != o.Size {
		return fmt.Errorf("download %s: got %d of %d bytes", o.Key, n, o.Size)
	}
	klog.FromContext(ctx).V(2).Info("Fetched object", "key", o.Key, "bytes", n)
	return nil
}

// selectObjects drops directory markers and, when files is set, keeps only
// the named objects. Every named file must exist.
func selectObjects(objects []Object, prefix string, files []string) ([]Object, error) {
	var out []Object
	byRel := make(map[string]Object, len(objects))
	for _, o := range objects {
		if strings.HasSuffix(o.Key, "/") {
			continue
		}
		rel := relativeKey(prefix, o.Key)
		if rel == "" || strings.HasPrefix(rel, "../") || path.IsAbs(rel) {
			continue
		}
		byRel[rel] = o
		out = append(out, o)
	}
	if len(files) == 0 {
		return out, nil
	}

	out = out[:0]
	for _, name := range files {
		o, ok := byRel[path.Clean(name)]
		if !ok {
			return nil, fmt.Errorf("file %s not found below %s", name, prefix)
		}
		out = append(out, o)
	}
	return out, nil
}

func relativeKey(prefix, key string) string {
	p := strings.TrimSuffix(prefix, "/")
	if p == "" {
		return path.Clean(key)
	}
	if key == p {
		return path.Base(key)
	}
	if !strings.HasPrefix(key, p+"/") {
		return ""
	}
	return path.Clean(strings.TrimPrefix(key, p+"/"))
}

type minioSource struct {
	client *minio.Client
}

func (s *minioSource) List(ctx context.Context, bucket, prefix string) ([]Object, error) {
	var objects []Object
	for info := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, info.Err
		}
		objects = append(objects, Object{Key: info.Key, Size: info.Size})
	}
	return objects, nil
}

func (s *minioSource) Open(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	return s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
