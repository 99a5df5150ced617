package fetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dosanma1/vidforge/internal/imagespec"
)

func TestHubCommand(t *testing.T) {
	tests := []struct {
		name string
		d    imagespec.Download
		want []string
	}{
		{
			name: "whole repository without symlinks",
			d: imagespec.Download{
				Store:      imagespec.StoreHub,
				Artifact:   "Wan-AI/Wan2.1-T2V-1.3B",
				Dest:       "/root/wan_models/Wan2.1-T2V-1.3B",
				NoSymlinks: true,
			},
			want: []string{
				"huggingface-cli", "download", "Wan-AI/Wan2.1-T2V-1.3B",
				"--local-dir-use-symlinks", "False",
				"--local-dir", "/root/wan_models/Wan2.1-T2V-1.3B",
			},
		},
		{
			name: "single file at a revision",
			d: imagespec.Download{
				Store:    imagespec.StoreHub,
				Artifact: "krea/krea-realtime-video",
				Files:    []string{"krea-realtime-video-14b.safetensors"},
				Revision: "main",
				Dest:     "/root/checkpoints",
			},
			want: []string{
				"huggingface-cli", "download", "krea/krea-realtime-video",
				"krea-realtime-video-14b.safetensors",
				"--revision", "main",
				"--local-dir", "/root/checkpoints",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HubCommand(tt.d))
		})
	}
}

func TestSplitArtifact(t *testing.T) {
	bucket, prefix, err := SplitArtifact("s3://models/wan/14b")
	require.NoError(t, err)
	assert.Equal(t, "models", bucket)
	assert.Equal(t, "wan/14b", prefix)

	_, _, err = SplitArtifact("/nobucket")
	require.Error(t, err)
}

type fakeSource struct {
	mu      sync.Mutex
	objects map[string]string
	opened  []string
	failKey string
}

func (f *fakeSource) List(_ context.Context, bucket, prefix string) ([]Object, error) {
	var out []Object
	for k, v := range f.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, Object{Key: k, Size: int64(len(v))})
		}
	}
	return out, nil
}

func (f *fakeSource) Open(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	f.opened = append(f.opened, key)
	f.mu.Unlock()
	if key == f.failKey {
		return nil, errors.New("connection reset")
	}
	return io.NopCloser(strings.NewReader(f.objects[key])), nil
}

func TestS3FetcherFetchesPrefix(t *testing.T) {
	src := &fakeSource{objects: map[string]string{
		"wan/14b/config.json":        "{}",
		"wan/14b/weights/part-1.bin": "aaaa",
		"wan/14b/weights/part-2.bin": "bbbb",
		"wan/14b/":                   "",
		"wan/14b-old/ignored.bin":    "zzz",
		"wan/1.3b/should-not-appear": "x",
	}}
	var progress bytes.Buffer
	f := NewS3FetcherWithSource(src, 2, &progress)
	dir := t.TempDir()

	err := f.Fetch(context.Background(), imagespec.Download{
		Store:    imagespec.StoreS3,
		Artifact: "models/wan/14b",
		Dest:     "/root/wan_models/Wan2.1-T2V-14B",
	}, dir)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "weights", "part-2.bin"))
	require.NoError(t, err)
	assert.Equal(t, "bbbb", string(data))
	assert.FileExists(t, filepath.Join(dir, "config.json"))
	assert.NoFileExists(t, filepath.Join(dir, "ignored.bin"))
	assert.Len(t, src.opened, 3)
	assert.NotEmpty(t, progress.String())
}

func TestS3FetcherSelectedFiles(t *testing.T) {
	src := &fakeSource{objects: map[string]string{
		"krea/krea-realtime-video-14b.safetensors": "weights",
		"krea/README.md":                           "readme",
	}}
	f := NewS3FetcherWithSource(src, 1, nil)
	dir := t.TempDir()

	d := imagespec.Download{
		Store:    imagespec.StoreS3,
		Artifact: "checkpoints/krea",
		Files:    []string{"krea-realtime-video-14b.safetensors"},
		Dest:     "/root/checkpoints",
	}
	require.NoError(t, f.Fetch(context.Background(), d, dir))
	assert.FileExists(t, filepath.Join(dir, "krea-realtime-video-14b.safetensors"))
	assert.NoFileExists(t, filepath.Join(dir, "README.md"))

	d.Files = []string{"missing.safetensors"}
	err := f.Fetch(context.Background(), d, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.safetensors")
}

func TestS3FetcherErrors(t *testing.T) {
	src := &fakeSource{
		objects: map[string]string{"m/a.bin": "a", "m/b.bin": "b"},
		failKey: "m/b.bin",
	}
	f := NewS3FetcherWithSource(src, 4, nil)
	dir := t.TempDir()

	err := f.Fetch(context.Background(), imagespec.Download{Store: imagespec.StoreS3, Artifact: "bucket/m", Dest: "/x"}, dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.NoFileExists(t, filepath.Join(dir, "b.bin"))

	err = f.Fetch(context.Background(), imagespec.Download{Store: imagespec.StoreS3, Artifact: "bucket/empty", Dest: "/x"}, dir)
	require.Error(t, err)

	err = f.Fetch(context.Background(), imagespec.Download{Store: imagespec.StoreS3, Artifact: "bucket/m", Revision: "v1", Dest: "/x"}, dir)
	require.Error(t, err)
}

func TestS3ConfigFromEnv(t *testing.T) {
	t.Setenv("VIDFORGE_S3_ENDPOINT", "minio.local:9000")
	t.Setenv("VIDFORGE_S3_USE_SSL", "false")
	t.Setenv("VIDFORGE_S3_ACCESS_KEY", "key")
	t.Setenv("VIDFORGE_S3_SECRET_KEY", "secret")
	t.Setenv("VIDFORGE_S3_WORKERS", "8")

	cfg, err := S3ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "minio.local:9000", cfg.Endpoint)
	assert.False(t, cfg.UseSSL)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, "us-east-1", cfg.Region)

	t.Setenv("VIDFORGE_S3_ENDPOINT", "https://minio.local")
	_, err = S3ConfigFromEnv()
	require.Error(t, err)

	t.Setenv("VIDFORGE_S3_ENDPOINT", "minio.local:9000")
	t.Setenv("VIDFORGE_S3_SECRET_KEY", "")
	_, err = S3ConfigFromEnv()
	require.Error(t, err)
}
