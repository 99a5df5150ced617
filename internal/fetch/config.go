package fetch

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// S3Config holds the object store connection settings.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool

	// Workers bounds concurrent object downloads.
	Workers int
}

// S3ConfigFromEnv reads VIDFORGE_S3_* variables.
func S3ConfigFromEnv() (S3Config, error) {
	useSSL, err := envBool("VIDFORGE_S3_USE_SSL", true)
	if err != nil {
		return S3Config{}, err
	}
	workers, err := envInt("VIDFORGE_S3_WORKERS", 4)
	if err != nil {
		return S3Config{}, err
	}
	cfg := S3Config{
		Endpoint:  envString("VIDFORGE_S3_ENDPOINT", "s3.amazonaws.com"),
		AccessKey: envString("VIDFORGE_S3_ACCESS_KEY", ""),
		SecretKey: envString("VIDFORGE_S3_SECRET_KEY", ""),
		Region:    envString("VIDFORGE_S3_REGION", "us-east-1"),
		UseSSL:    useSSL,
		Workers:   workers,
	}
	if err := cfg.Validate(); err != nil {
		return S3Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings.
func (c S3Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("s3 endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("s3 endpoint must not include scheme: %q", c.Endpoint)
	}
	if (c.AccessKey == "") != (c.SecretKey == "") {
		return errors.New("s3 access key and secret key must be set together")
	}
	if c.Workers < 1 {
		return fmt.Errorf("s3 workers must be positive, got %d", c.Workers)
	}
	return nil
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
