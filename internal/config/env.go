package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/UniQw/uniqw-lectures/internal/apperr"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup LookupFunc) error {
	strs := map[string]*string{
		"HTTP_ADDR":             &c.HTTP.Addr,
		"REDIS_ADDR":            &c.Redis.Addr,
		"REDIS_PASSWORD":        &c.Redis.Password,
		"STORE_DRIVER":          &c.Store.Driver,
		"TABLE_NAME":            &c.Store.TableName,
		"SQLITE_PATH":           &c.Store.SQLitePath,
		"DATABASE_URL":          &c.Store.DatabaseURL,
		"DYNAMO_ENDPOINT":       &c.Store.DynamoEndpoint,
		"BLOB_DRIVER":           &c.Blob.Driver,
		"BUCKET_NAME":           &c.Blob.Bucket,
		"S3_ENDPOINT":           &c.Blob.Endpoint,
		"S3_REGION":             &c.Blob.Region,
		"AWS_ACCESS_KEY_ID":     &c.Blob.AccessKeyID,
		"AWS_SECRET_ACCESS_KEY": &c.Blob.SecretAccessKey,
		"BLOB_DIR":              &c.Blob.Dir,
		"BLOB_PUBLIC_URL":       &c.Blob.PublicURL,
		"BLOB_SIGNING_KEY":      &c.Blob.SigningKey,
		"DISK_API_URL":          &c.Provider.DiskAPIURL,
		"STT_API_URL":           &c.Provider.STTAPIURL,
		"API_KEY":               &c.Provider.APIKey,
		"FOLDER_ID":             &c.Provider.FolderID,
		"STT_LANGUAGE":          &c.Provider.Language,
		"PDF_FONT_PATH":         &c.Render.FontPath,
		"LOG_LEVEL":             &c.Logging.Level,
		"LOG_FORMAT":            &c.Logging.Format,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	ints := map[string]*int{
		"REDIS_DB":           &c.Redis.DB,
		"WORKER_CONCURRENCY": &c.Worker.Concurrency,
		"MAX_RETRY":          &c.Worker.MaxRetry,
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return apperr.Wrap(apperr.ErrConfiguration, key, "parse integer", err)
		}
		*dst = n
	}

	secs := map[string]*int{
		"VISIBILITY_TTL": &c.Worker.VisibilityTTLSeconds,
		"POLL_DEADLINE":  &c.Worker.PollDeadlineSeconds,
	}
	for key, dst := range secs {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := parseSeconds(v)
		if err != nil {
			return apperr.Wrap(apperr.ErrConfiguration, key, "parse duration", err)
		}
		*dst = n
	}

	if v, ok := lookup("CLEANUP_INTERMEDIATE"); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return apperr.Wrap(apperr.ErrConfiguration, "CLEANUP_INTERMEDIATE", "parse bool", err)
		}
		c.Worker.CleanupIntermediate = b
	}
	return nil
}

// parseSeconds accepts either a bare number of seconds or a Go duration
// string such as "90s" or "6h".
func parseSeconds(v string) (int, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		return n, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return int(d / time.Second), nil
}

func (c *Config) normalize() {
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	c.Blob.Driver = strings.ToLower(strings.TrimSpace(c.Blob.Driver))
	c.Blob.PublicURL = strings.TrimRight(c.Blob.PublicURL, "/")
	c.Provider.DiskAPIURL = strings.TrimRight(c.Provider.DiskAPIURL, "/")
	c.Provider.STTAPIURL = strings.TrimRight(c.Provider.STTAPIURL, "/")
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Worker.Concurrency < 1 {
		c.Worker.Concurrency = 1
	}
	if c.Worker.MaxRetry < 0 {
		c.Worker.MaxRetry = 0
	}
	if c.Worker.PollDeadlineSeconds < 0 {
		c.Worker.PollDeadlineSeconds = 0
	}
}
