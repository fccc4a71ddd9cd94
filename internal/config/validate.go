package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/UniQw/uniqw-lectures/internal/apperr"
)

// Validate reports every missing or invalid setting the configured drivers
// need, in a single ErrConfiguration error.
func (c *Config) Validate() error {
	var problems []string
	missing := func(key, value string) {
		if strings.TrimSpace(value) == "" {
			problems = append(problems, key+" is required")
		}
	}

	missing("REDIS_ADDR", c.Redis.Addr)

	switch c.Store.Driver {
	case "redis":
	case "sqlite":
		missing("SQLITE_PATH", c.Store.SQLitePath)
	case "postgres":
		missing("DATABASE_URL", c.Store.DatabaseURL)
	case "dynamodb":
		missing("TABLE_NAME", c.Store.TableName)
		missing("S3_REGION", c.Blob.Region)
	default:
		problems = append(problems, fmt.Sprintf("STORE_DRIVER %q is not one of redis, sqlite, postgres, dynamodb", c.Store.Driver))
	}

	switch c.Blob.Driver {
	case "s3":
		missing("BUCKET_NAME", c.Blob.Bucket)
		missing("S3_REGION", c.Blob.Region)
	case "fs":
		missing("BLOB_DIR", c.Blob.Dir)
		missing("BLOB_PUBLIC_URL", c.Blob.PublicURL)
		missing("BLOB_SIGNING_KEY", c.Blob.SigningKey)
	default:
		problems = append(problems, fmt.Sprintf("BLOB_DRIVER %q is not one of s3, fs", c.Blob.Driver))
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		problems = append(problems, fmt.Sprintf("LOG_FORMAT %q is not one of json, console", c.Logging.Format))
	}

	return joinProblems(problems)
}

// ValidateProviders reports missing external API settings. Only stage workers
// talk to the providers.
func (c *Config) ValidateProviders() error {
	var problems []string
	for key, value := range map[string]string{
		"DISK_API_URL": c.Provider.DiskAPIURL,
		"STT_API_URL":  c.Provider.STTAPIURL,
		"API_KEY":      c.Provider.APIKey,
		"FOLDER_ID":    c.Provider.FolderID,
	} {
		if strings.TrimSpace(value) == "" {
			problems = append(problems, key+" is required")
		}
	}
	return joinProblems(problems)
}

func joinProblems(problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	slices.Sort(problems)
	return fmt.Errorf("%w: %s", apperr.ErrConfiguration, strings.Join(problems, "; "))
}
