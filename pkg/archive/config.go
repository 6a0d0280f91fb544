// Package archive exports terminal job records to S3 or an S3-compatible
// object store.
//
// Archiving is best-effort. The scheduler's own store stays the source of
// truth; a failed upload is logged and dropped.
package archive

import "strings"

// Config configures the S3 archive.
//
// Credentials follow the AWS SDK v2 default chain unless AccessKeyID and
// SecretAccessKey are both set. For S3-compatible stores (MinIO, Wasabi)
// set Endpoint and usually ForcePathStyle.
type Config struct {
	// Bucket is the target bucket (required).
	Bucket string

	// Prefix is prepended to every object key, e.g. "cacheout/".
	Prefix string

	// Region defaults to us-east-1 for AWS S3. No default is applied when
	// Endpoint is set.
	Region string

	Endpoint        string
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool

	// QueueSize bounds how many finished jobs may wait for upload. Zero uses
	// DefaultQueueSize.
	QueueSize int
}

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// DefaultQueueSize is the upload backlog limit.
const DefaultQueueSize = 1024

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	if c.QueueSize < 0 {
		return &ConfigError{Field: "QueueSize", Message: "must not be negative"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "archive config: " + e.Field + ": " + e.Message
}

func resolveRegion(cfgRegion, endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if cfgRegion != "" {
		return cfgRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}
