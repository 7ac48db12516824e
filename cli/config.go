package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/bitrise-io/go-chunkupload/chunkuploader"
	"github.com/bitrise-io/go-chunkupload/stepconf"
	"github.com/docker/go-units"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"
)

const (
	targetHTTP  = "http"
	targetS3    = "s3"
	targetAzure = "azure"

	chunkSizeAuto = "auto"
)

// Config holds the upload command configuration.
// Values are read from CHUNKUPLOAD_* environment variables, flags override them.
type Config struct {
	Target           string          `env:"CHUNKUPLOAD_TARGET"`
	ChunkSize        string          `env:"CHUNKUPLOAD_CHUNK_SIZE"`
	Concurrency      int             `env:"CHUNKUPLOAD_CONCURRENCY"`
	MaxRetryPerChunk int             `env:"CHUNKUPLOAD_MAX_RETRY_PER_CHUNK"`
	BackoffBase      time.Duration   `env:"CHUNKUPLOAD_BACKOFF_BASE"`
	BackoffMax       time.Duration   `env:"CHUNKUPLOAD_BACKOFF_MAX"`
	HungThreshold    time.Duration   `env:"CHUNKUPLOAD_HUNG_THRESHOLD"`
	Compression      string          `env:"CHUNKUPLOAD_COMPRESSION"`
	ContentType      string          `env:"CHUNKUPLOAD_CONTENT_TYPE"`
	Resume           bool            `env:"CHUNKUPLOAD_RESUME"`
	AbortOnFailure   bool            `env:"CHUNKUPLOAD_ABORT_ON_FAILURE"`
	NoProgress       bool            `env:"CHUNKUPLOAD_NO_PROGRESS"`
	Verbose          bool            `env:"CHUNKUPLOAD_VERBOSE"`
	Manifest         string          `env:"CHUNKUPLOAD_MANIFEST"`
	AccessToken      stepconf.Secret `env:"CHUNKUPLOAD_ACCESS_TOKEN"`
	S3Bucket         string          `env:"CHUNKUPLOAD_S3_BUCKET"`
	S3Region         string          `env:"CHUNKUPLOAD_S3_REGION"`
	S3KeyPrefix      string          `env:"CHUNKUPLOAD_S3_KEY_PREFIX"`
	AWSAccessKeyID   stepconf.Secret `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretKey     stepconf.Secret `env:"AWS_SECRET_ACCESS_KEY"`
	AzureSASURL      stepconf.Secret `env:"CHUNKUPLOAD_AZURE_CONTAINER_SAS_URL"`
}

func registerFlags(cmd *cobra.Command, f *Config) {
	flags := cmd.Flags()
	flags.StringVar(&f.Target, "target", "", "Upload target: http, s3 or azure")
	flags.StringVar(&f.ChunkSize, "chunk-size", "", `Chunk size, for example "8MiB", or "auto"`)
	flags.IntVar(&f.Concurrency, "concurrency", 0, "Maximum number of chunks uploading at the same time")
	flags.IntVar(&f.MaxRetryPerChunk, "max-retry-per-chunk", 0, "Maximum number of attempts per chunk")
	flags.DurationVar(&f.BackoffBase, "backoff-base", 0, "Delay before the first retry of a chunk")
	flags.DurationVar(&f.BackoffMax, "backoff-max", 0, "Maximum delay between two attempts of a chunk")
	flags.DurationVar(&f.HungThreshold, "hung-threshold", 0, "Cancel and retry attempts running this much longer than the average, 0 disables")
	flags.StringVar(&f.Compression, "compression", "", "Compress chunks with zstd at the given level: fastest, default, better or best")
	flags.StringVar(&f.ContentType, "content-type", "", "Content type of the uploaded objects")
	flags.BoolVar(&f.Resume, "resume", false, "Continue interrupted uploads from their resume state")
	flags.BoolVar(&f.AbortOnFailure, "abort-on-failure", false, "Drop the partially uploaded data when an upload fails")
	flags.BoolVar(&f.NoProgress, "no-progress", false, "Do not render progress bars")
	flags.BoolVarP(&f.Verbose, "verbose", "v", false, "Enable debug logging")
	flags.StringVar(&f.Manifest, "manifest", "", "Upload manifest of the http target (default: <file>.manifest.json)")
	flags.StringVar(&f.S3Bucket, "s3-bucket", "", "Destination bucket of the s3 target")
	flags.StringVar(&f.S3Region, "s3-region", "", "Region of the destination bucket")
	flags.StringVar(&f.S3KeyPrefix, "s3-key-prefix", "", "Key prefix of the uploaded objects")
}

// applyFlags overrides cfg with the flags set on the command line.
func applyFlags(cmd *cobra.Command, f Config, cfg *Config) {
	changed := cmd.Flags().Changed
	if changed("target") {
		cfg.Target = f.Target
	}
	if changed("chunk-size") {
		cfg.ChunkSize = f.ChunkSize
	}
	if changed("concurrency") {
		cfg.Concurrency = f.Concurrency
	}
	if changed("max-retry-per-chunk") {
		cfg.MaxRetryPerChunk = f.MaxRetryPerChunk
	}
	if changed("backoff-base") {
		cfg.BackoffBase = f.BackoffBase
	}
	if changed("backoff-max") {
		cfg.BackoffMax = f.BackoffMax
	}
	if changed("hung-threshold") {
		cfg.HungThreshold = f.HungThreshold
	}
	if changed("compression") {
		cfg.Compression = f.Compression
	}
	if changed("content-type") {
		cfg.ContentType = f.ContentType
	}
	if changed("resume") {
		cfg.Resume = f.Resume
	}
	if changed("abort-on-failure") {
		cfg.AbortOnFailure = f.AbortOnFailure
	}
	if changed("no-progress") {
		cfg.NoProgress = f.NoProgress
	}
	if changed("verbose") {
		cfg.Verbose = f.Verbose
	}
	if changed("manifest") {
		cfg.Manifest = f.Manifest
	}
	if changed("s3-bucket") {
		cfg.S3Bucket = f.S3Bucket
	}
	if changed("s3-region") {
		cfg.S3Region = f.S3Region
	}
	if changed("s3-key-prefix") {
		cfg.S3KeyPrefix = f.S3KeyPrefix
	}
}

// validate checks the values stepconf can't express with tags.
func (c Config) validate() error {
	switch c.Target {
	case targetHTTP, targetS3, targetAzure:
	case "":
		return fmt.Errorf("target is required")
	default:
		return fmt.Errorf("unknown target: %s", c.Target)
	}

	if c.Compression != "" {
		if _, err := c.compressionLevel(); err != nil {
			return err
		}
	}

	switch c.Target {
	case targetS3:
		if c.S3Bucket == "" || c.S3Region == "" {
			return fmt.Errorf("s3 target requires a bucket and a region")
		}
	case targetAzure:
		if c.AzureSASURL == "" {
			return fmt.Errorf("azure target requires CHUNKUPLOAD_AZURE_CONTAINER_SAS_URL")
		}
	}
	return nil
}

func (c Config) compressionLevel() (zstd.EncoderLevel, error) {
	ok, level := zstd.EncoderLevelFromString(c.Compression)
	if !ok {
		return 0, fmt.Errorf("unknown compression level: %s", c.Compression)
	}
	return level, nil
}

// sessionConfig builds the upload session configuration of a file of fileSize bytes.
// Unset values keep their defaults.
func (c Config) sessionConfig(fileSize int64) (chunkuploader.Config, error) {
	config := chunkuploader.DefaultConfig()
	if c.Concurrency > 0 {
		config.Concurrency = c.Concurrency
	}
	if c.MaxRetryPerChunk > 0 {
		config.MaxRetryPerChunk = c.MaxRetryPerChunk
	}
	if c.BackoffBase > 0 {
		config.BackoffBase = c.BackoffBase
	}
	if c.BackoffMax > 0 {
		config.BackoffMax = c.BackoffMax
	}
	config.HungThreshold = c.HungThreshold

	chunkSize, err := parseChunkSize(c.ChunkSize, fileSize, config.Concurrency)
	if err != nil {
		return chunkuploader.Config{}, err
	}
	if chunkSize > 0 {
		config.ChunkSize = chunkSize
	}

	return config, config.Validate()
}

func parseChunkSize(value string, fileSize int64, concurrency int) (int64, error) {
	switch strings.TrimSpace(value) {
	case "":
		return 0, nil
	case chunkSizeAuto:
		return chunkuploader.OptimalChunkSizeBytes(fileSize, concurrency), nil
	}

	size, err := units.RAMInBytes(value)
	if err != nil {
		return 0, fmt.Errorf("invalid chunk size %q: %w", value, err)
	}
	return size, nil
}
