package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"

	"minhash-go/internal/minhash"
)

// Config represents the main configuration for minhash.
type Config struct {
	BaseDir      string             `toml:"base_dir"`
	LogDir       string             `toml:"log_dir"`
	LogLevel     string             `toml:"log_level"`
	SignatureDir string             `toml:"signature_dir"`
	TrashDir     string             `toml:"trash_dir"`
	IndexFormat  string             `toml:"index_format"` // "SBT" or "rocksdb"
	KmerSize     int                `toml:"kmer_size"`
	Index        IndexConfig        `toml:"index"`
	Database     DatabaseConfig     `toml:"database"`
	Redis        RedisConfig        `toml:"redis"`
	Integrity    PeriodicTask       `toml:"integrity_task"`
	PurgeFiles   PeriodicTask       `toml:"purge_files_task"`
	Cleanup      CleanupConfig      `toml:"cleanup"`
	Notification NotificationConfig `toml:"notification"`
	Archive      ArchiveConfig      `toml:"archive"`
}

// IndexConfig tunes the on-disk index.
type IndexConfig struct {
	LockTimeout   Duration `toml:"lock_timeout"`
	BloomCapacity uint     `toml:"bloom_capacity"`
	BloomFPRate   float64  `toml:"bloom_fp_rate"`
}

// DatabaseConfig represents configuration for the metadata database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type string `toml:"type"` // "sqlite", "memory" or "mongodb"

	// SQLite-specific fields (only used when Type == "sqlite")
	Path string `toml:"path,omitempty"`

	// MongoDB-specific fields (only used when Type == "mongodb")
	MongoHost            string `toml:"mongodb_host,omitempty"`
	MongoPort            int    `toml:"mongodb_port,omitempty"`
	MongoDatabase        string `toml:"mongodb_database,omitempty"`
	SignatureCollection  string `toml:"mongodb_signature_collection,omitempty"`
	ReportCollection     string `toml:"mongodb_report_collection,omitempty"`
	AuditTrailCollection string `toml:"mongodb_audit_trail_collection,omitempty"`
}

// MongoURI builds the connection string for the configured host.
func (d DatabaseConfig) MongoURI() string {
	return fmt.Sprintf("mongodb://%s:%d", d.MongoHost, d.MongoPort)
}

// RedisConfig locates the job queue.
type RedisConfig struct {
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	Queue       string   `toml:"queue"`
	JobTimeout  Duration `toml:"job_timeout"`
	ResultTTL   Duration `toml:"result_ttl"`
	PollTimeout Duration `toml:"poll_timeout"`
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// PeriodicTask configures one cron-triggered maintenance task.
type PeriodicTask struct {
	Enabled bool   `toml:"enabled"`
	Cron    string `toml:"cron"`
	Queue   string `toml:"queue"`
}

// CleanupConfig controls cleanup_removed_files.
type CleanupConfig struct {
	TrashRetention Duration `toml:"trash_retention"`
	SweepOrphans   bool     `toml:"sweep_orphans"`
	OrphanGrace    Duration `toml:"orphan_grace"`
}

// NotificationConfig configures integrity report notifications.
type NotificationConfig struct {
	APIURL               string   `toml:"api_url,omitempty"`
	Recipient            []string `toml:"recipient"`
	IntegrityReportLevel string   `toml:"integrity_report_level"` // NEVER, WARNING or ERROR
}

// ArchiveConfig selects where purged trash entries are archived.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type ArchiveConfig struct {
	Type string `toml:"type"` // "none", "memory", "filesystem" or "s3"

	// Encryption is "none" (default), "age" or "test". The age private key
	// lives next to the public key with a .key extension.
	Encryption    string `toml:"encryption"`
	PublicKeyPath string `toml:"public_key_path,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"`
	// Static credentials; the default AWS credential chain is used when unset.
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`
}

// Duration is a time.Duration written as a Go duration string ("5m", "336h").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// NewConfig creates a Config with defaults rooted at baseDir.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir:      baseDir,
		LogDir:       filepath.Join(baseDir, "log"),
		LogLevel:     "INFO",
		SignatureDir: filepath.Join(baseDir, "signatures"),
		TrashDir:     filepath.Join(baseDir, "trash"),
		IndexFormat:  "SBT",
		KmerSize:     31,
		Index: IndexConfig{
			LockTimeout:   Duration{5 * time.Minute},
			BloomCapacity: 100000,
			BloomFPRate:   0.01,
		},
		Database: DatabaseConfig{
			Type:                 "sqlite",
			Path:                 filepath.Join(baseDir, "minhash.db"),
			MongoHost:            "mongodb",
			MongoPort:            27017,
			MongoDatabase:        "bonsai",
			SignatureCollection:  "signatures",
			ReportCollection:     "integrity_reports",
			AuditTrailCollection: "audit_trail",
		},
		Redis: RedisConfig{
			Host:        "redis",
			Port:        6379,
			Queue:       "minhash",
			JobTimeout:  Duration{30 * time.Minute},
			ResultTTL:   Duration{24 * time.Hour},
			PollTimeout: Duration{5 * time.Second},
		},
		Integrity:  PeriodicTask{Cron: "0 12 * * SAT", Queue: "minhash"},
		PurgeFiles: PeriodicTask{Cron: "0 * * * *", Queue: "minhash"},
		Cleanup: CleanupConfig{
			TrashRetention: Duration{14 * 24 * time.Hour},
			OrphanGrace:    Duration{24 * time.Hour},
		},
		Notification: NotificationConfig{IntegrityReportLevel: "NEVER"},
		Archive: ArchiveConfig{
			Type:          "none",
			Encryption:    "none",
			PublicKeyPath: filepath.Join(baseDir, "keys", "archive.pub"),
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader on top of base.
func (m *Manager) Read(r io.Reader, base *Config) (*Config, error) {
	cfg := *base
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path, filling unset
// keys from base.
func ReadFromFile(path string, base *Config) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f, base)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// Load builds the effective configuration: defaults, then the file at path
// if it exists, then environment overrides. The result is validated.
func Load(path string, base *Config, lookup func(string) (string, bool)) (*Config, error) {
	cfg := base
	if _, err := os.Stat(path); err == nil {
		if cfg, err = ReadFromFile(path, base); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("checking config file: %w", err)
	}

	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}

var logLevels = []string{"DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL"}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.SignatureDir == "" {
		errs = append(errs, fmt.Errorf("signature_dir is required"))
	}
	if c.TrashDir == "" {
		errs = append(errs, fmt.Errorf("trash_dir is required"))
	}
	if c.SignatureDir != "" && filepath.Clean(c.SignatureDir) == filepath.Clean(c.TrashDir) {
		errs = append(errs, fmt.Errorf("trash_dir must differ from signature_dir"))
	}
	if c.IndexFormat != "SBT" && c.IndexFormat != "rocksdb" {
		errs = append(errs, fmt.Errorf("index_format must be SBT or rocksdb, got %q", c.IndexFormat))
	}
	if c.KmerSize <= 0 {
		errs = append(errs, fmt.Errorf("kmer_size must be positive, got %d", c.KmerSize))
	}
	if !slices.Contains(logLevels, strings.ToUpper(c.LogLevel)) {
		errs = append(errs, fmt.Errorf("log_level must be one of %s, got %q", strings.Join(logLevels, ", "), c.LogLevel))
	}

	switch c.Database.Type {
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, fmt.Errorf("database.path required for sqlite database"))
		}
	case "memory":
	case "mongodb":
		if c.Database.MongoHost == "" || c.Database.MongoDatabase == "" {
			errs = append(errs, fmt.Errorf("mongodb_host and mongodb_database required for mongodb database"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database type: %s", c.Database.Type))
	}

	switch c.Archive.Type {
	case "", "none", "memory":
	case "filesystem":
		if c.Archive.FSRoot == "" {
			errs = append(errs, fmt.Errorf("archive.fs_root required for filesystem archive"))
		}
	case "s3":
		if c.Archive.S3Bucket == "" {
			errs = append(errs, fmt.Errorf("archive.s3_bucket required for s3 archive"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown archive type: %s", c.Archive.Type))
	}
	switch c.Archive.Encryption {
	case "", "none", "test":
	case "age":
		if c.Archive.PublicKeyPath == "" {
			errs = append(errs, fmt.Errorf("archive.public_key_path required for age encryption"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown archive encryption: %s", c.Archive.Encryption))
	}

	level, err := minhash.ParseNotifyLevel(c.Notification.IntegrityReportLevel)
	if err != nil {
		errs = append(errs, err)
	} else if level != minhash.NotifyNever && c.Notification.APIURL == "" {
		errs = append(errs, fmt.Errorf("notification api_url is required when integrity_report_level is %s", level))
	}

	for name, task := range map[string]PeriodicTask{"integrity_task": c.Integrity, "purge_files_task": c.PurgeFiles} {
		if !task.Enabled {
			continue
		}
		if _, err := cron.ParseStandard(task.Cron); err != nil {
			errs = append(errs, fmt.Errorf("%s.cron: %w", name, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
