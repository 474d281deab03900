package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "MINHASH_"

type envSetter func(c *Config, v string) error

func setString(dst func(*Config) *string) envSetter {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func setInt(dst func(*Config) *int) envSetter {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func setBool(dst func(*Config) *bool) envSetter {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}
}

// envKeys lists the recognised overrides, without the prefix.
var envKeys = map[string]envSetter{
	"LOG_LEVEL":     setString(func(c *Config) *string { return &c.LogLevel }),
	"LOG_DIR":       setString(func(c *Config) *string { return &c.LogDir }),
	"SIGNATURE_DIR": setString(func(c *Config) *string { return &c.SignatureDir }),
	"TRASH_DIR":     setString(func(c *Config) *string { return &c.TrashDir }),
	"INDEX_FORMAT":  setString(func(c *Config) *string { return &c.IndexFormat }),
	"KMER_SIZE":     setInt(func(c *Config) *int { return &c.KmerSize }),

	"DATABASE_TYPE":                  setString(func(c *Config) *string { return &c.Database.Type }),
	"DATABASE_PATH":                  setString(func(c *Config) *string { return &c.Database.Path }),
	"MONGODB_HOST":                   setString(func(c *Config) *string { return &c.Database.MongoHost }),
	"MONGODB_PORT":                   setInt(func(c *Config) *int { return &c.Database.MongoPort }),
	"MONGODB_DATABASE":               setString(func(c *Config) *string { return &c.Database.MongoDatabase }),
	"MONGODB_SIGNATURE_COLLECTION":   setString(func(c *Config) *string { return &c.Database.SignatureCollection }),
	"MONGODB_REPORT_COLLECTION":      setString(func(c *Config) *string { return &c.Database.ReportCollection }),
	"MONGODB_AUDIT_TRAIL_COLLECTION": setString(func(c *Config) *string { return &c.Database.AuditTrailCollection }),

	"REDIS_HOST":  setString(func(c *Config) *string { return &c.Redis.Host }),
	"REDIS_PORT":  setInt(func(c *Config) *int { return &c.Redis.Port }),
	"REDIS_QUEUE": setString(func(c *Config) *string { return &c.Redis.Queue }),

	"INTEGRITY_TASK_ENABLED":   setBool(func(c *Config) *bool { return &c.Integrity.Enabled }),
	"INTEGRITY_TASK_CRON":      setString(func(c *Config) *string { return &c.Integrity.Cron }),
	"INTEGRITY_TASK_QUEUE":     setString(func(c *Config) *string { return &c.Integrity.Queue }),
	"PURGE_FILES_TASK_ENABLED": setBool(func(c *Config) *bool { return &c.PurgeFiles.Enabled }),
	"PURGE_FILES_TASK_CRON":    setString(func(c *Config) *string { return &c.PurgeFiles.Cron }),
	"PURGE_FILES_TASK_QUEUE":   setString(func(c *Config) *string { return &c.PurgeFiles.Queue }),

	"NOTIFICATION_API_URL":                setString(func(c *Config) *string { return &c.Notification.APIURL }),
	"NOTIFICATION_INTEGRITY_REPORT_LEVEL": setString(func(c *Config) *string { return &c.Notification.IntegrityReportLevel }),
	"NOTIFICATION_RECIPIENT": func(c *Config, v string) error {
		c.Notification.Recipient = nil
		for _, r := range strings.Split(v, ",") {
			if r = strings.TrimSpace(r); r != "" {
				c.Notification.Recipient = append(c.Notification.Recipient, r)
			}
		}
		return nil
	},
}

// ApplyEnv overrides configuration values from the environment. lookup is
// usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	for key, set := range envKeys {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		if err := set(c, v); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		}
	}
	return errors.Join(errs...)
}

// Settings flattens the configuration into key/value pairs for display.
func (c *Config) Settings() map[string]string {
	return map[string]string{
		"base_dir":                            c.BaseDir,
		"log_dir":                             c.LogDir,
		"log_level":                           c.LogLevel,
		"signature_dir":                       c.SignatureDir,
		"trash_dir":                           c.TrashDir,
		"index_format":                        c.IndexFormat,
		"kmer_size":                           strconv.Itoa(c.KmerSize),
		"database.type":                       c.Database.Type,
		"redis":                               c.Redis.Addr(),
		"redis_queue":                         c.Redis.Queue,
		"integrity_task_enabled":              strconv.FormatBool(c.Integrity.Enabled),
		"integrity_task_cron":                 c.Integrity.Cron,
		"purge_files_task_enabled":            strconv.FormatBool(c.PurgeFiles.Enabled),
		"purge_files_task_cron":               c.PurgeFiles.Cron,
		"notification_api_url":                c.Notification.APIURL,
		"notification_recipient":              strings.Join(c.Notification.Recipient, ","),
		"notification_integrity_report_level": c.Notification.IntegrityReportLevel,
		"archive.type":                        c.Archive.Type,
	}
}
