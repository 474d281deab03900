package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"minhash-go/internal/config"
	"minhash-go/internal/database"
	"minhash-go/internal/encryption"
	"minhash-go/internal/errclass"
	"minhash-go/internal/filestore"
	"minhash-go/internal/index"
	"minhash-go/internal/integrity"
	"minhash-go/internal/minhash"
	"minhash-go/internal/notify"
	"minhash-go/internal/queue"
	"minhash-go/internal/scheduler"
	"minhash-go/internal/tasks"
	"minhash-go/internal/vault"
	"minhash-go/internal/version"
)

// LoadConfig reads the effective configuration: defaults rooted at the
// base directory, the config file if present, then MINHASH_* overrides.
func LoadConfig() (*config.Config, string, error) {
	loc, err := DefaultLocations()
	if err != nil {
		return nil, "", err
	}
	path := loc.ConfigPath
	cfg, err := config.Load(path, config.NewConfig(loc.Home), os.LookupEnv)
	if err != nil {
		return nil, path, fmt.Errorf("reading config: %w", err)
	}
	return cfg, path, nil
}

// App is the application layer between the CLI and the Service.
// It constructs all dependencies from config and releases them on Close.
// The queue connection is opened on first use.
type App struct {
	cfg       *config.Config
	logger    *slog.Logger
	log       minhash.Logger
	db        minhash.Database
	files     *filestore.Store
	index     *index.Store
	encryptor minhash.Encryptor
	archiver  *vault.Archiver
	service   *minhash.Service
	rdb       *redis.Client
	queue     *queue.Client
	logFile   *os.File
}

// New creates a fully wired App from cfg. component names the running
// process in log lines ("worker", "scheduler", "cli"). The caller must call
// Close when done.
func New(ctx context.Context, cfg *config.Config, component string) (*App, error) {
	logger, logFile, err := newLogger(cfg.LogDir, cfg.LogLevel, component)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	a := &App{cfg: cfg, logger: logger, log: &slogAdapter{l: logger}, logFile: logFile}

	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.cfg
	clock := minhash.RealClock{}

	db, err := database.NewDatabaseFromConfig(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	a.db = db
	if err := db.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("preparing database: %w", err)
	}

	if a.files, err = filestore.NewStore(cfg.SignatureDir, cfg.TrashDir, a.log, clock); err != nil {
		return fmt.Errorf("creating signature store: %w", err)
	}

	format, err := index.ParseFormat(cfg.IndexFormat)
	if err != nil {
		return err
	}
	a.index, err = index.NewStore(index.Options{
		Format:          format,
		Path:            index.DefaultPath(cfg.SignatureDir, format),
		KSize:           cfg.KmerSize,
		LockTimeout:     cfg.Index.LockTimeout.Duration,
		CreateIfMissing: format == index.FormatSBT,
		BloomCapacity:   cfg.Index.BloomCapacity,
		BloomFPRate:     cfg.Index.BloomFPRate,
		Logger:          a.log,
	})
	if err != nil {
		return fmt.Errorf("opening index: %w", err)
	}

	level, err := minhash.ParseNotifyLevel(cfg.Notification.IntegrityReportLevel)
	if err != nil {
		return err
	}

	deps := minhash.Deps{
		Database: db,
		Files:    a.files,
		Index:    a.index,
		Checker:  integrity.NewChecker(db, a.files, a.index, clock, version.Version),
		Logger:   a.log,
		Clock:    clock,
	}
	if level != minhash.NotifyNever {
		n, err := notify.NewClient(cfg.Notification.APIURL, notify.Options{})
		if err != nil {
			return fmt.Errorf("creating notifier: %w", err)
		}
		deps.Notifier = n
	}

	v, err := vault.NewVaultFromConfig(ctx, cfg.Archive)
	if err != nil {
		return fmt.Errorf("creating archive vault: %w", err)
	}
	if a.encryptor, err = encryption.NewEncryptorFromConfig(cfg.Archive); err != nil {
		return fmt.Errorf("creating archive encryptor: %w", err)
	}
	if age, ok := a.encryptor.(*encryption.AgeEncryptor); ok && v != nil && !age.IsConfigured() {
		a.logger.Warn("archive key pair missing, purged trash cannot be archived until `minhash archive setup` runs",
			"public_key", cfg.Archive.PublicKeyPath)
	}
	if v != nil {
		a.archiver = vault.NewArchiver(v, a.encryptor, a.log)
		deps.Archiver = a.archiver
	}

	a.service = minhash.NewService(deps, minhash.ServiceConfig{
		KmerSize:       cfg.KmerSize,
		TrashRetention: cfg.Cleanup.TrashRetention.Duration,
		SweepOrphans:   cfg.Cleanup.SweepOrphans,
		OrphanGrace:    cfg.Cleanup.OrphanGrace.Duration,
		ReportLevel:    level,
		Recipients:     cfg.Notification.Recipient,
	})
	return nil
}

// Logger returns the process logger.
func (a *App) Logger() *slog.Logger { return a.logger }

// Service returns the wired Service.
func (a *App) Service() *minhash.Service { return a.service }

// Queue connects to Redis on first use.
func (a *App) Queue(ctx context.Context) (*queue.Client, error) {
	if a.queue != nil {
		return a.queue, nil
	}
	rdb, err := queue.Dial(ctx, a.cfg.Redis.Addr())
	if err != nil {
		return nil, err
	}
	a.rdb = rdb
	a.queue = queue.NewClient(rdb, queue.Options{ResultTTL: a.cfg.Redis.ResultTTL.Duration, Logger: a.log})
	return a.queue, nil
}

// RunWorker executes jobs from the configured queue until ctx is canceled.
func (a *App) RunWorker(ctx context.Context) error {
	client, err := a.Queue(ctx)
	if err != nil {
		return err
	}
	w := queue.NewWorker(client, tasks.NewDispatcher(a.service, a.log), queue.WorkerOptions{
		Queue:       a.cfg.Redis.Queue,
		JobTimeout:  a.cfg.Redis.JobTimeout.Duration,
		PollTimeout: a.cfg.Redis.PollTimeout.Duration,
		Logger:      a.log,
	})
	a.logger.Info("worker started", "queue", a.cfg.Redis.Queue, "redis", a.cfg.Redis.Addr(), "version", version.Version)
	return w.Run(ctx)
}

// RunScheduler enqueues the enabled periodic tasks until ctx is canceled.
func (a *App) RunScheduler(ctx context.Context) error {
	client, err := a.Queue(ctx)
	if err != nil {
		return err
	}
	s := scheduler.New(client, a.log)
	entries := scheduler.EntriesFromConfig(a.cfg)
	for _, e := range entries {
		if err := s.Register(e); err != nil {
			return err
		}
	}
	if len(entries) == 0 {
		a.logger.Warn("no periodic tasks enabled")
	}
	return s.Run(ctx)
}

// CheckIntegrity runs an integrity check in the calling process.
func (a *App) CheckIntegrity(ctx context.Context, storeReport bool) (*minhash.IntegrityReport, error) {
	return a.service.CheckDataIntegrity(ctx, minhash.InitiatedByUser, storeReport)
}

// Enqueue submits task with JSON-encoded kwargs. An empty queue name means
// the configured queue.
func (a *App) Enqueue(ctx context.Context, task string, kwargs json.RawMessage, dependsOn []string, queueName string) (*queue.Job, error) {
	var args any
	if len(kwargs) > 0 {
		if !json.Valid(kwargs) {
			return nil, errclass.ErrMalformed.WithMessage("kwargs is not valid JSON")
		}
		args = kwargs
	}
	p, err := tasks.NewPayload(task, args, dependsOn...)
	if err != nil {
		return nil, err
	}
	if queueName == "" {
		queueName = a.cfg.Redis.Queue
	}
	client, err := a.Queue(ctx)
	if err != nil {
		return nil, err
	}
	return client.Enqueue(ctx, queueName, p)
}

// JobStatus fetches a job's state and result.
func (a *App) JobStatus(ctx context.Context, id string) (*queue.Job, error) {
	client, err := a.Queue(ctx)
	if err != nil {
		return nil, err
	}
	return client.Fetch(ctx, id)
}

// BuildReverseIndex writes a reverse index holding every indexed sketch and
// returns the number of sketches written.
func (a *App) BuildReverseIndex(ctx context.Context) (int, error) {
	sketches, err := a.service.IndexedSketches(ctx)
	if err != nil {
		return 0, err
	}
	path := index.DefaultPath(a.cfg.SignatureDir, index.FormatReverse)
	start := time.Now()
	n, err := index.BuildReverseIndex(ctx, path, a.cfg.KmerSize, sketches)
	if err != nil {
		return 0, fmt.Errorf("building reverse index: %w", err)
	}
	a.logger.Info("reverse index built", "path", path, "sketches", n, "elapsed", time.Since(start).Round(time.Millisecond))
	return n, nil
}

// RestoreArchived writes an archived signature file to w. passphrase is
// only consulted when archives are encrypted.
func (a *App) RestoreArchived(ctx context.Context, checksum string, w io.Writer, passphrase func() (string, error)) error {
	if a.archiver == nil {
		return errclass.ErrNotSupported.WithMessage("no archive configured")
	}
	var dec minhash.DecryptionContext
	if a.encryptor != nil {
		pass, err := passphrase()
		if err != nil {
			return err
		}
		if dec, err = a.encryptor.Unlock(pass); err != nil {
			return fmt.Errorf("unlocking archive key: %w", err)
		}
	}
	return a.archiver.Restore(ctx, checksum, w, dec)
}

// ArchiveEncrypted reports whether restoring needs a passphrase.
func (a *App) ArchiveEncrypted() bool { return a.encryptor != nil }

// SetupArchiveKeys generates the age key pair used to encrypt archives.
func SetupArchiveKeys(cfg *config.Config, passphrase string) error {
	if cfg.Archive.Encryption != "age" {
		return errclass.ErrNotSupported.WithMessagef("archive encryption is %q, not age", cfg.Archive.Encryption)
	}
	pub := cfg.Archive.PublicKeyPath
	return encryption.NewAgeEncryptor(pub, encryption.PrivateKeyPath(pub)).Setup(passphrase)
}

// Close releases everything New and Queue opened.
func (a *App) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.rdb != nil {
		keep(a.rdb.Close())
	}
	if a.index != nil {
		keep(a.index.Close())
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			keep(fmt.Errorf("closing database: %w", err))
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
