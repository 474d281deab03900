package minhash_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"minhash-go/internal/filestore"
	"minhash-go/internal/index"
	"minhash-go/internal/integrity"
	"minhash-go/internal/minhash"
	"minhash-go/internal/testutil"
)

type env struct {
	svc      *minhash.Service
	db       minhash.Database
	files    *filestore.Store
	index    *index.Store
	clock    *testutil.StubClock
	notifier *recordingNotifier
	archiver *recordingArchiver
	trashDir string
}

type envOption func(*env, *minhash.ServiceConfig, *minhash.Deps)

func withConfig(fn func(*minhash.ServiceConfig)) envOption {
	return func(_ *env, cfg *minhash.ServiceConfig, _ *minhash.Deps) { fn(cfg) }
}

func withArchiver() envOption {
	return func(e *env, _ *minhash.ServiceConfig, deps *minhash.Deps) { deps.Archiver = e.archiver }
}

func withoutNotifier() envOption {
	return func(_ *env, _ *minhash.ServiceConfig, deps *minhash.Deps) { deps.Notifier = nil }
}

func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()
	base := t.TempDir()
	clock := testutil.FixedClock()
	trashDir := filepath.Join(base, "trash")

	files, err := filestore.NewStore(filepath.Join(base, "sigs"), trashDir, minhash.NewNopLogger(), clock)
	require.NoError(t, err)
	idx, err := index.NewStore(index.Options{
		Format:          index.FormatSBT,
		Path:            index.DefaultPath(files.Root(), index.FormatSBT),
		KSize:           testutil.KSize,
		LockTimeout:     time.Second,
		CreateIfMissing: true,
		BloomCapacity:   1000,
	})
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	db := testutil.NewTestDatabase(t)
	e := &env{
		db:       db,
		files:    files,
		index:    idx,
		clock:    clock,
		notifier: &recordingNotifier{},
		archiver: &recordingArchiver{},
		trashDir: trashDir,
	}

	cfg := minhash.ServiceConfig{KmerSize: testutil.KSize, OrphanGrace: time.Hour}
	deps := minhash.Deps{
		Database: db,
		Files:    files,
		Index:    idx,
		Checker:  integrity.NewChecker(db, files, idx, clock, "test"),
		Notifier: e.notifier,
		Clock:    clock,
	}
	for _, opt := range opts {
		opt(e, &cfg, &deps)
	}
	e.svc = minhash.NewService(deps, cfg)
	return e
}

// add uploads a fixture signature whose name is the sample id.
func (e *env) add(t *testing.T, sampleID string, hashes ...uint64) *minhash.SignatureRecord {
	t.Helper()
	rec, err := e.svc.AddSignature(context.Background(), sampleID, testutil.SignatureJSON(t, sampleID, hashes...))
	require.NoError(t, err)
	return rec
}

func (e *env) get(t *testing.T, sampleID string) *minhash.SignatureRecord {
	t.Helper()
	rec, err := e.db.GetBySampleIDOrChecksum(context.Background(), sampleID, "")
	require.NoError(t, err)
	return rec
}

func (e *env) events(t *testing.T, sampleID string) []*minhash.AuditEvent {
	t.Helper()
	events, err := e.db.Events(context.Background(), sampleID)
	require.NoError(t, err)
	return events
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []minhash.Notification
	err  error
}

func (n *recordingNotifier) Send(_ context.Context, msg minhash.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.err
}

type recordingArchiver struct {
	mu       sync.Mutex
	archived []minhash.TrashEntry
	fail     bool
}

func (a *recordingArchiver) Archive(_ context.Context, entry minhash.TrashEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return errors.New("archive unavailable")
	}
	a.archived = append(a.archived, entry)
	return nil
}
