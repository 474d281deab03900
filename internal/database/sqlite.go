package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/mattn/go-sqlite3"

	"minhash-go/internal/database/migrations"
	"minhash-go/internal/errclass"
	"minhash-go/internal/minhash"
)

const pageSize = 500

const signatureColumns = `id, version, sample_id, signature_path, file_checksum, signature_checksum,
	has_been_indexed, indexed_at, exclude_from_analysis, marked_for_deletion, uploaded_at`

// SQLiteDatabase implements minhash.Database using SQLite.
type SQLiteDatabase struct {
	db    *sql.DB
	path  string
	idgen minhash.IDGenerator
}

var _ minhash.Database = (*SQLiteDatabase)(nil)

// NewSQLiteDatabase opens the database at path and migrates it to the latest
// schema. path can be a file path or ":memory:". idgen may be nil.
func NewSQLiteDatabase(path string, idgen minhash.IDGenerator) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if st, err := migrations.Inspect(db); err == nil && st.Current > st.Latest {
		db.Close()
		return nil, errclass.ErrNotSupported.WithMessagef("database %s has schema %d, newer than this build", path, st.Current)
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return NewSQLiteDatabaseFromDB(db, path, idgen), nil
}

// NewSQLiteDatabaseFromDB wraps an existing, already migrated connection.
func NewSQLiteDatabaseFromDB(db *sql.DB, path string, idgen minhash.IDGenerator) *SQLiteDatabase {
	if idgen == nil {
		idgen = minhash.UUIDGenerator{}
	}
	return &SQLiteDatabase{db: db, path: path, idgen: idgen}
}

// OpenConnection opens and configures a SQLite connection pool. An
// in-memory database is limited to one connection, since every connection
// would otherwise see its own empty database.
func OpenConnection(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func (s *SQLiteDatabase) Close() error {
	return s.db.Close()
}

// EnsureIndexes brings the schema, including its indexes, up to date.
func (s *SQLiteDatabase) EnsureIndexes(ctx context.Context) error {
	if err := migrations.MigrateUp(s.db); err != nil {
		return err
	}
	return migrations.Check(s.db)
}

// Signature records

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*minhash.SignatureRecord, error) {
	var rec minhash.SignatureRecord
	var indexedAt sql.NullTime
	err := row.Scan(&rec.ID, &rec.Version, &rec.SampleID, &rec.SignaturePath, &rec.FileChecksum,
		&rec.SignatureChecksum, &rec.HasBeenIndexed, &indexedAt, &rec.ExcludeFromAnalysis,
		&rec.MarkedForDeletion, &rec.UploadedAt)
	if err != nil {
		return nil, err
	}
	rec.UploadedAt = rec.UploadedAt.UTC()
	if indexedAt.Valid {
		t := indexedAt.Time.UTC()
		rec.IndexedAt = &t
	}
	return &rec, nil
}

func (s *SQLiteDatabase) AddSignature(ctx context.Context, rec *minhash.SignatureRecord) (string, error) {
	id := s.idgen.New()
	version := rec.Version
	if version == 0 {
		version = minhash.RecordVersion
	}
	uploadedAt := rec.UploadedAt
	if uploadedAt.IsZero() {
		uploadedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO signatures (`+signatureColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, version, rec.SampleID, rec.SignaturePath, rec.FileChecksum, rec.SignatureChecksum,
		rec.HasBeenIndexed, nullTime(rec.IndexedAt), rec.ExcludeFromAnalysis, rec.MarkedForDeletion,
		uploadedAt.UTC())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return "", errclass.ErrAlreadyExists.WithMessagef("sample %s", rec.SampleID)
		}
		return "", fmt.Errorf("inserting signature record: %w", err)
	}
	return id, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func (s *SQLiteDatabase) GetBySampleIDOrChecksum(ctx context.Context, sampleID, checksum string) (*minhash.SignatureRecord, error) {
	if (sampleID == "") == (checksum == "") {
		return nil, errclass.ErrMalformed.WithMessage("exactly one of sample id and checksum is required")
	}

	query := `SELECT ` + signatureColumns + ` FROM signatures WHERE sample_id = ?`
	arg := sampleID
	if checksum != "" {
		query = `SELECT ` + signatureColumns + ` FROM signatures WHERE signature_checksum = ? ORDER BY sample_id LIMIT 1`
		arg = checksum
	}

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding signature record: %w", err)
	}
	return rec, nil
}

func (s *SQLiteDatabase) GetAllSignatures(ctx context.Context) iter.Seq2[*minhash.SignatureRecord, error] {
	return s.iterate(ctx, "1 = 1", 0)
}

func (s *SQLiteDatabase) GetUnindexedSignatures(ctx context.Context, limit int) iter.Seq2[*minhash.SignatureRecord, error] {
	return s.iterate(ctx, "has_been_indexed = 0", limit)
}

// iterate pages through records in sample id order. Each page is read in
// full before it is yielded, so callers may query the database while
// iterating.
func (s *SQLiteDatabase) iterate(ctx context.Context, where string, limit int) iter.Seq2[*minhash.SignatureRecord, error] {
	return minhash.Once(func(yield func(*minhash.SignatureRecord, error) bool) {
		last := ""
		yielded := 0
		for {
			n := pageSize
			if limit > 0 && limit-yielded < n {
				n = limit - yielded
			}
			if n <= 0 {
				return
			}
			page, err := s.page(ctx, where, last, n)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
				yielded++
			}
			if len(page) < n {
				return
			}
			last = page[len(page)-1].SampleID
		}
	})
}

func (s *SQLiteDatabase) page(ctx context.Context, where, after string, n int) ([]*minhash.SignatureRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+signatureColumns+` FROM signatures
		WHERE sample_id > ? AND `+where+` ORDER BY sample_id LIMIT ?`, after, n)
	if err != nil {
		return nil, fmt.Errorf("listing signature records: %w", err)
	}
	defer rows.Close()

	var out []*minhash.SignatureRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning signature record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteDatabase) FindBySignatureChecksum(ctx context.Context, checksum string) ([]*minhash.SignatureRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+signatureColumns+` FROM signatures
		WHERE signature_checksum = ? ORDER BY sample_id`, checksum)
	if err != nil {
		return nil, fmt.Errorf("finding records by checksum: %w", err)
	}
	defer rows.Close()

	var out []*minhash.SignatureRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning signature record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteDatabase) CountByChecksum(ctx context.Context, checksum string) (int64, error) {
	return s.count(ctx, "signature_checksum", checksum)
}

func (s *SQLiteDatabase) CountByFileChecksum(ctx context.Context, checksum string) (int64, error) {
	return s.count(ctx, "file_checksum", checksum)
}

func (s *SQLiteDatabase) count(ctx context.Context, column, value string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM signatures WHERE `+column+` = ?`, value).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting records by %s: %w", column, err)
	}
	return n, nil
}

// update runs a conditional UPDATE and reports whether a row changed.
func (s *SQLiteDatabase) update(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("updating signature record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("updating signature record: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteDatabase) MarkIndexed(ctx context.Context, sampleID string, at time.Time) (bool, error) {
	return s.update(ctx, `UPDATE signatures SET has_been_indexed = 1, indexed_at = ?
		WHERE sample_id = ? AND has_been_indexed = 0`, at.UTC(), sampleID)
}

func (s *SQLiteDatabase) UnmarkIndexed(ctx context.Context, sampleID string) (bool, error) {
	return s.update(ctx, `UPDATE signatures SET has_been_indexed = 0, indexed_at = NULL
		WHERE sample_id = ? AND has_been_indexed = 1`, sampleID)
}

func (s *SQLiteDatabase) ExcludeFromAnalysis(ctx context.Context, sampleID string) (bool, error) {
	return s.update(ctx, `UPDATE signatures SET exclude_from_analysis = 1
		WHERE sample_id = ? AND exclude_from_analysis = 0`, sampleID)
}

func (s *SQLiteDatabase) IncludeInAnalysis(ctx context.Context, sampleID string) (bool, error) {
	return s.update(ctx, `UPDATE signatures SET exclude_from_analysis = 0
		WHERE sample_id = ? AND exclude_from_analysis = 1`, sampleID)
}

func (s *SQLiteDatabase) MarkForDeletion(ctx context.Context, sampleID string) (bool, error) {
	return s.update(ctx, `UPDATE signatures SET marked_for_deletion = 1
		WHERE sample_id = ? AND marked_for_deletion = 0`, sampleID)
}

func (s *SQLiteDatabase) RemoveBySampleID(ctx context.Context, sampleID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM signatures WHERE sample_id = ?`, sampleID)
	if err != nil {
		return 0, fmt.Errorf("removing signature record: %w", err)
	}
	return res.RowsAffected()
}

// Audit trail

func (s *SQLiteDatabase) LogEvent(ctx context.Context, event *minhash.AuditEvent) (string, error) {
	id := s.idgen.New()
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	var metadata sql.NullString
	if len(event.Metadata) > 0 {
		data, err := json.Marshal(event.Metadata)
		if err != nil {
			return "", fmt.Errorf("encoding audit metadata: %w", err)
		}
		metadata = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_events
		(id, event_type, sample_id, timestamp, details, user_id, metadata) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, string(event.EventType), nullString(event.SampleID), ts.UTC(),
		nullString(event.Details), nullString(event.UserID), metadata)
	if err != nil {
		return "", fmt.Errorf("inserting audit event: %w", err)
	}
	return id, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Events returns the audit events for a sample in insertion order. An
// empty sampleID returns every event.
func (s *SQLiteDatabase) Events(ctx context.Context, sampleID string) ([]*minhash.AuditEvent, error) {
	query := `SELECT id, event_type, sample_id, timestamp, details, user_id, metadata FROM audit_events`
	var args []any
	if sampleID != "" {
		query += ` WHERE sample_id = ?`
		args = append(args, sampleID)
	}
	query += ` ORDER BY rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing audit events: %w", err)
	}
	defer rows.Close()

	var out []*minhash.AuditEvent
	for rows.Next() {
		var e minhash.AuditEvent
		var eventType string
		var sample, details, user, metadata sql.NullString
		if err := rows.Scan(&e.ID, &eventType, &sample, &e.Timestamp, &details, &user, &metadata); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		e.EventType = minhash.EventType(eventType)
		e.SampleID, e.Details, e.UserID = sample.String, details.String, user.String
		e.Timestamp = e.Timestamp.UTC()
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("decoding audit metadata: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Integrity reports

func (s *SQLiteDatabase) SaveReport(ctx context.Context, r *minhash.IntegrityReport) (string, error) {
	id := s.idgen.New()
	lists := make([]string, 4)
	for i, l := range [][]string{r.MissingFiles, r.CorruptedFiles, r.ShouldBeIndexed, r.ShouldNotBeIndexed} {
		if l == nil {
			l = []string{}
		}
		data, err := json.Marshal(l)
		if err != nil {
			return "", fmt.Errorf("encoding report: %w", err)
		}
		lists[i] = string(data)
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO integrity_reports
		(id, timestamp, initiated_by, duration_s, sw_version, total_records, total_indexed,
		 missing_files, corrupted_files, should_be_indexed, should_not_be_indexed,
		 has_errors, has_warnings, error_count, warning_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, r.Timestamp.UTC(), string(r.InitiatedBy), r.DurationSeconds, r.SWVersion,
		r.TotalRecords, r.TotalIndexed, lists[0], lists[1], lists[2], lists[3],
		r.HasErrors(), r.HasWarnings(), r.ErrorCount(), r.WarningCount())
	if err != nil {
		return "", fmt.Errorf("inserting integrity report: %w", err)
	}
	return id, nil
}

func (s *SQLiteDatabase) LatestReport(ctx context.Context) (*minhash.IntegrityReport, error) {
	var r minhash.IntegrityReport
	var initiatedBy string
	lists := make([]string, 4)
	err := s.db.QueryRowContext(ctx, `SELECT id, timestamp, initiated_by, duration_s, sw_version,
		total_records, total_indexed, missing_files, corrupted_files, should_be_indexed, should_not_be_indexed
		FROM integrity_reports ORDER BY timestamp DESC, rowid DESC LIMIT 1`).Scan(
		&r.ID, &r.Timestamp, &initiatedBy, &r.DurationSeconds, &r.SWVersion, &r.TotalRecords,
		&r.TotalIndexed, &lists[0], &lists[1], &lists[2], &lists[3])
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding latest integrity report: %w", err)
	}
	r.InitiatedBy = minhash.InitiatedBy(initiatedBy)
	r.Timestamp = r.Timestamp.UTC()
	for i, dst := range []*[]string{&r.MissingFiles, &r.CorruptedFiles, &r.ShouldBeIndexed, &r.ShouldNotBeIndexed} {
		if err := json.Unmarshal([]byte(lists[i]), dst); err != nil {
			return nil, fmt.Errorf("decoding report: %w", err)
		}
	}
	return &r, nil
}
