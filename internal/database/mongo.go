package database

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"minhash-go/internal/errclass"
	"minhash-go/internal/minhash"
)

// MongoOptions names the server and collections used by MongoDatabase.
type MongoOptions struct {
	URI                 string
	Database            string
	SignatureCollection string
	ReportCollection    string
	AuditCollection     string
}

// MongoDatabase implements minhash.Database using MongoDB.
type MongoDatabase struct {
	client  *mongo.Client
	sigs    *mongo.Collection
	reports *mongo.Collection
	audit   *mongo.Collection
	idgen   minhash.IDGenerator
}

var _ minhash.Database = (*MongoDatabase)(nil)

type mongoRecord struct {
	ID                  string     `bson:"_id"`
	Version             int        `bson:"version"`
	SampleID            string     `bson:"sample_id"`
	SignaturePath       string     `bson:"signature_path"`
	FileChecksum        string     `bson:"file_checksum"`
	SignatureChecksum   string     `bson:"signature_checksum"`
	HasBeenIndexed      bool       `bson:"has_been_indexed"`
	IndexedAt           *time.Time `bson:"indexed_at,omitempty"`
	ExcludeFromAnalysis bool       `bson:"exclude_from_analysis"`
	MarkedForDeletion   bool       `bson:"marked_for_deletion"`
	UploadedAt          time.Time  `bson:"uploaded_at"`
}

func (r *mongoRecord) toRecord() *minhash.SignatureRecord {
	rec := &minhash.SignatureRecord{
		ID:                  r.ID,
		Version:             r.Version,
		SampleID:            r.SampleID,
		SignaturePath:       r.SignaturePath,
		FileChecksum:        r.FileChecksum,
		SignatureChecksum:   r.SignatureChecksum,
		HasBeenIndexed:      r.HasBeenIndexed,
		ExcludeFromAnalysis: r.ExcludeFromAnalysis,
		MarkedForDeletion:   r.MarkedForDeletion,
		UploadedAt:          r.UploadedAt.UTC(),
	}
	if r.IndexedAt != nil {
		t := r.IndexedAt.UTC()
		rec.IndexedAt = &t
	}
	return rec
}

type mongoEvent struct {
	ID        string            `bson:"_id"`
	EventType string            `bson:"event_type"`
	SampleID  string            `bson:"sample_id,omitempty"`
	Timestamp time.Time         `bson:"timestamp"`
	Details   string            `bson:"details,omitempty"`
	UserID    string            `bson:"user_id,omitempty"`
	Metadata  map[string]string `bson:"metadata,omitempty"`
}

type mongoReport struct {
	ID                 string    `bson:"_id"`
	Timestamp          time.Time `bson:"timestamp"`
	InitiatedBy        string    `bson:"initiated_by"`
	DurationSeconds    float64   `bson:"duration_s"`
	SWVersion          string    `bson:"sw_version"`
	TotalRecords       int       `bson:"total_records"`
	TotalIndexed       int       `bson:"total_indexed"`
	MissingFiles       []string  `bson:"missing_files"`
	CorruptedFiles     []string  `bson:"corrupted_files"`
	ShouldBeIndexed    []string  `bson:"should_be_indexed"`
	ShouldNotBeIndexed []string  `bson:"should_not_be_indexed"`
	HasErrors          bool      `bson:"has_errors"`
	HasWarnings        bool      `bson:"has_warnings"`
	ErrorCount         int       `bson:"error_count"`
	WarningCount       int       `bson:"warning_count"`
}

// NewMongoDatabase connects to the server in opts.URI. idgen may be nil.
func NewMongoDatabase(ctx context.Context, opts MongoOptions, idgen minhash.IDGenerator) (*MongoDatabase, error) {
	if opts.URI == "" || opts.Database == "" {
		return nil, fmt.Errorf("mongodb uri and database are required")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, errclass.ErrExternalUnavailable.Wrap(err, "connecting to mongodb")
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, errclass.ErrExternalUnavailable.Wrap(err, "pinging mongodb")
	}
	if idgen == nil {
		idgen = minhash.UUIDGenerator{}
	}
	db := client.Database(opts.Database)
	return &MongoDatabase{
		client:  client,
		sigs:    db.Collection(orDefault(opts.SignatureCollection, "signatures")),
		reports: db.Collection(orDefault(opts.ReportCollection, "integrity_reports")),
		audit:   db.Collection(orDefault(opts.AuditCollection, "audit_trail")),
		idgen:   idgen,
	}, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func (m *MongoDatabase) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *MongoDatabase) EnsureIndexes(ctx context.Context) error {
	_, err := m.sigs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "sample_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "has_been_indexed", Value: 1}}},
		{Keys: bson.D{{Key: "signature_checksum", Value: 1}}},
		{Keys: bson.D{{Key: "file_checksum", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating signature indexes: %w", err)
	}
	if _, err := m.audit.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: "sample_id", Value: 1}}}); err != nil {
		return fmt.Errorf("creating audit indexes: %w", err)
	}
	if _, err := m.reports.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: "timestamp", Value: -1}}}); err != nil {
		return fmt.Errorf("creating report indexes: %w", err)
	}
	return nil
}

// Signature records

func (m *MongoDatabase) AddSignature(ctx context.Context, rec *minhash.SignatureRecord) (string, error) {
	doc := mongoRecord{
		ID:                  m.idgen.New(),
		Version:             rec.Version,
		SampleID:            rec.SampleID,
		SignaturePath:       rec.SignaturePath,
		FileChecksum:        rec.FileChecksum,
		SignatureChecksum:   rec.SignatureChecksum,
		HasBeenIndexed:      rec.HasBeenIndexed,
		ExcludeFromAnalysis: rec.ExcludeFromAnalysis,
		MarkedForDeletion:   rec.MarkedForDeletion,
		UploadedAt:          rec.UploadedAt.UTC(),
	}
	if doc.Version == 0 {
		doc.Version = minhash.RecordVersion
	}
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now().UTC()
	}
	if rec.IndexedAt != nil {
		t := rec.IndexedAt.UTC()
		doc.IndexedAt = &t
	}

	if _, err := m.sigs.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return "", errclass.ErrAlreadyExists.WithMessagef("sample %s", rec.SampleID)
		}
		return "", fmt.Errorf("inserting signature record: %w", err)
	}
	return doc.ID, nil
}

func (m *MongoDatabase) GetBySampleIDOrChecksum(ctx context.Context, sampleID, checksum string) (*minhash.SignatureRecord, error) {
	if (sampleID == "") == (checksum == "") {
		return nil, errclass.ErrMalformed.WithMessage("exactly one of sample id and checksum is required")
	}
	filter := bson.M{"sample_id": sampleID}
	opts := options.FindOne()
	if checksum != "" {
		filter = bson.M{"signature_checksum": checksum}
		opts.SetSort(bson.D{{Key: "sample_id", Value: 1}})
	}

	var doc mongoRecord
	if err := m.sigs.FindOne(ctx, filter, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding signature record: %w", err)
	}
	return doc.toRecord(), nil
}

func (m *MongoDatabase) GetAllSignatures(ctx context.Context) iter.Seq2[*minhash.SignatureRecord, error] {
	return m.find(ctx, bson.M{}, 0)
}

func (m *MongoDatabase) GetUnindexedSignatures(ctx context.Context, limit int) iter.Seq2[*minhash.SignatureRecord, error] {
	return m.find(ctx, bson.M{"has_been_indexed": false}, limit)
}

func (m *MongoDatabase) find(ctx context.Context, filter bson.M, limit int) iter.Seq2[*minhash.SignatureRecord, error] {
	return minhash.Once(func(yield func(*minhash.SignatureRecord, error) bool) {
		opts := options.Find().SetSort(bson.D{{Key: "sample_id", Value: 1}})
		if limit > 0 {
			opts.SetLimit(int64(limit))
		}
		cur, err := m.sigs.Find(ctx, filter, opts)
		if err != nil {
			yield(nil, fmt.Errorf("listing signature records: %w", err))
			return
		}
		defer cur.Close(context.Background())

		for cur.Next(ctx) {
			var doc mongoRecord
			if err := cur.Decode(&doc); err != nil {
				yield(nil, fmt.Errorf("decoding signature record: %w", err))
				return
			}
			if !yield(doc.toRecord(), nil) {
				return
			}
		}
		if err := cur.Err(); err != nil {
			yield(nil, fmt.Errorf("listing signature records: %w", err))
		}
	})
}

func (m *MongoDatabase) FindBySignatureChecksum(ctx context.Context, checksum string) ([]*minhash.SignatureRecord, error) {
	cur, err := m.sigs.Find(ctx, bson.M{"signature_checksum": checksum},
		options.Find().SetSort(bson.D{{Key: "sample_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("finding records by checksum: %w", err)
	}
	var docs []mongoRecord
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding signature records: %w", err)
	}
	out := make([]*minhash.SignatureRecord, len(docs))
	for i := range docs {
		out[i] = docs[i].toRecord()
	}
	return out, nil
}

func (m *MongoDatabase) CountByChecksum(ctx context.Context, checksum string) (int64, error) {
	return m.count(ctx, "signature_checksum", checksum)
}

func (m *MongoDatabase) CountByFileChecksum(ctx context.Context, checksum string) (int64, error) {
	return m.count(ctx, "file_checksum", checksum)
}

func (m *MongoDatabase) count(ctx context.Context, field, value string) (int64, error) {
	n, err := m.sigs.CountDocuments(ctx, bson.M{field: value})
	if err != nil {
		return 0, fmt.Errorf("counting records by %s: %w", field, err)
	}
	return n, nil
}

// update filters on the current value so that ModifiedCount reports an
// actual change.
func (m *MongoDatabase) update(ctx context.Context, sampleID, field string, from any, set bson.M) (bool, error) {
	res, err := m.sigs.UpdateOne(ctx, bson.M{"sample_id": sampleID, field: from}, set)
	if err != nil {
		return false, fmt.Errorf("updating signature record: %w", err)
	}
	return res.ModifiedCount > 0, nil
}

func (m *MongoDatabase) MarkIndexed(ctx context.Context, sampleID string, at time.Time) (bool, error) {
	return m.update(ctx, sampleID, "has_been_indexed", false,
		bson.M{"$set": bson.M{"has_been_indexed": true, "indexed_at": at.UTC()}})
}

func (m *MongoDatabase) UnmarkIndexed(ctx context.Context, sampleID string) (bool, error) {
	return m.update(ctx, sampleID, "has_been_indexed", true,
		bson.M{"$set": bson.M{"has_been_indexed": false}, "$unset": bson.M{"indexed_at": ""}})
}

func (m *MongoDatabase) ExcludeFromAnalysis(ctx context.Context, sampleID string) (bool, error) {
	return m.update(ctx, sampleID, "exclude_from_analysis", false,
		bson.M{"$set": bson.M{"exclude_from_analysis": true}})
}

func (m *MongoDatabase) IncludeInAnalysis(ctx context.Context, sampleID string) (bool, error) {
	return m.update(ctx, sampleID, "exclude_from_analysis", true,
		bson.M{"$set": bson.M{"exclude_from_analysis": false}})
}

func (m *MongoDatabase) MarkForDeletion(ctx context.Context, sampleID string) (bool, error) {
	return m.update(ctx, sampleID, "marked_for_deletion", false,
		bson.M{"$set": bson.M{"marked_for_deletion": true}})
}

func (m *MongoDatabase) RemoveBySampleID(ctx context.Context, sampleID string) (int64, error) {
	res, err := m.sigs.DeleteOne(ctx, bson.M{"sample_id": sampleID})
	if err != nil {
		return 0, fmt.Errorf("removing signature record: %w", err)
	}
	return res.DeletedCount, nil
}

// Audit trail

func (m *MongoDatabase) LogEvent(ctx context.Context, event *minhash.AuditEvent) (string, error) {
	doc := mongoEvent{
		ID:        m.idgen.New(),
		EventType: string(event.EventType),
		SampleID:  event.SampleID,
		Timestamp: event.Timestamp.UTC(),
		Details:   event.Details,
		UserID:    event.UserID,
		Metadata:  event.Metadata,
	}
	if event.Timestamp.IsZero() {
		doc.Timestamp = time.Now().UTC()
	}
	if _, err := m.audit.InsertOne(ctx, doc); err != nil {
		return "", fmt.Errorf("inserting audit event: %w", err)
	}
	return doc.ID, nil
}

func (m *MongoDatabase) Events(ctx context.Context, sampleID string) ([]*minhash.AuditEvent, error) {
	filter := bson.M{}
	if sampleID != "" {
		filter["sample_id"] = sampleID
	}
	cur, err := m.audit.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("listing audit events: %w", err)
	}
	var docs []mongoEvent
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding audit events: %w", err)
	}

	out := make([]*minhash.AuditEvent, 0, len(docs))
	for _, d := range docs {
		out = append(out, &minhash.AuditEvent{
			ID:        d.ID,
			EventType: minhash.EventType(d.EventType),
			SampleID:  d.SampleID,
			Timestamp: d.Timestamp.UTC(),
			Details:   d.Details,
			UserID:    d.UserID,
			Metadata:  d.Metadata,
		})
	}
	return out, nil
}

// Integrity reports

func (m *MongoDatabase) SaveReport(ctx context.Context, r *minhash.IntegrityReport) (string, error) {
	doc := mongoReport{
		ID:                 m.idgen.New(),
		Timestamp:          r.Timestamp.UTC(),
		InitiatedBy:        string(r.InitiatedBy),
		DurationSeconds:    r.DurationSeconds,
		SWVersion:          r.SWVersion,
		TotalRecords:       r.TotalRecords,
		TotalIndexed:       r.TotalIndexed,
		MissingFiles:       nonNil(r.MissingFiles),
		CorruptedFiles:     nonNil(r.CorruptedFiles),
		ShouldBeIndexed:    nonNil(r.ShouldBeIndexed),
		ShouldNotBeIndexed: nonNil(r.ShouldNotBeIndexed),
		HasErrors:          r.HasErrors(),
		HasWarnings:        r.HasWarnings(),
		ErrorCount:         r.ErrorCount(),
		WarningCount:       r.WarningCount(),
	}
	if _, err := m.reports.InsertOne(ctx, doc); err != nil {
		return "", fmt.Errorf("inserting integrity report: %w", err)
	}
	return doc.ID, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (m *MongoDatabase) LatestReport(ctx context.Context) (*minhash.IntegrityReport, error) {
	var doc mongoReport
	opts := options.FindOne().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	if err := m.reports.FindOne(ctx, bson.M{}, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding latest integrity report: %w", err)
	}
	return &minhash.IntegrityReport{
		ID:                 doc.ID,
		Timestamp:          doc.Timestamp.UTC(),
		InitiatedBy:        minhash.InitiatedBy(doc.InitiatedBy),
		DurationSeconds:    doc.DurationSeconds,
		SWVersion:          doc.SWVersion,
		TotalRecords:       doc.TotalRecords,
		TotalIndexed:       doc.TotalIndexed,
		MissingFiles:       nonNil(doc.MissingFiles),
		CorruptedFiles:     nonNil(doc.CorruptedFiles),
		ShouldBeIndexed:    nonNil(doc.ShouldBeIndexed),
		ShouldNotBeIndexed: nonNil(doc.ShouldNotBeIndexed),
	}, nil
}
