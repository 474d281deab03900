package database

import (
	"context"

	"minhash-go/internal/config"
	"minhash-go/internal/errclass"
	"minhash-go/internal/minhash"
)

// NewDatabaseFromConfig opens the catalogue backend named by cfg.Type and
// returns it migrated or indexed, ready for use.
func NewDatabaseFromConfig(ctx context.Context, cfg config.DatabaseConfig) (minhash.Database, error) {
	var (
		db  minhash.Database
		err error
	)
	switch cfg.Type {
	case "memory":
		db, err = openSQLite(":memory:")
	case "sqlite":
		if cfg.Path == "" {
			return nil, errclass.ErrMalformed.WithMessage("database type sqlite needs database.path")
		}
		db, err = openSQLite(cfg.Path)
	case "mongodb":
		db, err = openMongo(ctx, MongoOptions{
			URI:                 cfg.MongoURI(),
			Database:            cfg.MongoDatabase,
			SignatureCollection: cfg.SignatureCollection,
			ReportCollection:    cfg.ReportCollection,
			AuditCollection:     cfg.AuditTrailCollection,
		})
	default:
		return nil, errclass.ErrMalformed.WithMessagef("unknown database type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	return db, nil
}

func openSQLite(path string) (minhash.Database, error) {
	db, err := NewSQLiteDatabase(path, nil)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func openMongo(ctx context.Context, opts MongoOptions) (minhash.Database, error) {
	db, err := NewMongoDatabase(ctx, opts, nil)
	if err != nil {
		return nil, err
	}
	return db, nil
}
