package minhash

import (
	"context"

	"minhash-go/internal/sketch"
)

// IndexEntry describes one sketch held by an index. Name is the sketch MD5.
type IndexEntry struct {
	Name       string `json:"name"`
	Filename   string `json:"filename"`
	SampleName string `json:"sample_name"`
}

// AddResult reports the outcome of adding sketches to an index.
type AddResult struct {
	OK         bool     `json:"ok"`
	Warnings   []string `json:"warnings"`
	AddedCount int      `json:"added_count"`
	AddedMD5s  []string `json:"added_md5s"`
}

// RemoveResult reports the outcome of removing sketches from an index.
type RemoveResult struct {
	OK           bool     `json:"ok"`
	Warnings     []string `json:"warnings"`
	RemovedCount int      `json:"removed_count"`
	Removed      []string `json:"removed"`
}

// Index is a searchable collection of sketches keyed by MD5.
type Index interface {
	ListSignatures(ctx context.Context) ([]IndexEntry, error)
	// AddSignatures inserts sketches; with dedupe, sketches whose MD5 is
	// already present are skipped.
	AddSignatures(ctx context.Context, sketches []*sketch.Sketch, dedupe bool) (*AddResult, error)
	RemoveSignatures(ctx context.Context, names []string) (*RemoveResult, error)
	Search(ctx context.Context, query *sketch.Sketch, params sketch.SearchParams) ([]sketch.Match, error)
}
