// Package tasks maps queued task names onto Service operations.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"minhash-go/internal/cluster"
	"minhash-go/internal/errclass"
	"minhash-go/internal/minhash"
	"minhash-go/internal/queue"
)

// DispatchPath is the only function path a worker will execute.
const DispatchPath = "minhash.dispatch.dispatch_job"

const (
	AddSignature          = "add_signature"
	RemoveSignature       = "remove_signature"
	CheckSignature        = "check_signature"
	AddToIndex            = "add_to_index"
	RemoveFromIndex       = "remove_from_index"
	ExcludeFromAnalysis   = "exclude_from_analysis"
	IncludeInAnalysis     = "include_in_analysis"
	SearchSimilar         = "search_similar"
	ClusterSamples        = "cluster_samples"
	FindSimilarAndCluster = "find_similar_and_cluster"
	CheckDataIntegrity    = "check_data_integrity"
	GetIntegrityReport    = "get_integrity_report"
	CleanupRemovedFiles   = "cleanup_removed_files"
)

// Index mutations wait for the index lock, so they are retried.
var retryPolicies = map[string]queue.Retry{
	AddToIndex:      {Max: 3, Interval: 60},
	RemoveFromIndex: {Max: 3, Interval: 60},
}

type handler func(ctx context.Context, svc *minhash.Service, kwargs json.RawMessage) (any, error)

var registry = map[string]handler{
	AddSignature: func(ctx context.Context, svc *minhash.Service, kwargs json.RawMessage) (any, error) {
		args, err := decode[addSignatureArgs](AddSignature, kwargs)
		if err != nil {
			return nil, err
		}
		data, err := args.data()
		if err != nil {
			return nil, err
		}
		return svc.AddSignature(ctx, args.SampleID, data)
	},
	RemoveSignature: func(ctx context.Context, svc *minhash.Service, kwargs json.RawMessage) (any, error) {
		args, err := decode[sampleArgs](RemoveSignature, kwargs)
		if err != nil {
			return nil, err
		}
		return nil, svc.RemoveSignature(ctx, args.SampleID)
	},
	CheckSignature: func(ctx context.Context, svc *minhash.Service, kwargs json.RawMessage) (any, error) {
		args, err := decode[sampleArgs](CheckSignature, kwargs)
		if err != nil {
			return nil, err
		}
		status, err := svc.CheckSignature(ctx, args.SampleID)
		if err != nil {
			return nil, err
		}
		return checkResult{
			Exists:   status.Exists,
			Checksum: status.SignatureChecksum,
			Indexed:  status.HasBeenIndexed,
			Excluded: status.ExcludeFromAnalysis,
		}, nil
	},
	AddToIndex: func(ctx context.Context, svc *minhash.Service, kwargs json.RawMessage) (any, error) {
		args, err := decode[sampleListArgs](AddToIndex, kwargs)
		if err != nil {
			return nil, err
		}
		if err := args.validate(); err != nil {
			return nil, err
		}
		return svc.AddToIndex(ctx, args.SampleIDs)
	},
	RemoveFromIndex: func(ctx context.Context, svc *minhash.Service, kwargs json.RawMessage) (any, error) {
		args, err := decode[sampleListArgs](RemoveFromIndex, kwargs)
		if err != nil {
			return nil, err
		}
		if err := args.validate(); err != nil {
			return nil, err
		}
		return svc.RemoveFromIndex(ctx, args.SampleIDs)
	},
	ExcludeFromAnalysis: func(ctx context.Context, svc *minhash.Service, kwargs json.RawMessage) (any, error) {
		args, err := decode[sampleListArgs](ExcludeFromAnalysis, kwargs)
		if err != nil {
			return nil, err
		}
		if err := args.validate(); err != nil {
			return nil, err
		}
		return svc.ExcludeFromAnalysis(ctx, args.SampleIDs)
	},
	IncludeInAnalysis: func(ctx context.Context, svc *minhash.Service, kwargs json.RawMessage) (any, error) {
		args, err := decode[sampleListArgs](IncludeInAnalysis, kwargs)
		if err != nil {
			return nil, err
		}
		if err := args.validate(); err != nil {
			return nil, err
		}
		return svc.IncludeInAnalysis(ctx, args.SampleIDs)
	},
	SearchSimilar: func(ctx context.Context, svc *minhash.Service, kwargs json.RawMessage) (any, error) {
		args, err := decode[searchArgs](SearchSimilar, kwargs)
		if err != nil {
			return nil, err
		}
		opts, err := args.options()
		if err != nil {
			return nil, err
		}
		return svc.SearchSimilar(ctx, args.SampleID, opts)
	},
	ClusterSamples: func(ctx context.Context, svc *minhash.Service, kwargs json.RawMessage) (any, error) {
		args, err := decode[clusterArgs](ClusterSamples, kwargs)
		if err != nil {
			return nil, err
		}
		return svc.ClusterSamples(ctx, args.SampleIDs, cluster.Method(args.ClusterMethod))
	},
	FindSimilarAndCluster: func(ctx context.Context, svc *minhash.Service, kwargs json.RawMessage) (any, error) {
		args, err := decode[searchArgs](FindSimilarAndCluster, kwargs)
		if err != nil {
			return nil, err
		}
		opts, err := args.options()
		if err != nil {
			return nil, err
		}
		return svc.FindSimilarAndCluster(ctx, args.SampleID, opts, cluster.Method(args.ClusterMethod))
	},
	CheckDataIntegrity: func(ctx context.Context, svc *minhash.Service, kwargs json.RawMessage) (any, error) {
		args, err := decode[integrityArgs](CheckDataIntegrity, kwargs)
		if err != nil {
			return nil, err
		}
		by, err := args.initiatedBy()
		if err != nil {
			return nil, err
		}
		store := args.StoreReport == nil || *args.StoreReport
		return svc.CheckDataIntegrity(ctx, by, store)
	},
	GetIntegrityReport: func(ctx context.Context, svc *minhash.Service, kwargs json.RawMessage) (any, error) {
		if _, err := decode[noArgs](GetIntegrityReport, kwargs); err != nil {
			return nil, err
		}
		return svc.GetIntegrityReport(ctx)
	},
	CleanupRemovedFiles: func(ctx context.Context, svc *minhash.Service, kwargs json.RawMessage) (any, error) {
		if _, err := decode[noArgs](CleanupRemovedFiles, kwargs); err != nil {
			return nil, err
		}
		return svc.CleanupRemovedFiles(ctx)
	},
}

type checkResult struct {
	Exists   bool   `json:"exists"`
	Checksum string `json:"checksum,omitempty"`
	Indexed  bool   `json:"indexed"`
	Excluded bool   `json:"excluded"`
}

// Names lists the registered tasks in sorted order.
func Names() []string {
	return slices.Sorted(maps.Keys(registry))
}

// NewPayload builds a dispatchable payload for task, attaching the task's
// retry policy.
func NewPayload(task string, kwargs any, dependsOn ...string) (queue.Payload, error) {
	if _, ok := registry[task]; !ok {
		return queue.Payload{}, errclass.ErrInvalidTask.WithMessagef("unknown task %q", task)
	}
	p := queue.Payload{FunctionPath: DispatchPath, Task: task, DependsOn: dependsOn}
	if kwargs != nil {
		raw, err := json.Marshal(kwargs)
		if err != nil {
			return queue.Payload{}, fmt.Errorf("encoding arguments of %s: %w", task, err)
		}
		p.Kwargs = raw
	}
	if policy, ok := retryPolicies[task]; ok {
		p.Retry = &policy
	}
	return p, nil
}

// Dispatcher is the worker's queue.Handler. It refuses payloads that do not
// name the dispatch entry point and tasks that are not registered.
type Dispatcher struct {
	svc    *minhash.Service
	logger minhash.Logger
}

var _ queue.Handler = (*Dispatcher)(nil)

func NewDispatcher(svc *minhash.Service, logger minhash.Logger) *Dispatcher {
	if logger == nil {
		logger = minhash.NewNopLogger()
	}
	return &Dispatcher{svc: svc, logger: logger}
}

func (d *Dispatcher) Handle(ctx context.Context, p queue.Payload) (any, error) {
	if p.FunctionPath != DispatchPath {
		d.logger.Warn("rejected job with foreign function path", "function_path", p.FunctionPath, "task", p.Task)
		err := errclass.ErrInvalidTask.WithMessagef("function path %q is not allowed", p.FunctionPath)
		d.svc.RecordFailure(ctx, p.Task, "", err)
		return nil, err
	}
	h, ok := registry[p.Task]
	if !ok {
		err := errclass.ErrInvalidTask.WithMessagef("unknown task %q", p.Task)
		d.svc.RecordFailure(ctx, p.Task, "", err)
		return nil, err
	}

	result, err := h(ctx, d.svc, p.Kwargs)
	if err != nil {
		d.svc.RecordFailure(ctx, p.Task, sampleIDOf(p.Kwargs), err)
		return nil, err
	}
	return result, nil
}

// sampleIDOf extracts sample_id for audit events, if the task has one.
func sampleIDOf(kwargs json.RawMessage) string {
	var args struct {
		SampleID string `json:"sample_id"`
	}
	if err := json.Unmarshal(kwargs, &args); err != nil {
		return ""
	}
	return args.SampleID
}
