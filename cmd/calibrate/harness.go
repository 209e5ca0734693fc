package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/banshee-data/modelsweep/internal/calibrate"
	"github.com/banshee-data/modelsweep/internal/config"
	"github.com/banshee-data/modelsweep/internal/db"
	"github.com/banshee-data/modelsweep/internal/modelstore"
	"github.com/banshee-data/modelsweep/internal/monitoring"
)

var logf = monitoring.Component("calibrate")

// harness is the wired set of collaborators every command shares.
type harness struct {
	cfg      *config.HarnessConfig
	registry *modelstore.Registry
	results  calibrate.ResultStore
	db       *db.DB
	coord    *calibrate.Coordinator
}

func configFlag(fs *flag.FlagSet) *string {
	return fs.String("config", "", "Harness config file (.json); defaults apply when empty")
}

func loadConfig(path string) (*config.HarnessConfig, error) {
	if path == "" {
		return config.EmptyHarnessConfig(), nil
	}
	return config.LoadHarnessConfig(path)
}

// newHarness scans the models directory, opens the result store and builds
// the coordinator. Results go to SQLite when db_path is set.
func newHarness(cfg *config.HarnessConfig) (*harness, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := calibrate.ParseFailurePolicy(cfg.GetFailurePolicy())
	if err != nil {
		return nil, err
	}

	h := &harness{cfg: cfg, registry: modelstore.NewRegistry(cfg.GetModelsDir())}
	if _, err := h.registry.Scan(); err != nil {
		return nil, fmt.Errorf("failed to scan models: %w", err)
	}

	if path := cfg.GetDBPath(); path != "" {
		if h.db, err = db.NewDB(path); err != nil {
			return nil, fmt.Errorf("failed to open results database: %w", err)
		}
		h.results = db.NewResultStore(h.db)
	} else {
		h.results = calibrate.NewMemoryResultStore()
	}

	h.coord, err = calibrate.NewCoordinator(
		calibrate.CoordinatorConfig{
			DefaultModel:    cfg.GetDefaultModel(),
			MaxConcurrent:   cfg.GetMaxConcurrentRuns(),
			FailurePolicy:   policy,
			MaxPermutations: cfg.GetMaxPermutations(),
			KeepRunDirs:     cfg.GetKeepRunDirs(),
		},
		calibrate.CoordinatorDeps{
			Registry: h.registry,
			Executor: calibrate.NewProcessExecutor(cfg.GetWorkDir(), cfg.GetModelExecutable(), cfg.GetModelArgs(), cfg.GetRunTimeout()),
			Reader:   calibrate.CSVValueReader{},
			Archiver: calibrate.ZipArchiver{Dir: cfg.GetArchiveDir()},
			Results:  h.results,
		},
	)
	if err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

func (h *harness) Close() error {
	if h.db != nil {
		return h.db.Close()
	}
	return nil
}

// jobPruner forgets finished jobs; *api.Server implements it.
type jobPruner interface {
	PruneJobs(cutoff time.Time) int
}

// pruneOnce removes results and failed jobs older than retention.
func pruneOnce(ctx context.Context, store calibrate.ResultStore, jobs jobPruner, retention time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-retention)
	if jobs != nil {
		jobs.PruneJobs(cutoff)
	}
	return store.PruneOlderThan(ctx, cutoff)
}

// retentionInterval is how often the serve loop prunes.
func retentionInterval(retention time.Duration) time.Duration {
	const maxInterval = time.Hour
	if iv := retention / 10; iv > 0 && iv < maxInterval {
		return iv
	}
	return maxInterval
}

func runRetention(ctx context.Context, store calibrate.ResultStore, jobs jobPruner, retention time.Duration) {
	ticker := time.NewTicker(retentionInterval(retention))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := pruneOnce(ctx, store, jobs, retention, now)
			if err != nil {
				logf("retention prune failed: %v", err)
				continue
			}
			if n > 0 {
				logf("pruned %d results older than %s", n, retention)
			}
		}
	}
}
