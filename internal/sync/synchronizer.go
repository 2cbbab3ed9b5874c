package sync

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arwahdevops/schemasync/internal/config"
	"github.com/arwahdevops/schemasync/internal/metadata"
	"github.com/arwahdevops/schemasync/internal/metrics"
)

// Options tunes how plans are applied.
type Options struct {
	TransactionMode config.DDLTransactionMode
	// UnmanagedIndexes matches live index names that are never dropped unless declared.
	UnmanagedIndexes *regexp.Regexp
}

// Synchronizer reconciles the declared indexes of every registered entity
// with the live database. Calls are serialized.
type Synchronizer struct {
	mu       sync.Mutex
	registry *metadata.Registry
	factory  QueryRunnerFactory
	opts     Options
	logger   *zap.Logger
	metrics  *metrics.Store
}

var _ SynchronizerInterface = (*Synchronizer)(nil)

func NewSynchronizer(registry *metadata.Registry, factory QueryRunnerFactory, opts Options, logger *zap.Logger, metricsStore *metrics.Store) *Synchronizer {
	if opts.TransactionMode == "" {
		opts.TransactionMode = config.DDLTxAuto
	}
	if metricsStore == nil {
		metricsStore = metrics.NewMetricsStore()
	}
	s := &Synchronizer{
		registry: registry,
		factory:  factory,
		opts:     opts,
		logger:   logger.Named("synchronizer"),
		metrics:  metricsStore,
	}
	s.publishDeclaredCounts(registry)
	return s
}

// Registry returns the registry the next pass will use.
func (s *Synchronizer) Registry() *metadata.Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry
}

// Reload swaps in a rebuilt registry. It waits for a running pass to finish.
func (s *Synchronizer) Reload(registry *metadata.Registry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swapRegistry(registry)
}

// ReloadAndSynchronize swaps in registry and runs a pass over it under one
// lock, so no other reload can take effect in between.
func (s *Synchronizer) ReloadAndSynchronize(ctx context.Context, registry *metadata.Registry, dropFirst bool) (*RunReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swapRegistry(registry)
	return s.runLocked(ctx, dropFirst, false)
}

func (s *Synchronizer) swapRegistry(registry *metadata.Registry) {
	s.registry = registry
	s.publishDeclaredCounts(registry)
	s.logger.Info("Metadata registry replaced.", zap.Int("entities", registry.Len()))
}

// Synchronize runs one pass over every registered entity. A failing table
// does not stop the others; all primary errors are combined in the returned
// error and also recorded per table in the report.
func (s *Synchronizer) Synchronize(ctx context.Context, dropFirst bool) (*RunReport, error) {
	return s.run(ctx, dropFirst, false)
}

// Plan introspects every table and returns what Synchronize(ctx, false)
// would do, without executing DDL.
func (s *Synchronizer) Plan(ctx context.Context) (*RunReport, error) {
	return s.run(ctx, false, true)
}

func (s *Synchronizer) run(ctx context.Context, dropFirst, dryRun bool) (*RunReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runLocked(ctx, dropFirst, dryRun)
}

// runLocked requires s.mu to be held.
func (s *Synchronizer) runLocked(ctx context.Context, dropFirst, dryRun bool) (*RunReport, error) {
	report := &RunReport{
		RunID:     uuid.NewString(),
		DropFirst: dropFirst,
		DryRun:    dryRun,
		StartedAt: time.Now(),
	}
	log := s.logger.With(zap.String("run_id", report.RunID), zap.Bool("drop_first", dropFirst), zap.Bool("dry_run", dryRun))

	if !dryRun {
		s.metrics.SyncRunning.Set(1)
		defer s.metrics.SyncRunning.Set(0)
	}

	entities := s.registry.Entities()
	log.Info("Starting index synchronization.", zap.Int("entities", len(entities)))

	var errs error
	for _, entity := range entities {
		if err := ctx.Err(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("synchronization cancelled before table '%s': %w", entity.Table(), err))
			break
		}
		tr := s.syncEntity(ctx, entity, dropFirst, dryRun, log)
		report.Tables = append(report.Tables, tr)
		if tr.Err != nil {
			errs = multierr.Append(errs, tr.Err)
		}
	}

	report.Duration = time.Since(report.StartedAt)
	mode, result := "apply", "success"
	if dryRun {
		mode = "dry_run"
	} else {
		s.metrics.SyncDuration.Observe(report.Duration.Seconds())
	}
	if errs != nil {
		result = "failure"
	}
	s.metrics.SyncRunsTotal.WithLabelValues(mode, result).Inc()

	if errs != nil {
		log.Error("Index synchronization finished with errors.",
			zap.Int("failed_tables", len(report.Failed())),
			zap.Int("statements_executed", report.ExecutedCount()),
			zap.Duration("duration", report.Duration),
			zap.Error(errs))
	} else {
		log.Info("Index synchronization finished.",
			zap.Int("tables", len(report.Tables)),
			zap.Int("statements_executed", report.ExecutedCount()),
			zap.Duration("duration", report.Duration))
	}
	return report, errs
}

// syncEntity runs one table pass. The runner is released on every path; a
// release failure is recorded in ReleaseErr and never replaces Err.
func (s *Synchronizer) syncEntity(ctx context.Context, entity *metadata.EntityMetadata, dropFirst, dryRun bool, runLog *zap.Logger) (tr TableReport) {
	start := time.Now()
	table := entity.Table()
	log := runLog.With(zap.String("entity", entity.Name()), zap.String("table", table))
	tr = TableReport{Entity: entity.Name(), Table: table}

	defer func() {
		tr.Duration = time.Since(start)
		if dryRun {
			return
		}
		s.metrics.TableSyncDuration.WithLabelValues(table).Observe(tr.Duration.Seconds())
		if tr.Err == nil {
			s.metrics.TableSyncSuccessTotal.WithLabelValues(table).Inc()
		}
	}()

	runner, err := s.factory(ctx)
	if err != nil {
		tr.Err = &IntrospectionError{Table: table, Op: "acquire session", Err: err}
		s.metrics.SyncErrorsTotal.WithLabelValues(metrics.ErrorTypeConnection, table).Inc()
		log.Error("Could not acquire a database session.", zap.Error(err))
		return tr
	}
	defer func() {
		if relErr := runner.Release(); relErr != nil {
			tr.ReleaseErr = &ResourceReleaseError{Table: table, Err: relErr}
			s.metrics.SyncErrorsTotal.WithLabelValues(metrics.ErrorTypeResourceRelease, table).Inc()
			log.Warn("Failed to release database session.", zap.Error(relErr))
		}
	}()

	live, err := runner.LoadTableSchema(ctx, table)
	if err != nil {
		var ie *IntrospectionError
		if !errors.As(err, &ie) {
			err = &IntrospectionError{Table: table, Op: "load table schema", Err: err}
		}
		tr.Err = err
		s.metrics.SyncErrorsTotal.WithLabelValues(metrics.ErrorTypeIntrospection, table).Inc()
		log.Error("Introspection failed; skipping table.", zap.Error(err))
		return tr
	}
	if live == nil {
		log.Warn("Table does not exist; planning creation of every declared index.")
	}

	tr.Plan = PlanTable(table, declaredDefinitions(entity), live, dropFirst, s.opts.UnmanagedIndexes)
	log.Debug("Computed index plan.",
		zap.Int("drops", len(tr.Plan.Drops)),
		zap.Int("creates", len(tr.Plan.Creates)),
		zap.Strings("recreates", tr.Plan.Recreates),
		zap.Strings("unmanaged", tr.Plan.Unmanaged))

	if dryRun || tr.Plan.Empty() {
		return tr
	}

	if s.opts.TransactionMode.Transactional(runner.Dialect()) {
		tr.Executed, tr.Err = s.applyInTransaction(ctx, runner, tr.Plan, log)
	} else {
		tr.Executed, tr.Skipped, tr.Err = s.applySequential(ctx, runner, tr.Plan, log)
	}
	if tr.Err == nil {
		log.Info("Table indexes synchronized.", zap.Int("statements", len(tr.Executed)))
	}
	return tr
}

// applyInTransaction runs the whole table batch in one transaction. The first
// failure abandons the batch and nothing is reported as executed, except on
// dialects whose DDL commits implicitly, where the statements that ran stay applied.
func (s *Synchronizer) applyInTransaction(ctx context.Context, runner QueryRunner, plan TablePlan, log *zap.Logger) ([]DDLOperation, error) {
	var executed []DDLOperation
	err := runner.RunInTransaction(ctx, func(tx QueryRunner) error {
		for _, op := range plan.Operations() {
			if err := s.execute(ctx, tx, op); err != nil {
				return err
			}
			executed = append(executed, op)
		}
		return nil
	})
	if err != nil {
		var de *DDLExecutionError
		if !errors.As(err, &de) {
			err = &DDLExecutionError{Op: "commit", Table: plan.Table, Err: err}
		}
		s.metrics.SyncErrorsTotal.WithLabelValues(metrics.ErrorTypeDDLExecution, plan.Table).Inc()
		if !config.SupportsTransactionalDDL(runner.Dialect()) {
			log.Error("Index batch failed; earlier statements were committed implicitly.",
				zap.Int("executed", len(executed)), zap.Error(err))
			return executed, err
		}
		log.Error("Transactional index batch rolled back.", zap.Error(err))
		return nil, err
	}
	return executed, nil
}

// applySequential runs drops then creates, continuing past failures. A create
// whose same-name drop failed is skipped since it cannot succeed. A drop of an
// index that is already gone counts as done.
func (s *Synchronizer) applySequential(ctx context.Context, runner QueryRunner, plan TablePlan, log *zap.Logger) (executed, skipped []DDLOperation, errs error) {
	failedDrops := make(map[string]bool)

	for _, op := range plan.Drops {
		err := s.execute(ctx, runner, op)
		switch {
		case err == nil:
			executed = append(executed, op)
		case IsIndexAbsentError(err, runner.Dialect()):
			log.Warn("Index was already absent; treating drop as done.", zap.String("index", op.Index.Name))
			executed = append(executed, op)
		default:
			failedDrops[op.Index.Name] = true
			errs = multierr.Append(errs, err)
		}
	}

	for _, op := range plan.Creates {
		if failedDrops[op.Index.Name] {
			log.Warn("Skipping create because dropping the previous definition failed.", zap.String("index", op.Index.Name))
			skipped = append(skipped, op)
			continue
		}
		if err := s.execute(ctx, runner, op); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		executed = append(executed, op)
	}

	if errs != nil {
		s.metrics.SyncErrorsTotal.WithLabelValues(metrics.ErrorTypeDDLExecution, plan.Table).Inc()
		log.Warn("Index batch completed with errors.",
			zap.Int("executed", len(executed)),
			zap.Int("skipped", len(skipped)),
			zap.Error(errs))
	}
	return executed, skipped, errs
}

func (s *Synchronizer) execute(ctx context.Context, runner QueryRunner, op DDLOperation) error {
	var err error
	switch op.Kind {
	case OperationDrop:
		err = runner.DropIndex(ctx, op.Table, op.Index.Name)
	case OperationCreate:
		err = runner.CreateIndex(ctx, op.Table, op.Index)
	default:
		err = fmt.Errorf("unknown operation kind '%s'", op.Kind)
	}
	status := "success"
	if err != nil {
		status = "failure"
		var de *DDLExecutionError
		if !errors.As(err, &de) {
			err = &DDLExecutionError{Op: op.Kind, Table: op.Table, Index: op.Index.Name, Err: err}
		}
	}
	s.metrics.DDLStatementsTotal.WithLabelValues(string(op.Kind), status).Inc()
	return err
}

func (s *Synchronizer) publishDeclaredCounts(registry *metadata.Registry) {
	s.metrics.ManagedIndexes.Reset()
	for _, e := range registry.Entities() {
		s.metrics.ManagedIndexes.WithLabelValues(e.Table()).Set(float64(len(e.Indices())))
	}
}
