// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Mould - A deployment orchestration server that runs typed jobs against
configured environments through loadable resource extensions.

Copyright (C) 2025  The Mould Authors

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.
*/

package job

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"mould/internal/blob"
	"mould/internal/metrics"
	"mould/internal/model"
	"mould/internal/store"
	"mould/pkg/extension"
	"mould/pkg/logging"
)

// Runner executes planned steps detached from the request that triggered
// them. Step records of one run are strictly serialized; resource records of
// one step fan out concurrently.
type Runner struct {
	store     store.Store
	registry  *extension.Registry
	blobs     blob.Store
	pool      *extension.BlockingPool
	evaluator extension.Evaluator
	jobLogDir string
	logger    logging.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	// wg lets tests wait for detached runs to settle.
	wg sync.WaitGroup
}

// NewRunner creates a runner.
func NewRunner(st store.Store, registry *extension.Registry, blobs blob.Store, pool *extension.BlockingPool, evaluator extension.Evaluator, jobLogDir string, logger logging.Logger) *Runner {
	return &Runner{
		store:     st,
		registry:  registry,
		blobs:     blobs,
		pool:      pool,
		evaluator: evaluator,
		jobLogDir: jobLogDir,
		logger:    logger,
		inflight:  make(map[string]struct{}),
	}
}

// Start launches plan execution for recordID in a detached task. Client
// disconnects never cancel a run, so the task is rooted in a fresh context.
func (r *Runner) Start(recordID string, plan []PlannedStep) {
	r.mu.Lock()
	r.inflight[recordID] = struct{}{}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.inflight, recordID)
			r.mu.Unlock()
		}()
		if err := r.run(context.Background(), recordID, plan); err != nil {
			r.logger.Error("job run failed", logging.NewField("record_id", recordID), logging.NewField("error", err))
		}
	}()
}

// Wait blocks until every detached run has settled. Tests use it; shutdown
// may.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// run drives the plan. It returns early without touching the job record
// when it parks on a Manual step; continue_job re-enters with the remaining
// plan.
func (r *Runner) run(ctx context.Context, recordID string, plan []PlannedStep) error {
	logger := r.logger.WithFields(logging.NewField("record_id", recordID))

	for _, step := range plan {
		if err := r.store.UpdateJobStepRecordStatus(ctx, step.Record.ID, model.StepRunning); err != nil {
			return fmt.Errorf("marking step %s running: %w", step.Record.ID, err)
		}

		if step.Record.StepType == model.StepManual {
			// Parked: an operator decision via continue_job resumes or
			// fails the run from here.
			logger.Info("manual step waiting for operator",
				logging.NewField("step_seq", step.Record.JobStepSeq),
				logging.NewField("step_name", step.Record.StepName))
			return nil
		}

		ok := r.runAutoStep(ctx, logger, step)
		status := model.StepSuccess
		if !ok {
			status = model.StepFailure
		}
		if err := r.store.UpdateJobStepRecordStatus(ctx, step.Record.ID, status); err != nil {
			return fmt.Errorf("marking step %s %s: %w", step.Record.ID, status, err)
		}
		if !ok {
			metrics.JobRuns.WithLabelValues(string(model.RecordFailure)).Inc()
			return r.store.UpdateJobRecordStatus(ctx, recordID, model.RecordFailure)
		}
	}

	metrics.JobRuns.WithLabelValues(string(model.RecordSuccess)).Inc()
	return r.store.UpdateJobRecordStatus(ctx, recordID, model.RecordSuccess)
}

// runAutoStep fans the step out across its resource records and reports
// whether every child succeeded. A failing child does not cancel its
// siblings: the operator gets full diagnostics.
func (r *Runner) runAutoStep(ctx context.Context, logger logging.Logger, step PlannedStep) bool {
	ext, err := r.registry.Get(step.Record.ExtensionID)
	if err != nil {
		logger.Error("extension missing for step",
			logging.NewField("step_seq", step.Record.JobStepSeq),
			logging.NewField("extension_id", step.Record.ExtensionID))
		r.failAllResources(ctx, step, fmt.Sprintf("没有找到扩展: %s", step.Record.ExtensionID))
		return false
	}

	// One context serves the whole fan-out; it carries no per-resource
	// state.
	ec := extension.NewContext(r.blobs, r.pool, r.evaluator, filepath.Join(r.jobLogDir, "tmp"))

	results := make([]bool, len(step.Resources))
	var wg sync.WaitGroup
	for i, resource := range step.Resources {
		wg.Add(1)
		go func(index int, resource *model.JobStepResourceRecord) {
			defer wg.Done()
			results[index] = r.runResource(ctx, ec, ext, step.Record, resource, index)
		}(i, resource)
	}
	wg.Wait()

	for _, ok := range results {
		if !ok {
			return false
		}
	}
	return true
}

func (r *Runner) runResource(ctx context.Context, ec *extension.Context, ext extension.Extension, stepRecord *model.JobStepRecord, resource *model.JobStepResourceRecord, resourceIndex int) bool {
	outputFile := resource.ID + ".log"
	sink := newFileSink(filepath.Join(r.jobLogDir, outputFile), func() error {
		return r.store.SetJobStepResourceRecordOutputFile(ctx, resource.ID, outputFile)
	})
	defer sink.Close()

	if err := r.store.UpdateJobStepResourceRecordStatus(ctx, resource.ID, model.StepRunning); err != nil {
		r.logger.Error("marking resource record running failed",
			logging.NewField("resource_record_id", resource.ID),
			logging.NewField("error", err))
		return false
	}

	err := ext.Handle(ctx,
		json.RawMessage(resource.ExtensionConfiguration),
		stepRecord.OperationID,
		json.RawMessage(stepRecord.OperationParameter),
		ec,
		sink.Append,
		resourceIndex,
	)

	status := model.StepSuccess
	if err != nil {
		// The extension's message lands verbatim in the log as the
		// terminal Error line.
		sink.Append(extension.LogError, err.Error())
		status = model.StepFailure
	}
	metrics.StepResourceRuns.WithLabelValues(string(status), stepRecord.ExtensionID).Inc()
	if updateErr := r.store.UpdateJobStepResourceRecordStatus(ctx, resource.ID, status); updateErr != nil {
		r.logger.Error("marking resource record terminal failed",
			logging.NewField("resource_record_id", resource.ID),
			logging.NewField("error", updateErr))
		return false
	}
	return status == model.StepSuccess
}

// failAllResources lands every pending child of a step in Failure with a
// terminal log line; used when the extension itself cannot be resolved.
func (r *Runner) failAllResources(ctx context.Context, step PlannedStep, message string) {
	for _, resource := range step.Resources {
		outputFile := resource.ID + ".log"
		sink := newFileSink(filepath.Join(r.jobLogDir, outputFile), func() error {
			return r.store.SetJobStepResourceRecordOutputFile(ctx, resource.ID, outputFile)
		})
		sink.Append(extension.LogError, message)
		sink.Close()
		if err := r.store.UpdateJobStepResourceRecordStatus(ctx, resource.ID, model.StepFailure); err != nil {
			r.logger.Error("marking resource record failed",
				logging.NewField("resource_record_id", resource.ID),
				logging.NewField("error", err))
		}
		metrics.StepResourceRuns.WithLabelValues(string(model.StepFailure), step.Record.ExtensionID).Inc()
	}
}

// RecoverOnBoot terminally fails every job record still marked Running with
// no in-memory task. Fail-forward is chosen over journaled resume: without a
// durable journal a half-executed step cannot be replayed safely.
func (r *Runner) RecoverOnBoot(ctx context.Context) error {
	records, err := r.store.ListRunningJobRecords(ctx)
	if err != nil {
		return fmt.Errorf("listing running job records: %w", err)
	}
	for _, record := range records {
		r.mu.Lock()
		_, alive := r.inflight[record.ID]
		r.mu.Unlock()
		if alive {
			continue
		}
		r.logger.Warn("failing job record left running by a previous process",
			logging.NewField("record_id", record.ID))
		if err := r.store.UpdateJobRecordStatus(ctx, record.ID, model.RecordFailure); err != nil {
			return err
		}
		metrics.JobRuns.WithLabelValues(string(model.RecordFailure)).Inc()
	}
	return nil
}
