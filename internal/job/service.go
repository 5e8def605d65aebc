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
	"errors"
	"path/filepath"
	"time"

	"mould/internal/errno"
	"mould/internal/model"
	"mould/internal/store"
)

// Service is the RPC-facing surface for starting, continuing and reading
// job runs.
type Service struct {
	store     store.Store
	planner   *Planner
	runner    *Runner
	jobLogDir string
}

// NewService wires the planner and runner behind the job RPCs.
func NewService(st store.Store, planner *Planner, runner *Runner, jobLogDir string) *Service {
	return &Service{store: st, planner: planner, runner: runner, jobLogDir: jobLogDir}
}

// StartJob plans a run and launches it detached. The record id is returned
// to the client immediately.
func (s *Service) StartJob(ctx context.Context, orgID string, jobID string, environmentID string) (string, error) {
	recordID, plan, err := s.planner.Plan(ctx, orgID, jobID, environmentID)
	if err != nil {
		return "", err
	}
	// The in-memory plan is handed over as-is, not re-read from storage.
	s.runner.Start(recordID, plan)
	return recordID, nil
}

// ContinueJob resolves a parked Manual step. success transitions it to
// Success and resumes the remaining steps in a fresh task; failure
// terminally fails both the step and the job record.
func (s *Service) ContinueJob(ctx context.Context, orgID string, recordID string, stepRecordID string, success bool) error {
	var remaining []PlannedStep

	err := s.store.InTx(ctx, func(tx store.Store) error {
		stepRecords, err := tx.ListJobStepRecords(ctx, orgID, recordID)
		if err != nil {
			return err
		}
		if len(stepRecords) == 0 {
			return errno.Common("该任务执行记录不存在")
		}

		var target *model.JobStepRecord
		for _, sr := range stepRecords {
			if sr.ID == stepRecordID {
				target = sr
				break
			}
		}
		if target == nil || target.StepType != model.StepManual {
			return errno.Common("不是进行中的步骤")
		}
		if target.Status != model.StepRunning {
			return errno.Common("不是进行中的步骤")
		}

		status := model.StepSuccess
		if !success {
			status = model.StepFailure
		}
		if err := tx.UpdateJobStepRecordStatus(ctx, target.ID, status); err != nil {
			return err
		}
		if !success {
			return tx.UpdateJobRecordStatus(ctx, recordID, model.RecordFailure)
		}

		resourceRecords, err := tx.ListJobStepResourceRecords(ctx, orgID, recordID)
		if err != nil {
			return err
		}
		remaining = PlanFromRecords(stepRecords, resourceRecords, target.JobStepSeq)
		return nil
	})
	if err != nil {
		return err
	}

	if success {
		if len(remaining) > 0 {
			s.runner.Start(recordID, remaining)
		} else if err := s.store.UpdateJobRecordStatus(ctx, recordID, model.RecordSuccess); err != nil {
			return err
		}
	}
	return nil
}

// RecordView is the read model for one run, with logs inlined.
type RecordView struct {
	ID              string           `json:"id"`
	JobID           string           `json:"job_id"`
	JobName         string           `json:"job_name,omitempty"`
	EnvironmentID   string           `json:"environment_id"`
	EnvironmentName string           `json:"environment_name,omitempty"`
	Status          model.RecordStatus `json:"status"`
	StepRecords     []StepRecordView `json:"step_record_list"`
	CreatedTime     time.Time        `json:"created_time"`
	LastModifiedTime time.Time       `json:"last_modified_time"`
}

// StepRecordView is the read model for one step record.
type StepRecordView struct {
	ID                 string               `json:"id"`
	StepName           string               `json:"step_name"`
	StepType           model.StepType       `json:"step_type"`
	StepRemark         string               `json:"step_remark,omitempty"`
	Seq                int                  `json:"seq"`
	ExtensionID        string               `json:"extension_id,omitempty"`
	OperationID        string               `json:"operation_id,omitempty"`
	OperationName      string               `json:"operation_name,omitempty"`
	OperationParameter string               `json:"operation_parameter,omitempty"`
	Attachments        string               `json:"attachments,omitempty"`
	Status             model.StepStatus     `json:"status"`
	ResourceRecords    []ResourceRecordView `json:"resource_record_list,omitempty"`
}

// ResourceRecordView is the read model for one step resource record.
type ResourceRecordView struct {
	ID                     string           `json:"id"`
	EnvironmentResourceID  string           `json:"environment_resource_id"`
	ResourceName           string           `json:"resource_name"`
	ExtensionConfiguration string           `json:"extension_configuration"`
	Output                 string           `json:"output,omitempty"`
	Status                 model.StepStatus `json:"status"`
}

// ReadJobRecord assembles one run. Resource records without inline output
// have their log file read, trimmed and wrapped into a JSON array; missing
// files are tolerated as empty output.
func (s *Service) ReadJobRecord(ctx context.Context, orgID string, recordID string) (*RecordView, error) {
	record, err := s.store.GetJobRecord(ctx, orgID, recordID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errno.Common("该任务执行记录不存在")
		}
		return nil, err
	}

	stepRecords, err := s.store.ListJobStepRecords(ctx, orgID, recordID)
	if err != nil {
		return nil, err
	}
	resourceRecords, err := s.store.ListJobStepResourceRecords(ctx, orgID, recordID)
	if err != nil {
		return nil, err
	}

	view := &RecordView{
		ID:               record.ID,
		JobID:            record.JobID,
		EnvironmentID:    record.EnvironmentID,
		Status:           record.Status,
		CreatedTime:      record.CreatedTime,
		LastModifiedTime: record.LastModifiedTime,
	}
	if job, err := s.store.GetJob(ctx, orgID, record.JobID); err == nil {
		view.JobName = job.Name
	}
	if environment, err := s.store.GetEnvironment(ctx, orgID, record.EnvironmentID); err == nil {
		view.EnvironmentName = environment.Name
	}

	resourcesByStep := make(map[string][]*model.JobStepResourceRecord)
	for _, r := range resourceRecords {
		resourcesByStep[r.JobStepRecordID] = append(resourcesByStep[r.JobStepRecordID], r)
	}

	for _, sr := range stepRecords {
		stepView := StepRecordView{
			ID:                 sr.ID,
			StepName:           sr.StepName,
			StepType:           sr.StepType,
			StepRemark:         sr.StepRemark,
			Seq:                sr.JobStepSeq,
			ExtensionID:        sr.ExtensionID,
			OperationID:        sr.OperationID,
			OperationName:      sr.OperationName,
			OperationParameter: sr.OperationParameter,
			Attachments:        sr.Attachments,
			Status:             sr.Status,
		}
		for _, rr := range resourcesByStep[sr.ID] {
			output := rr.OutputContent
			if output == "" && rr.OutputFile != "" {
				if content, ok := ReadLogContent(filepath.Join(s.jobLogDir, rr.OutputFile)); ok {
					output = content
				}
			}
			stepView.ResourceRecords = append(stepView.ResourceRecords, ResourceRecordView{
				ID:                     rr.ID,
				EnvironmentResourceID:  rr.EnvironmentResourceID,
				ResourceName:           rr.ResourceName,
				ExtensionConfiguration: rr.ExtensionConfiguration,
				Output:                 output,
				Status:                 rr.Status,
			})
		}
		view.StepRecords = append(view.StepRecords, stepView)
	}
	return view, nil
}

// QueryJobRecords lists runs, newest first, optionally filtered by job.
func (s *Service) QueryJobRecords(ctx context.Context, orgID string, jobID string) ([]*model.JobRecord, error) {
	return s.store.QueryJobRecords(ctx, orgID, jobID)
}
