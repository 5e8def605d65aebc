// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Mould - A deployment orchestration server that runs typed jobs against
configured environments through loadable resource extensions.

Copyright (C) 2025  The Mould Authors

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.
*/

package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"mould/internal/errno"
	"mould/internal/model"
	"mould/internal/store"
	"mould/pkg/extension"
)

// StepInput is one step when saving a job.
type StepInput struct {
	ID                 string          `json:"id,omitempty"`
	Type               model.StepType  `json:"step_type"`
	Name               string          `json:"name"`
	Remark             string          `json:"remark,omitempty"`
	Attachments        json.RawMessage `json:"attachments,omitempty"`
	SchemaResourceID   string          `json:"schema_resource_id,omitempty"`
	OperationID        string          `json:"operation_id,omitempty"`
	OperationParameter json.RawMessage `json:"operation_parameter,omitempty"`
}

// JobInput is the insert/update payload for a job.
type JobInput struct {
	ID       string      `json:"id,omitempty"`
	SchemaID string      `json:"environment_schema_id"`
	Name     string      `json:"name"`
	Remark   string      `json:"remark,omitempty"`
	Steps    []StepInput `json:"step_list"`
}

// JobView is a job with its steps.
type JobView struct {
	ID       string           `json:"id"`
	SchemaID string           `json:"environment_schema_id"`
	Name     string           `json:"name"`
	Remark   string           `json:"remark,omitempty"`
	Steps    []*model.JobStep `json:"step_list"`
}

// JobDefinitionService manages job definitions; runs are the job package's
// concern.
type JobDefinitionService struct {
	store    store.Store
	registry *extension.Registry
	newID    func() string
	now      func() time.Time
}

// NewJobDefinitionService creates the job CRUD service.
func NewJobDefinitionService(st store.Store, registry *extension.Registry) *JobDefinitionService {
	return &JobDefinitionService{
		store:    st,
		registry: registry,
		newID:    uuid.NewString,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// validateSteps checks every Auto step against its slot's extension: the
// operation must exist and its parameter must pass the extension validator.
func (s *JobDefinitionService) validateSteps(ctx context.Context, tx store.Store, orgID string, schemaID string, steps []StepInput) error {
	slots, err := tx.ListSchemaResources(ctx, orgID, schemaID)
	if err != nil {
		return err
	}
	slotByID := make(map[string]*model.EnvironmentSchemaResource, len(slots))
	for _, slot := range slots {
		slotByID[slot.ID] = slot
	}
	for _, step := range steps {
		if step.Name == "" {
			return errno.Common("步骤名称不能为空")
		}
		if step.Type == model.StepManual {
			continue
		}
		if step.Type != model.StepAuto {
			return errno.Commonf("未知的步骤类型: %s", step.Type)
		}
		slot, ok := slotByID[step.SchemaResourceID]
		if !ok {
			return errno.Commonf("步骤 %s 引用的规格资源不存在", step.Name)
		}
		ext, err := s.registry.Get(slot.ExtensionID)
		if err != nil {
			return errno.Commonf("没有找到扩展: %s", slot.ExtensionID)
		}
		if err := ext.ValidateOperationParameter(step.OperationID, step.OperationParameter); err != nil {
			return errno.Commonf("步骤 %s 的操作参数不正确: %s", step.Name, err.Error())
		}
	}
	return nil
}

func (s *JobDefinitionService) operationName(slotExtensionID string, operationID string) string {
	ext, err := s.registry.Get(slotExtensionID)
	if err != nil {
		return ""
	}
	for _, op := range ext.Operations() {
		if op.ID == operationID {
			return op.Name
		}
	}
	return ""
}

func (s *JobDefinitionService) buildSteps(ctx context.Context, tx store.Store, orgID string, jobID string, schemaID string, inputs []StepInput, currTime time.Time) ([]*model.JobStep, error) {
	slots, err := tx.ListSchemaResources(ctx, orgID, schemaID)
	if err != nil {
		return nil, err
	}
	extBySlot := make(map[string]string, len(slots))
	for _, slot := range slots {
		extBySlot[slot.ID] = slot.ExtensionID
	}

	steps := make([]*model.JobStep, 0, len(inputs))
	for i, input := range inputs {
		id := input.ID
		if id == "" {
			id = s.newID()
		}
		step := &model.JobStep{
			ID: id, OrgID: orgID, JobID: jobID, Seq: i + 1,
			Type: input.Type, Name: input.Name, Remark: input.Remark,
			Attachments:      string(input.Attachments),
			CreatedTime:      currTime,
			LastModifiedTime: currTime,
		}
		if input.Type == model.StepAuto {
			step.SchemaResourceID = input.SchemaResourceID
			step.OperationID = input.OperationID
			step.OperationName = s.operationName(extBySlot[input.SchemaResourceID], input.OperationID)
			step.OperationParameter = string(input.OperationParameter)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// Insert creates a job with its steps.
func (s *JobDefinitionService) Insert(ctx context.Context, orgID string, input *JobInput) (string, error) {
	if input.Name == "" {
		return "", errno.Common("任务名称不能为空")
	}
	jobID := s.newID()
	currTime := s.now()
	err := s.store.InTx(ctx, func(tx store.Store) error {
		if _, err := tx.GetEnvironmentSchema(ctx, orgID, input.SchemaID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errno.Common("该环境规格不存在")
			}
			return err
		}
		if err := s.validateSteps(ctx, tx, orgID, input.SchemaID, input.Steps); err != nil {
			return err
		}
		if err := tx.InsertJob(ctx, &model.Job{
			ID: jobID, OrgID: orgID, SchemaID: input.SchemaID, Name: input.Name, Remark: input.Remark,
			CreatedTime: currTime, LastModifiedTime: currTime,
		}); err != nil {
			return err
		}
		steps, err := s.buildSteps(ctx, tx, orgID, jobID, input.SchemaID, input.Steps, currTime)
		if err != nil {
			return err
		}
		return tx.InsertJobSteps(ctx, steps)
	})
	if err != nil {
		return "", err
	}
	return jobID, nil
}

// Update replaces a job's metadata and steps.
func (s *JobDefinitionService) Update(ctx context.Context, orgID string, input *JobInput) error {
	if input.ID == "" {
		return errno.Common("任务ID不能为空")
	}
	currTime := s.now()
	return s.store.InTx(ctx, func(tx store.Store) error {
		job, err := tx.GetJob(ctx, orgID, input.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errno.Common("该任务不存在")
			}
			return err
		}
		if err := s.validateSteps(ctx, tx, orgID, job.SchemaID, input.Steps); err != nil {
			return err
		}
		if err := tx.UpdateJob(ctx, &model.Job{
			ID: input.ID, OrgID: orgID, Name: input.Name, Remark: input.Remark,
		}); err != nil {
			return err
		}
		if err := tx.DeleteJobStepsByJob(ctx, orgID, input.ID); err != nil {
			return err
		}
		steps, err := s.buildSteps(ctx, tx, orgID, input.ID, job.SchemaID, input.Steps, currTime)
		if err != nil {
			return err
		}
		return tx.InsertJobSteps(ctx, steps)
	})
}

// Read returns one job with its steps.
func (s *JobDefinitionService) Read(ctx context.Context, orgID string, id string) (*JobView, error) {
	job, err := s.store.GetJob(ctx, orgID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errno.Common("该任务不存在")
		}
		return nil, err
	}
	steps, err := s.store.ListJobSteps(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	return &JobView{ID: job.ID, SchemaID: job.SchemaID, Name: job.Name, Remark: job.Remark, Steps: steps}, nil
}

// Query lists jobs, optionally by schema.
func (s *JobDefinitionService) Query(ctx context.Context, orgID string, schemaID string) ([]*model.Job, error) {
	return s.store.QueryJobs(ctx, orgID, schemaID)
}

// Delete removes a job, cascading to its steps and every record of every
// run.
func (s *JobDefinitionService) Delete(ctx context.Context, orgID string, id string) error {
	return s.store.InTx(ctx, func(tx store.Store) error {
		if err := tx.DeleteJobRecordsByJob(ctx, orgID, id); err != nil {
			return err
		}
		if err := tx.DeleteJobStepsByJob(ctx, orgID, id); err != nil {
			return err
		}
		return tx.DeleteJob(ctx, orgID, id)
	})
}
