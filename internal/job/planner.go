// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Mould - A deployment orchestration server that runs typed jobs against
configured environments through loadable resource extensions.

Copyright (C) 2025  The Mould Authors

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.
*/

// Package job contains the planner that expands a (job, environment) pair
// into step and resource records, the runner that drives them through the
// state machine, and the per-resource log pipeline.
package job

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"mould/internal/errno"
	"mould/internal/model"
	"mould/internal/store"
)

// PlannedStep is one step of an in-memory execution plan: the persisted
// step record plus the resource records an Auto step fans out across.
type PlannedStep struct {
	Record    *model.JobStepRecord
	Resources []*model.JobStepResourceRecord
}

// Planner turns a (job, environment) pair into persisted records inside one
// transaction and hands the in-memory plan to the runner.
type Planner struct {
	store store.Store
	newID func() string
	now   func() time.Time
}

// NewPlanner creates a planner.
func NewPlanner(st store.Store) *Planner {
	return &Planner{
		store: st,
		newID: uuid.NewString,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Plan materializes a run of job jobID against environment environmentID:
// one JobRecord in Running state, one Pending JobStepRecord per step in seq
// order, and one Pending JobStepResourceRecord per matching environment
// resource under each Auto step. An Auto step whose slot has no concrete
// resource fails the whole plan; nothing is persisted.
func (p *Planner) Plan(ctx context.Context, orgID string, jobID string, environmentID string) (string, []PlannedStep, error) {
	recordID := p.newID()
	var plan []PlannedStep

	err := p.store.InTx(ctx, func(tx store.Store) error {
		jobEntity, err := tx.GetJob(ctx, orgID, jobID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errno.Common("该任务不存在")
			}
			return err
		}
		environment, err := tx.GetEnvironment(ctx, orgID, environmentID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errno.Common("目标环境不存在")
			}
			return err
		}
		if jobEntity.SchemaID != environment.SchemaID {
			return errno.Common("任务与环境的环境规格不一致")
		}

		steps, err := tx.ListJobSteps(ctx, orgID, jobID)
		if err != nil {
			return err
		}
		sort.Slice(steps, func(i, j int) bool { return steps[i].Seq < steps[j].Seq })

		schemaResources, err := tx.ListSchemaResources(ctx, orgID, jobEntity.SchemaID)
		if err != nil {
			return err
		}
		schemaResourceByID := make(map[string]*model.EnvironmentSchemaResource, len(schemaResources))
		for _, sr := range schemaResources {
			schemaResourceByID[sr.ID] = sr
		}

		environmentResources, err := tx.ListEnvironmentResources(ctx, orgID, environmentID)
		if err != nil {
			return err
		}
		resourcesBySlot := make(map[string][]*model.EnvironmentResource)
		for _, r := range environmentResources {
			resourcesBySlot[r.SchemaResourceID] = append(resourcesBySlot[r.SchemaResourceID], r)
		}

		currTime := p.now()
		var stepRecords []*model.JobStepRecord
		var resourceRecords []*model.JobStepResourceRecord
		plan = plan[:0]

		for _, step := range steps {
			stepRecord := &model.JobStepRecord{
				ID:            p.newID(),
				OrgID:         orgID,
				JobID:         jobID,
				EnvironmentID: environmentID,
				RecordID:      recordID,
				JobStepID:     step.ID,
				StepName:      step.Name,
				StepType:      step.Type,
				StepRemark:    step.Remark,
				JobStepSeq:    step.Seq,
				Attachments:   step.Attachments,
				Status:        model.StepPending,
				CreatedTime:   currTime,
				LastModifiedTime: currTime,
			}

			planned := PlannedStep{Record: stepRecord}
			if step.Type == model.StepAuto {
				schemaResource, ok := schemaResourceByID[step.SchemaResourceID]
				if !ok {
					return errno.Commonf("步骤 %s 引用的资源规格不存在", step.Name)
				}
				// The extension id snapshotted here pins the step to the
				// extension resolved at plan time; later reloads do not
				// change in-flight records.
				stepRecord.ExtensionID = schemaResource.ExtensionID
				stepRecord.OperationID = step.OperationID
				stepRecord.OperationName = step.OperationName
				stepRecord.OperationParameter = step.OperationParameter

				slotResources := resourcesBySlot[step.SchemaResourceID]
				if len(slotResources) == 0 {
					return errno.Commonf("环境中没有 %s 规格的资源", schemaResource.Name)
				}
				for _, resource := range slotResources {
					resourceRecord := &model.JobStepResourceRecord{
						ID:                     p.newID(),
						OrgID:                  orgID,
						JobID:                  jobID,
						EnvironmentID:          environmentID,
						RecordID:               recordID,
						JobStepRecordID:        stepRecord.ID,
						EnvironmentResourceID:  resource.ID,
						ResourceName:           resource.Name,
						ExtensionConfiguration: resource.ExtensionConfiguration,
						Status:                 model.StepPending,
						CreatedTime:            currTime,
						LastModifiedTime:       currTime,
					}
					resourceRecords = append(resourceRecords, resourceRecord)
					planned.Resources = append(planned.Resources, resourceRecord)
				}
			}
			stepRecords = append(stepRecords, stepRecord)
			plan = append(plan, planned)
		}

		record := &model.JobRecord{
			ID:               recordID,
			OrgID:            orgID,
			JobID:            jobID,
			EnvironmentID:    environmentID,
			Status:           model.RecordRunning,
			CreatedTime:      currTime,
			LastModifiedTime: currTime,
		}
		if err := tx.InsertJobRecord(ctx, record); err != nil {
			return fmt.Errorf("inserting job record: %w", err)
		}
		if err := tx.InsertJobStepRecords(ctx, stepRecords); err != nil {
			return fmt.Errorf("inserting step records: %w", err)
		}
		if err := tx.InsertJobStepResourceRecords(ctx, resourceRecords); err != nil {
			return fmt.Errorf("inserting step resource records: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return recordID, plan, nil
}

// PlanFromRecords rebuilds an in-memory plan from persisted records,
// keeping only steps strictly after afterSeq. Used when continue_job
// re-enters execution in a fresh task.
func PlanFromRecords(stepRecords []*model.JobStepRecord, resourceRecords []*model.JobStepResourceRecord, afterSeq int) []PlannedStep {
	resourcesByStep := make(map[string][]*model.JobStepResourceRecord)
	for _, r := range resourceRecords {
		resourcesByStep[r.JobStepRecordID] = append(resourcesByStep[r.JobStepRecordID], r)
	}
	sorted := append([]*model.JobStepRecord(nil), stepRecords...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].JobStepSeq < sorted[j].JobStepSeq })

	var plan []PlannedStep
	for _, sr := range sorted {
		if sr.JobStepSeq <= afterSeq {
			continue
		}
		plan = append(plan, PlannedStep{Record: sr, Resources: resourcesByStep[sr.ID]})
	}
	return plan
}
