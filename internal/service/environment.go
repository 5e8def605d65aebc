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

// ResourceInput is one concrete resource filling a schema slot.
type ResourceInput struct {
	ID                     string          `json:"id,omitempty"`
	SchemaResourceID       string          `json:"schema_resource_id"`
	Name                   string          `json:"name"`
	ExtensionConfiguration json.RawMessage `json:"extension_configuration"`
}

// EnvironmentInput is the insert/update payload for an environment.
type EnvironmentInput struct {
	ID        string          `json:"id,omitempty"`
	SchemaID  string          `json:"environment_schema_id"`
	Name      string          `json:"name"`
	Resources []ResourceInput `json:"resource_list"`
}

// EnvironmentView is an environment with its resources.
type EnvironmentView struct {
	ID        string                       `json:"id"`
	SchemaID  string                       `json:"environment_schema_id"`
	Name      string                       `json:"name"`
	Resources []*model.EnvironmentResource `json:"resource_list"`
}

// EnvironmentService manages environments.
type EnvironmentService struct {
	store    store.Store
	registry *extension.Registry
	newID    func() string
	now      func() time.Time
}

// NewEnvironmentService creates the environment CRUD service.
func NewEnvironmentService(st store.Store, registry *extension.Registry) *EnvironmentService {
	return &EnvironmentService{
		store:    st,
		registry: registry,
		newID:    uuid.NewString,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// validateResources checks that every schema slot has at least one concrete
// resource and that every configuration passes its extension's validator.
func (s *EnvironmentService) validateResources(ctx context.Context, tx store.Store, orgID string, schemaID string, resources []ResourceInput) ([]*model.EnvironmentSchemaResource, error) {
	slots, err := tx.ListSchemaResources(ctx, orgID, schemaID)
	if err != nil {
		return nil, err
	}
	slotByID := make(map[string]*model.EnvironmentSchemaResource, len(slots))
	filled := make(map[string]int, len(slots))
	for _, slot := range slots {
		slotByID[slot.ID] = slot
	}
	for _, resource := range resources {
		slot, ok := slotByID[resource.SchemaResourceID]
		if !ok {
			return nil, errno.Commonf("资源 %s 没有对应的规格资源", resource.Name)
		}
		ext, err := s.registry.Get(slot.ExtensionID)
		if err != nil {
			return nil, errno.Commonf("没有找到扩展: %s", slot.ExtensionID)
		}
		if err := ext.ValidateConfiguration(resource.ExtensionConfiguration); err != nil {
			return nil, errno.Commonf("资源 %s 的配置不正确: %s", resource.Name, err.Error())
		}
		filled[resource.SchemaResourceID]++
	}
	for _, slot := range slots {
		if filled[slot.ID] == 0 {
			return nil, errno.Commonf("规格资源 %s 还没有配置资源", slot.Name)
		}
	}
	return slots, nil
}

// Insert creates an environment. Every slot of its schema must be
// populated and every configuration must validate.
func (s *EnvironmentService) Insert(ctx context.Context, orgID string, input *EnvironmentInput) (string, error) {
	if input.Name == "" {
		return "", errno.Common("环境名称不能为空")
	}
	environmentID := s.newID()
	currTime := s.now()
	err := s.store.InTx(ctx, func(tx store.Store) error {
		if _, err := tx.GetEnvironmentSchema(ctx, orgID, input.SchemaID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errno.Common("该环境规格不存在")
			}
			return err
		}
		slots, err := s.validateResources(ctx, tx, orgID, input.SchemaID, input.Resources)
		if err != nil {
			return err
		}
		if err := tx.InsertEnvironment(ctx, &model.Environment{
			ID: environmentID, OrgID: orgID, SchemaID: input.SchemaID, Name: input.Name,
			CreatedTime: currTime, LastModifiedTime: currTime,
		}); err != nil {
			return err
		}
		return tx.InsertEnvironmentResources(ctx, s.buildResources(orgID, environmentID, input.Resources, slots, currTime))
	})
	if err != nil {
		return "", err
	}
	return environmentID, nil
}

func (s *EnvironmentService) buildResources(orgID string, environmentID string, inputs []ResourceInput, slots []*model.EnvironmentSchemaResource, currTime time.Time) []*model.EnvironmentResource {
	extBySlot := make(map[string]string, len(slots))
	for _, slot := range slots {
		extBySlot[slot.ID] = slot.ExtensionID
	}
	resources := make([]*model.EnvironmentResource, 0, len(inputs))
	for _, input := range inputs {
		id := input.ID
		if id == "" {
			id = s.newID()
		}
		resources = append(resources, &model.EnvironmentResource{
			ID:                     id,
			OrgID:                  orgID,
			EnvironmentID:          environmentID,
			SchemaResourceID:       input.SchemaResourceID,
			Name:                   input.Name,
			ExtensionID:            extBySlot[input.SchemaResourceID],
			ExtensionConfiguration: string(input.ExtensionConfiguration),
			CreatedTime:            currTime,
			LastModifiedTime:       currTime,
		})
	}
	return resources
}

// Update replaces an environment's name and resources under the same
// validation as Insert.
func (s *EnvironmentService) Update(ctx context.Context, orgID string, input *EnvironmentInput) error {
	if input.ID == "" {
		return errno.Common("环境ID不能为空")
	}
	currTime := s.now()
	return s.store.InTx(ctx, func(tx store.Store) error {
		environment, err := tx.GetEnvironment(ctx, orgID, input.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errno.Common("该环境不存在")
			}
			return err
		}
		slots, err := s.validateResources(ctx, tx, orgID, environment.SchemaID, input.Resources)
		if err != nil {
			return err
		}
		if err := tx.UpdateEnvironmentName(ctx, orgID, input.ID, input.Name); err != nil {
			return err
		}
		if err := tx.DeleteEnvironmentResourcesByEnvironment(ctx, orgID, input.ID); err != nil {
			return err
		}
		return tx.InsertEnvironmentResources(ctx, s.buildResources(orgID, input.ID, input.Resources, slots, currTime))
	})
}

// Read returns one environment with its resources.
func (s *EnvironmentService) Read(ctx context.Context, orgID string, id string) (*EnvironmentView, error) {
	environment, err := s.store.GetEnvironment(ctx, orgID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errno.Common("该环境不存在")
		}
		return nil, err
	}
	resources, err := s.store.ListEnvironmentResources(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	return &EnvironmentView{
		ID: environment.ID, SchemaID: environment.SchemaID, Name: environment.Name,
		Resources: resources,
	}, nil
}

// Query lists environments, optionally filtered by schema.
func (s *EnvironmentService) Query(ctx context.Context, orgID string, schemaID string) ([]*model.Environment, error) {
	return s.store.QueryEnvironments(ctx, orgID, schemaID)
}

// Delete removes an environment, its resources and its historical records,
// refusing while any record for it is still Running.
func (s *EnvironmentService) Delete(ctx context.Context, orgID string, id string) error {
	return s.store.InTx(ctx, func(tx store.Store) error {
		running, err := tx.CountRunningJobRecordsByEnvironment(ctx, orgID, id)
		if err != nil {
			return err
		}
		if running > 0 {
			return errno.Common("该环境还有正在执行的任务，不能删除")
		}
		if err := tx.DeleteJobRecordsByEnvironment(ctx, orgID, id); err != nil {
			return err
		}
		if err := tx.DeleteEnvironmentResourcesByEnvironment(ctx, orgID, id); err != nil {
			return err
		}
		return tx.DeleteEnvironment(ctx, orgID, id)
	})
}
