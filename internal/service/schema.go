// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Mould - A deployment orchestration server that runs typed jobs against
configured environments through loadable resource extensions.

Copyright (C) 2025  The Mould Authors

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.
*/

// Package service implements the organization-scoped CRUD operations on
// schemas, environments, jobs and users, enforcing the write-time
// invariants: schema slots must name a loadable extension, every slot must
// be populated before an environment is saved, and operation parameters
// must validate against the extension schema before a job is saved.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"mould/internal/errno"
	"mould/internal/model"
	"mould/internal/store"
	"mould/pkg/extension"
)

// SlotInput describes one typed slot when saving a schema.
type SlotInput struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	ExtensionID string `json:"extension_id"`
}

// SchemaInput is the save-schema payload. An empty ID inserts.
type SchemaInput struct {
	ID        string      `json:"id,omitempty"`
	Name      string      `json:"name"`
	Resources []SlotInput `json:"resource_list"`
}

// SchemaView is a schema with its slots.
type SchemaView struct {
	ID        string                             `json:"id"`
	Name      string                             `json:"name"`
	Resources []*model.EnvironmentSchemaResource `json:"resource_list"`
}

// SchemaService manages environment schemas.
type SchemaService struct {
	store    store.Store
	registry *extension.Registry
	newID    func() string
	now      func() time.Time
}

// NewSchemaService creates the schema CRUD service.
func NewSchemaService(st store.Store, registry *extension.Registry) *SchemaService {
	return &SchemaService{
		store:    st,
		registry: registry,
		newID:    uuid.NewString,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Save inserts or replaces a schema and its slots. Every slot's extension
// id must resolve in the registry at write time.
func (s *SchemaService) Save(ctx context.Context, orgID string, input *SchemaInput) (string, error) {
	if input.Name == "" {
		return "", errno.Common("环境规格名称不能为空")
	}
	if len(input.Resources) == 0 {
		return "", errno.Common("环境规格至少需要一个资源")
	}
	for _, slot := range input.Resources {
		if !s.registry.Has(slot.ExtensionID) {
			return "", errno.Commonf("没有找到扩展: %s", slot.ExtensionID)
		}
	}

	schemaID := input.ID
	currTime := s.now()
	err := s.store.InTx(ctx, func(tx store.Store) error {
		if schemaID == "" {
			schemaID = s.newID()
			if err := tx.InsertEnvironmentSchema(ctx, &model.EnvironmentSchema{
				ID: schemaID, OrgID: orgID, Name: input.Name,
				CreatedTime: currTime, LastModifiedTime: currTime,
			}); err != nil {
				return err
			}
		} else {
			if _, err := tx.GetEnvironmentSchema(ctx, orgID, schemaID); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return errno.Common("该环境规格不存在")
				}
				return err
			}
			if err := tx.UpdateEnvironmentSchemaName(ctx, orgID, schemaID, input.Name); err != nil {
				return err
			}
			if err := tx.DeleteSchemaResourcesBySchema(ctx, orgID, schemaID); err != nil {
				return err
			}
		}

		resources := make([]*model.EnvironmentSchemaResource, 0, len(input.Resources))
		for i, slot := range input.Resources {
			ext, err := s.registry.Get(slot.ExtensionID)
			if err != nil {
				return errno.Commonf("没有找到扩展: %s", slot.ExtensionID)
			}
			id := slot.ID
			if id == "" {
				id = s.newID()
			}
			resources = append(resources, &model.EnvironmentSchemaResource{
				ID: id, OrgID: orgID, SchemaID: schemaID, Name: slot.Name,
				ExtensionID: slot.ExtensionID, ExtensionName: ext.Name(), Seq: i + 1,
				CreatedTime: currTime, LastModifiedTime: currTime,
			})
		}
		return tx.InsertSchemaResources(ctx, resources)
	})
	if err != nil {
		return "", err
	}
	return schemaID, nil
}

// Read returns one schema with its slots.
func (s *SchemaService) Read(ctx context.Context, orgID string, id string) (*SchemaView, error) {
	schema, err := s.store.GetEnvironmentSchema(ctx, orgID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errno.Common("该环境规格不存在")
		}
		return nil, err
	}
	resources, err := s.store.ListSchemaResources(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	return &SchemaView{ID: schema.ID, Name: schema.Name, Resources: resources}, nil
}

// Query lists the org's schemas.
func (s *SchemaService) Query(ctx context.Context, orgID string) ([]*model.EnvironmentSchema, error) {
	return s.store.QueryEnvironmentSchemas(ctx, orgID)
}

// Delete removes a schema unless environments or jobs still reference it.
func (s *SchemaService) Delete(ctx context.Context, orgID string, id string) error {
	return s.store.InTx(ctx, func(tx store.Store) error {
		environments, err := tx.QueryEnvironments(ctx, orgID, id)
		if err != nil {
			return err
		}
		if len(environments) > 0 {
			return errno.Common("还有环境在使用该环境规格，不能删除")
		}
		jobs, err := tx.QueryJobs(ctx, orgID, id)
		if err != nil {
			return err
		}
		if len(jobs) > 0 {
			return errno.Common("还有任务在使用该环境规格，不能删除")
		}
		if err := tx.DeleteSchemaResourcesBySchema(ctx, orgID, id); err != nil {
			return err
		}
		return tx.DeleteEnvironmentSchema(ctx, orgID, id)
	})
}
