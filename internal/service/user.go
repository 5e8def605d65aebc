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

	"mould/internal/errno"
	"mould/internal/model"
	"mould/internal/store"
	"mould/pkg/extension"
)

// UserService reads users within the caller's organization.
type UserService struct {
	store store.Store
}

// NewUserService creates the user read service.
func NewUserService(st store.Store) *UserService {
	return &UserService{store: st}
}

// Read returns one user, visible only inside the caller's org.
func (s *UserService) Read(ctx context.Context, orgID string, id string) (*model.User, error) {
	user, err := s.store.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errno.Common("不存在此用户！")
		}
		return nil, err
	}
	if user.OrgID != orgID {
		return nil, errno.Common("不存在此用户！")
	}
	return user, nil
}

// Query lists the org's users.
func (s *UserService) Query(ctx context.Context, orgID string) ([]*model.User, error) {
	return s.store.QueryUsersByOrg(ctx, orgID)
}

// ExtensionView is the catalog entry the UI renders configuration forms
// from.
type ExtensionView struct {
	ID                  string                `json:"id"`
	Name                string                `json:"name"`
	ConfigurationSchema []extension.Attribute `json:"configuration_schema"`
	Operations          []extension.Operation `json:"operations"`
}

// ExtensionService exposes the registry catalog and configuration testing.
type ExtensionService struct {
	registry   *extension.Registry
	newContext func() *extension.Context
}

// NewExtensionService creates the extension query service. newContext
// builds a fresh invocation context for test_configuration calls.
func NewExtensionService(registry *extension.Registry, newContext func() *extension.Context) *ExtensionService {
	return &ExtensionService{registry: registry, newContext: newContext}
}

// Query lists every registered extension.
func (s *ExtensionService) Query(_ context.Context) []ExtensionView {
	extensions := s.registry.All()
	views := make([]ExtensionView, 0, len(extensions))
	for _, ext := range extensions {
		views = append(views, ExtensionView{
			ID:                  ext.ID(),
			Name:                ext.Name(),
			ConfigurationSchema: ext.ConfigurationSchema(),
			Operations:          ext.Operations(),
		})
	}
	return views
}

// TestConfiguration validates a configuration and then asks the extension
// to prove it can reach the target.
func (s *ExtensionService) TestConfiguration(ctx context.Context, extensionID string, configuration json.RawMessage) error {
	ext, err := s.registry.Get(extensionID)
	if err != nil {
		return errno.Commonf("没有找到扩展: %s", extensionID)
	}
	if err := ext.ValidateConfiguration(configuration); err != nil {
		return errno.Common(err.Error())
	}
	if err := ext.TestConfiguration(ctx, configuration, s.newContext()); err != nil {
		return errno.Common(err.Error())
	}
	return nil
}
