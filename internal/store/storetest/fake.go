// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Mould - A deployment orchestration server that runs typed jobs against
configured environments through loadable resource extensions.

Copyright (C) 2025  The Mould Authors

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.
*/

// Package storetest provides an in-memory store.Store for unit tests.
//
// Transactions are not isolated: InTx runs the callback against the same
// state and keeps whatever it wrote even on error, which is fine for the
// success paths unit tests exercise.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"mould/internal/model"
	"mould/internal/store"
)

// Fake is an in-memory implementation of store.Store.
type Fake struct {
	mu sync.Mutex

	Organizations       map[string]*model.Organization
	Users               map[string]*model.User
	SystemUsers         map[string]*model.SystemUser
	ExternalUsers       map[string]*model.ExternalUser
	Schemas             map[string]*model.EnvironmentSchema
	SchemaResources     map[string]*model.EnvironmentSchemaResource
	Environments        map[string]*model.Environment
	EnvResources        map[string]*model.EnvironmentResource
	Jobs                map[string]*model.Job
	JobSteps            map[string]*model.JobStep
	JobRecords          map[string]*model.JobRecord
	JobStepRecords      map[string]*model.JobStepRecord
	StepResourceRecords map[string]*model.JobStepResourceRecord
}

// Ensure Fake implements store.Store.
var _ store.Store = (*Fake)(nil)

// New creates an empty fake store.
func New() *Fake {
	return &Fake{
		Organizations:       map[string]*model.Organization{},
		Users:               map[string]*model.User{},
		SystemUsers:         map[string]*model.SystemUser{},
		ExternalUsers:       map[string]*model.ExternalUser{},
		Schemas:             map[string]*model.EnvironmentSchema{},
		SchemaResources:     map[string]*model.EnvironmentSchemaResource{},
		Environments:        map[string]*model.Environment{},
		EnvResources:        map[string]*model.EnvironmentResource{},
		Jobs:                map[string]*model.Job{},
		JobSteps:            map[string]*model.JobStep{},
		JobRecords:          map[string]*model.JobRecord{},
		JobStepRecords:      map[string]*model.JobStepRecord{},
		StepResourceRecords: map[string]*model.JobStepResourceRecord{},
	}
}

// InTx implements store.Store.
func (f *Fake) InTx(_ context.Context, fn func(tx store.Store) error) error {
	return fn(f)
}

// InsertOrganization implements store.Store.
func (f *Fake) InsertOrganization(_ context.Context, org *model.Organization) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *org
	f.Organizations[org.ID] = &cp
	return nil
}

// GetOrganization implements store.Store.
func (f *Fake) GetOrganization(_ context.Context, id string) (*model.Organization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	org, ok := f.Organizations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *org
	return &cp, nil
}

// InsertUser implements store.Store.
func (f *Fake) InsertUser(_ context.Context, user *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *user
	f.Users[user.ID] = &cp
	return nil
}

// GetUser implements store.Store.
func (f *Fake) GetUser(_ context.Context, id string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.Users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// UpdateUserProfile implements store.Store.
func (f *Fake) UpdateUserProfile(_ context.Context, id string, name string, avatarURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.Users[id]; ok {
		u.Name = name
		u.AvatarURL = avatarURL
		u.LastModifiedTime = time.Now().UTC()
	}
	return nil
}

// UpdateUserOrg implements store.Store.
func (f *Fake) UpdateUserOrg(_ context.Context, id string, orgID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.Users[id]; ok {
		u.OrgID = orgID
		u.LastModifiedTime = time.Now().UTC()
	}
	return nil
}

// AnyUserExists implements store.Store.
func (f *Fake) AnyUserExists(_ context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Users) > 0, nil
}

// QueryUsersByOrg implements store.Store.
func (f *Fake) QueryUsersByOrg(_ context.Context, orgID string) ([]*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []*model.User
	for _, u := range f.Users {
		if u.OrgID == orgID {
			cp := *u
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedTime.Before(list[j].CreatedTime) })
	return list, nil
}

// InsertSystemUser implements store.Store.
func (f *Fake) InsertSystemUser(_ context.Context, su *model.SystemUser) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *su
	f.SystemUsers[su.ID] = &cp
	return nil
}

// GetSystemUser implements store.Store.
func (f *Fake) GetSystemUser(_ context.Context, id string) (*model.SystemUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	su, ok := f.SystemUsers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *su
	return &cp, nil
}

// GetSystemUserByEmail implements store.Store.
func (f *Fake) GetSystemUserByEmail(_ context.Context, email string) (*model.SystemUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, su := range f.SystemUsers {
		if su.Email == email {
			cp := *su
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

// FindSystemUsers implements store.Store.
func (f *Fake) FindSystemUsers(_ context.Context, email string, hashedAuthKey string) ([]*model.SystemUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []*model.SystemUser
	for _, su := range f.SystemUsers {
		if su.Email == email && su.HashedAuthKey == hashedAuthKey {
			cp := *su
			list = append(list, &cp)
		}
	}
	return list, nil
}

// UpdateSystemUserAuthKey implements store.Store.
func (f *Fake) UpdateSystemUserAuthKey(_ context.Context, id string, hashedAuthKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if su, ok := f.SystemUsers[id]; ok {
		su.HashedAuthKey = hashedAuthKey
		su.LastModifiedTime = time.Now().UTC()
	}
	return nil
}

// InsertExternalUser implements store.Store.
func (f *Fake) InsertExternalUser(_ context.Context, eu *model.ExternalUser) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *eu
	f.ExternalUsers[eu.ID] = &cp
	return nil
}

// GetExternalUserByProvider implements store.Store.
func (f *Fake) GetExternalUserByProvider(_ context.Context, providerType model.ProviderType, provider string, openid string) (*model.ExternalUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, eu := range f.ExternalUsers {
		if eu.ProviderType == providerType && eu.Provider == provider && eu.Openid == openid {
			cp := *eu
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

// UpdateExternalUserDetail implements store.Store.
func (f *Fake) UpdateExternalUserDetail(_ context.Context, id string, detailJSON string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if eu, ok := f.ExternalUsers[id]; ok {
		eu.DetailJSON = detailJSON
		eu.LastModifiedTime = time.Now().UTC()
	}
	return nil
}

// InsertEnvironmentSchema implements store.Store.
func (f *Fake) InsertEnvironmentSchema(_ context.Context, schema *model.EnvironmentSchema) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *schema
	f.Schemas[schema.ID] = &cp
	return nil
}

// UpdateEnvironmentSchemaName implements store.Store.
func (f *Fake) UpdateEnvironmentSchemaName(_ context.Context, orgID string, id string, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.Schemas[id]; ok && s.OrgID == orgID {
		s.Name = name
	}
	return nil
}

// GetEnvironmentSchema implements store.Store.
func (f *Fake) GetEnvironmentSchema(_ context.Context, orgID string, id string) (*model.EnvironmentSchema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.Schemas[id]
	if !ok || s.OrgID != orgID {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// DeleteEnvironmentSchema implements store.Store.
func (f *Fake) DeleteEnvironmentSchema(_ context.Context, orgID string, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.Schemas[id]; ok && s.OrgID == orgID {
		delete(f.Schemas, id)
	}
	return nil
}

// QueryEnvironmentSchemas implements store.Store.
func (f *Fake) QueryEnvironmentSchemas(_ context.Context, orgID string) ([]*model.EnvironmentSchema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []*model.EnvironmentSchema
	for _, s := range f.Schemas {
		if s.OrgID == orgID {
			cp := *s
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedTime.Before(list[j].CreatedTime) })
	return list, nil
}

// InsertSchemaResources implements store.Store.
func (f *Fake) InsertSchemaResources(_ context.Context, resources []*model.EnvironmentSchemaResource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range resources {
		cp := *r
		f.SchemaResources[r.ID] = &cp
	}
	return nil
}

// DeleteSchemaResourcesBySchema implements store.Store.
func (f *Fake) DeleteSchemaResourcesBySchema(_ context.Context, orgID string, schemaID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, r := range f.SchemaResources {
		if r.OrgID == orgID && r.SchemaID == schemaID {
			delete(f.SchemaResources, id)
		}
	}
	return nil
}

// ListSchemaResources implements store.Store.
func (f *Fake) ListSchemaResources(_ context.Context, orgID string, schemaID string) ([]*model.EnvironmentSchemaResource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []*model.EnvironmentSchemaResource
	for _, r := range f.SchemaResources {
		if r.OrgID == orgID && r.SchemaID == schemaID {
			cp := *r
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Seq < list[j].Seq })
	return list, nil
}

// InsertEnvironment implements store.Store.
func (f *Fake) InsertEnvironment(_ context.Context, env *model.Environment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *env
	f.Environments[env.ID] = &cp
	return nil
}

// UpdateEnvironmentName implements store.Store.
func (f *Fake) UpdateEnvironmentName(_ context.Context, orgID string, id string, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.Environments[id]; ok && e.OrgID == orgID {
		e.Name = name
	}
	return nil
}

// GetEnvironment implements store.Store.
func (f *Fake) GetEnvironment(_ context.Context, orgID string, id string) (*model.Environment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.Environments[id]
	if !ok || e.OrgID != orgID {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// DeleteEnvironment implements store.Store.
func (f *Fake) DeleteEnvironment(_ context.Context, orgID string, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.Environments[id]; ok && e.OrgID == orgID {
		delete(f.Environments, id)
	}
	return nil
}

// QueryEnvironments implements store.Store.
func (f *Fake) QueryEnvironments(_ context.Context, orgID string, schemaID string) ([]*model.Environment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []*model.Environment
	for _, e := range f.Environments {
		if e.OrgID == orgID && (schemaID == "" || e.SchemaID == schemaID) {
			cp := *e
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedTime.Before(list[j].CreatedTime) })
	return list, nil
}

// InsertEnvironmentResources implements store.Store.
func (f *Fake) InsertEnvironmentResources(_ context.Context, resources []*model.EnvironmentResource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range resources {
		cp := *r
		f.EnvResources[r.ID] = &cp
	}
	return nil
}

// DeleteEnvironmentResourcesByEnvironment implements store.Store.
func (f *Fake) DeleteEnvironmentResourcesByEnvironment(_ context.Context, orgID string, environmentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, r := range f.EnvResources {
		if r.OrgID == orgID && r.EnvironmentID == environmentID {
			delete(f.EnvResources, id)
		}
	}
	return nil
}

// ListEnvironmentResources implements store.Store.
func (f *Fake) ListEnvironmentResources(_ context.Context, orgID string, environmentID string) ([]*model.EnvironmentResource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []*model.EnvironmentResource
	for _, r := range f.EnvResources {
		if r.OrgID == orgID && r.EnvironmentID == environmentID {
			cp := *r
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedTime.Equal(list[j].CreatedTime) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedTime.Before(list[j].CreatedTime)
	})
	return list, nil
}

// InsertJob implements store.Store.
func (f *Fake) InsertJob(_ context.Context, job *model.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *job
	f.Jobs[job.ID] = &cp
	return nil
}

// UpdateJob implements store.Store.
func (f *Fake) UpdateJob(_ context.Context, job *model.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.Jobs[job.ID]; ok && j.OrgID == job.OrgID {
		j.Name = job.Name
		j.Remark = job.Remark
	}
	return nil
}

// GetJob implements store.Store.
func (f *Fake) GetJob(_ context.Context, orgID string, id string) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.Jobs[id]
	if !ok || j.OrgID != orgID {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

// DeleteJob implements store.Store.
func (f *Fake) DeleteJob(_ context.Context, orgID string, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.Jobs[id]; ok && j.OrgID == orgID {
		delete(f.Jobs, id)
	}
	return nil
}

// QueryJobs implements store.Store.
func (f *Fake) QueryJobs(_ context.Context, orgID string, schemaID string) ([]*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []*model.Job
	for _, j := range f.Jobs {
		if j.OrgID == orgID && (schemaID == "" || j.SchemaID == schemaID) {
			cp := *j
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedTime.Before(list[j].CreatedTime) })
	return list, nil
}

// InsertJobSteps implements store.Store.
func (f *Fake) InsertJobSteps(_ context.Context, steps []*model.JobStep) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range steps {
		cp := *s
		f.JobSteps[s.ID] = &cp
	}
	return nil
}

// DeleteJobStepsByJob implements store.Store.
func (f *Fake) DeleteJobStepsByJob(_ context.Context, orgID string, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, s := range f.JobSteps {
		if s.OrgID == orgID && s.JobID == jobID {
			delete(f.JobSteps, id)
		}
	}
	return nil
}

// ListJobSteps implements store.Store.
func (f *Fake) ListJobSteps(_ context.Context, orgID string, jobID string) ([]*model.JobStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []*model.JobStep
	for _, s := range f.JobSteps {
		if s.OrgID == orgID && s.JobID == jobID {
			cp := *s
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Seq < list[j].Seq })
	return list, nil
}

// InsertJobRecord implements store.Store.
func (f *Fake) InsertJobRecord(_ context.Context, record *model.JobRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *record
	f.JobRecords[record.ID] = &cp
	return nil
}

// GetJobRecord implements store.Store.
func (f *Fake) GetJobRecord(_ context.Context, orgID string, id string) (*model.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.JobRecords[id]
	if !ok || r.OrgID != orgID {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// UpdateJobRecordStatus implements store.Store.
func (f *Fake) UpdateJobRecordStatus(_ context.Context, id string, status model.RecordStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.JobRecords[id]; ok {
		r.Status = status
		r.LastModifiedTime = time.Now().UTC()
	}
	return nil
}

// QueryJobRecords implements store.Store.
func (f *Fake) QueryJobRecords(_ context.Context, orgID string, jobID string) ([]*model.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []*model.JobRecord
	for _, r := range f.JobRecords {
		if r.OrgID == orgID && (jobID == "" || r.JobID == jobID) {
			cp := *r
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedTime.After(list[j].CreatedTime) })
	return list, nil
}

// ListRunningJobRecords implements store.Store.
func (f *Fake) ListRunningJobRecords(_ context.Context) ([]*model.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []*model.JobRecord
	for _, r := range f.JobRecords {
		if r.Status == model.RecordRunning {
			cp := *r
			list = append(list, &cp)
		}
	}
	return list, nil
}

// CountRunningJobRecordsByEnvironment implements store.Store.
func (f *Fake) CountRunningJobRecordsByEnvironment(_ context.Context, orgID string, environmentID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, r := range f.JobRecords {
		if r.OrgID == orgID && r.EnvironmentID == environmentID && r.Status == model.RecordRunning {
			count++
		}
	}
	return count, nil
}

// DeleteJobRecordsByJob implements store.Store.
func (f *Fake) DeleteJobRecordsByJob(_ context.Context, orgID string, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, r := range f.StepResourceRecords {
		if r.OrgID == orgID && r.JobID == jobID {
			delete(f.StepResourceRecords, id)
		}
	}
	for id, r := range f.JobStepRecords {
		if r.OrgID == orgID && r.JobID == jobID {
			delete(f.JobStepRecords, id)
		}
	}
	for id, r := range f.JobRecords {
		if r.OrgID == orgID && r.JobID == jobID {
			delete(f.JobRecords, id)
		}
	}
	return nil
}

// DeleteJobRecordsByEnvironment implements store.Store.
func (f *Fake) DeleteJobRecordsByEnvironment(_ context.Context, orgID string, environmentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, r := range f.StepResourceRecords {
		if r.OrgID == orgID && r.EnvironmentID == environmentID {
			delete(f.StepResourceRecords, id)
		}
	}
	for id, r := range f.JobStepRecords {
		if r.OrgID == orgID && r.EnvironmentID == environmentID {
			delete(f.JobStepRecords, id)
		}
	}
	for id, r := range f.JobRecords {
		if r.OrgID == orgID && r.EnvironmentID == environmentID {
			delete(f.JobRecords, id)
		}
	}
	return nil
}

// InsertJobStepRecords implements store.Store.
func (f *Fake) InsertJobStepRecords(_ context.Context, records []*model.JobStepRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range records {
		cp := *r
		f.JobStepRecords[r.ID] = &cp
	}
	return nil
}

// ListJobStepRecords implements store.Store.
func (f *Fake) ListJobStepRecords(_ context.Context, orgID string, recordID string) ([]*model.JobStepRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []*model.JobStepRecord
	for _, r := range f.JobStepRecords {
		if r.OrgID == orgID && r.RecordID == recordID {
			cp := *r
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].JobStepSeq < list[j].JobStepSeq })
	return list, nil
}

// GetJobStepRecord implements store.Store.
func (f *Fake) GetJobStepRecord(_ context.Context, orgID string, id string) (*model.JobStepRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.JobStepRecords[id]
	if !ok || r.OrgID != orgID {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// UpdateJobStepRecordStatus implements store.Store.
func (f *Fake) UpdateJobStepRecordStatus(_ context.Context, id string, status model.StepStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.JobStepRecords[id]; ok {
		r.Status = status
		r.LastModifiedTime = time.Now().UTC()
	}
	return nil
}

// InsertJobStepResourceRecords implements store.Store.
func (f *Fake) InsertJobStepResourceRecords(_ context.Context, records []*model.JobStepResourceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range records {
		cp := *r
		f.StepResourceRecords[r.ID] = &cp
	}
	return nil
}

// ListJobStepResourceRecords implements store.Store.
func (f *Fake) ListJobStepResourceRecords(_ context.Context, orgID string, recordID string) ([]*model.JobStepResourceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []*model.JobStepResourceRecord
	for _, r := range f.StepResourceRecords {
		if r.OrgID == orgID && r.RecordID == recordID {
			cp := *r
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

// UpdateJobStepResourceRecordStatus implements store.Store.
func (f *Fake) UpdateJobStepResourceRecordStatus(_ context.Context, id string, status model.StepStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.StepResourceRecords[id]; ok {
		r.Status = status
		r.LastModifiedTime = time.Now().UTC()
	}
	return nil
}

// SetJobStepResourceRecordOutputFile implements store.Store.
func (f *Fake) SetJobStepResourceRecordOutputFile(_ context.Context, id string, outputFile string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.StepResourceRecords[id]; ok {
		r.OutputFile = outputFile
		r.LastModifiedTime = time.Now().UTC()
	}
	return nil
}
