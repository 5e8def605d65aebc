// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Mould - A deployment orchestration server that runs typed jobs against
configured environments through loadable resource extensions.

Copyright (C) 2025  The Mould Authors

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.
*/

// Package store defines the persistence contract for every entity and its
// PostgreSQL implementation. Callers that need atomicity run inside InTx;
// the Store handed to the callback is bound to the transaction.
package store

import (
	"context"
	"errors"

	"mould/internal/model"
)

// ErrNotFound is returned by point reads that match nothing.
var ErrNotFound = errors.New("not found")

// Store is the persistence surface. Query methods scope by org id; point
// reads return ErrNotFound when nothing matches.
type Store interface {
	// InTx runs fn against a transactional view of the store and commits
	// only when fn returns nil.
	InTx(ctx context.Context, fn func(tx Store) error) error

	OrganizationStore
	UserStore
	EnvironmentSchemaStore
	EnvironmentStore
	JobStore
	RecordStore
}

// OrganizationStore persists tenants.
type OrganizationStore interface {
	InsertOrganization(ctx context.Context, org *model.Organization) error
	GetOrganization(ctx context.Context, id string) (*model.Organization, error)
}

// UserStore persists users and their system/external halves.
type UserStore interface {
	InsertUser(ctx context.Context, user *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	UpdateUserProfile(ctx context.Context, id string, name string, avatarURL string) error
	UpdateUserOrg(ctx context.Context, id string, orgID string) error
	// AnyUserExists reports whether any user has ever registered; the first
	// one bootstraps the default organization.
	AnyUserExists(ctx context.Context) (bool, error)
	QueryUsersByOrg(ctx context.Context, orgID string) ([]*model.User, error)

	InsertSystemUser(ctx context.Context, su *model.SystemUser) error
	GetSystemUser(ctx context.Context, id string) (*model.SystemUser, error)
	GetSystemUserByEmail(ctx context.Context, email string) (*model.SystemUser, error)
	// FindSystemUsers returns every row matching both email and hashed auth
	// key; login demands exactly one.
	FindSystemUsers(ctx context.Context, email string, hashedAuthKey string) ([]*model.SystemUser, error)
	UpdateSystemUserAuthKey(ctx context.Context, id string, hashedAuthKey string) error

	InsertExternalUser(ctx context.Context, eu *model.ExternalUser) error
	GetExternalUserByProvider(ctx context.Context, providerType model.ProviderType, provider string, openid string) (*model.ExternalUser, error)
	UpdateExternalUserDetail(ctx context.Context, id string, detailJSON string) error
}

// EnvironmentSchemaStore persists schemas and their slots.
type EnvironmentSchemaStore interface {
	InsertEnvironmentSchema(ctx context.Context, schema *model.EnvironmentSchema) error
	UpdateEnvironmentSchemaName(ctx context.Context, orgID string, id string, name string) error
	GetEnvironmentSchema(ctx context.Context, orgID string, id string) (*model.EnvironmentSchema, error)
	DeleteEnvironmentSchema(ctx context.Context, orgID string, id string) error
	QueryEnvironmentSchemas(ctx context.Context, orgID string) ([]*model.EnvironmentSchema, error)

	InsertSchemaResources(ctx context.Context, resources []*model.EnvironmentSchemaResource) error
	DeleteSchemaResourcesBySchema(ctx context.Context, orgID string, schemaID string) error
	ListSchemaResources(ctx context.Context, orgID string, schemaID string) ([]*model.EnvironmentSchemaResource, error)
}

// EnvironmentStore persists environments and their resources.
type EnvironmentStore interface {
	InsertEnvironment(ctx context.Context, env *model.Environment) error
	UpdateEnvironmentName(ctx context.Context, orgID string, id string, name string) error
	GetEnvironment(ctx context.Context, orgID string, id string) (*model.Environment, error)
	DeleteEnvironment(ctx context.Context, orgID string, id string) error
	QueryEnvironments(ctx context.Context, orgID string, schemaID string) ([]*model.Environment, error)

	InsertEnvironmentResources(ctx context.Context, resources []*model.EnvironmentResource) error
	DeleteEnvironmentResourcesByEnvironment(ctx context.Context, orgID string, environmentID string) error
	ListEnvironmentResources(ctx context.Context, orgID string, environmentID string) ([]*model.EnvironmentResource, error)
}

// JobStore persists jobs and their steps.
type JobStore interface {
	InsertJob(ctx context.Context, job *model.Job) error
	UpdateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, orgID string, id string) (*model.Job, error)
	DeleteJob(ctx context.Context, orgID string, id string) error
	QueryJobs(ctx context.Context, orgID string, schemaID string) ([]*model.Job, error)

	InsertJobSteps(ctx context.Context, steps []*model.JobStep) error
	DeleteJobStepsByJob(ctx context.Context, orgID string, jobID string) error
	ListJobSteps(ctx context.Context, orgID string, jobID string) ([]*model.JobStep, error)
}

// RecordStore persists job runs and their step/resource leaves.
type RecordStore interface {
	InsertJobRecord(ctx context.Context, record *model.JobRecord) error
	GetJobRecord(ctx context.Context, orgID string, id string) (*model.JobRecord, error)
	UpdateJobRecordStatus(ctx context.Context, id string, status model.RecordStatus) error
	QueryJobRecords(ctx context.Context, orgID string, jobID string) ([]*model.JobRecord, error)
	// ListRunningJobRecords is used by boot recovery; it is not org-scoped.
	ListRunningJobRecords(ctx context.Context) ([]*model.JobRecord, error)
	CountRunningJobRecordsByEnvironment(ctx context.Context, orgID string, environmentID string) (int, error)
	// DeleteJobRecordsByJob and DeleteJobRecordsByEnvironment cascade to the
	// step and resource records under the deleted job records.
	DeleteJobRecordsByJob(ctx context.Context, orgID string, jobID string) error
	DeleteJobRecordsByEnvironment(ctx context.Context, orgID string, environmentID string) error

	InsertJobStepRecords(ctx context.Context, records []*model.JobStepRecord) error
	ListJobStepRecords(ctx context.Context, orgID string, recordID string) ([]*model.JobStepRecord, error)
	GetJobStepRecord(ctx context.Context, orgID string, id string) (*model.JobStepRecord, error)
	UpdateJobStepRecordStatus(ctx context.Context, id string, status model.StepStatus) error

	InsertJobStepResourceRecords(ctx context.Context, records []*model.JobStepResourceRecord) error
	ListJobStepResourceRecords(ctx context.Context, orgID string, recordID string) ([]*model.JobStepResourceRecord, error)
	UpdateJobStepResourceRecordStatus(ctx context.Context, id string, status model.StepStatus) error
	// SetJobStepResourceRecordOutputFile records the log file assigned at
	// first write.
	SetJobStepResourceRecordOutputFile(ctx context.Context, id string, outputFile string) error
}
