// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Mould - A deployment orchestration server that runs typed jobs against
configured environments through loadable resource extensions.

Copyright (C) 2025  The Mould Authors

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.
*/

// Package model defines the persistent entities. Ids are opaque UUID strings;
// org_id scopes every user-facing entity; all times are UTC.
package model

import "time"

// UserSource distinguishes password accounts from provider-linked accounts.
type UserSource string

// User sources.
const (
	UserSourceSystem   UserSource = "System"
	UserSourceExternal UserSource = "External"
)

// ProviderType distinguishes the two external-auth protocols.
type ProviderType string

// Provider types.
const (
	ProviderOpenid ProviderType = "Openid"
	ProviderOauth2 ProviderType = "Oauth2"
)

// StepType distinguishes extension-driven steps from operator gates.
type StepType string

// Step types.
const (
	StepAuto   StepType = "Auto"
	StepManual StepType = "Manual"
)

// RecordStatus is the lifecycle of a job record.
type RecordStatus string

// Job record statuses.
const (
	RecordRunning RecordStatus = "Running"
	RecordSuccess RecordStatus = "Success"
	RecordFailure RecordStatus = "Failure"
)

// StepStatus is the lifecycle of a step record or step resource record.
// Success and Failure are terminal.
type StepStatus string

// Step record statuses.
const (
	StepPending StepStatus = "Pending"
	StepRunning StepStatus = "Running"
	StepSuccess StepStatus = "Success"
	StepFailure StepStatus = "Failure"
)

// Terminal reports whether a step status can no longer transition.
func (s StepStatus) Terminal() bool {
	return s == StepSuccess || s == StepFailure
}

// Organization is the root tenant, created lazily on first registration.
type Organization struct {
	ID               string
	Name             string
	CreatedTime      time.Time
	LastModifiedTime time.Time
}

// User is the identity every session resolves to. OrgID stays empty until
// the user joins or creates an organization.
type User struct {
	ID               string
	OrgID            string
	Source           UserSource
	Name             string
	AvatarURL        string
	CreatedTime      time.Time
	LastModifiedTime time.Time
}

// SystemUser holds the password-derived credentials for a User with
// Source == System. It shares the user's id.
type SystemUser struct {
	ID               string
	Email            string
	UserRandomValue  string // base64, chosen by the client at registration
	HashedAuthKey    string // base64(SHA-512(auth key))
	CreatedTime      time.Time
	LastModifiedTime time.Time
}

// ExternalUser links a User with Source == External to a provider identity.
// (ProviderType, Provider, Openid) is unique.
type ExternalUser struct {
	ID               string
	ProviderType     ProviderType
	Provider         string
	Openid           string
	DetailJSON       string
	CreatedTime      time.Time
	LastModifiedTime time.Time
}

// EnvironmentSchema is a typed catalog of resource slots.
type EnvironmentSchema struct {
	ID               string
	OrgID            string
	Name             string
	CreatedTime      time.Time
	LastModifiedTime time.Time
}

// EnvironmentSchemaResource is one typed slot in a schema.
type EnvironmentSchemaResource struct {
	ID               string
	OrgID            string
	SchemaID         string
	Name             string
	ExtensionID      string
	ExtensionName    string
	Seq              int
	CreatedTime      time.Time
	LastModifiedTime time.Time
}

// Environment populates a schema's slots with concrete resources.
type Environment struct {
	ID               string
	OrgID            string
	SchemaID         string
	Name             string
	CreatedTime      time.Time
	LastModifiedTime time.Time
}

// EnvironmentResource is a connection-configured instance filling one slot.
type EnvironmentResource struct {
	ID                     string
	OrgID                  string
	EnvironmentID          string
	SchemaResourceID       string
	Name                   string
	ExtensionID            string
	ExtensionConfiguration string // json
	CreatedTime            time.Time
	LastModifiedTime       time.Time
}

// Job is an ordered list of steps bound to a schema.
type Job struct {
	ID               string
	OrgID            string
	SchemaID         string
	Name             string
	Remark           string
	CreatedTime      time.Time
	LastModifiedTime time.Time
}

// JobStep is one step of a job. Auto steps carry the operation binding;
// Manual steps only gate on an operator decision.
type JobStep struct {
	ID                 string
	OrgID              string
	JobID              string
	Seq                int
	Type               StepType
	Name               string
	Remark             string
	Attachments        string // json list of blob keys
	SchemaResourceID   string
	OperationID        string
	OperationName      string
	OperationParameter string // json
	CreatedTime        time.Time
	LastModifiedTime   time.Time
}

// JobRecord is the durable root of one run of a job against an environment.
type JobRecord struct {
	ID               string
	OrgID            string
	JobID            string
	EnvironmentID    string
	Status           RecordStatus
	CreatedTime      time.Time
	LastModifiedTime time.Time
}

// JobStepRecord snapshots a step at plan time. Extension and operation
// fields are empty for Manual steps.
type JobStepRecord struct {
	ID                 string
	OrgID              string
	JobID              string
	EnvironmentID      string
	RecordID           string
	JobStepID          string
	StepName           string
	StepType           StepType
	StepRemark         string
	JobStepSeq         int
	ExtensionID        string
	OperationID        string
	OperationName      string
	OperationParameter string
	Attachments        string
	Status             StepStatus
	CreatedTime        time.Time
	LastModifiedTime   time.Time
}

// JobStepResourceRecord is the per-(step, resource) execution leaf. The
// extension configuration is snapshotted at plan time and never re-read.
type JobStepResourceRecord struct {
	ID                     string
	OrgID                  string
	JobID                  string
	EnvironmentID          string
	RecordID               string
	JobStepRecordID        string
	EnvironmentResourceID  string
	ResourceName           string
	ExtensionConfiguration string
	OutputFile             string
	OutputContent          string
	Status                 StepStatus
	CreatedTime            time.Time
	LastModifiedTime       time.Time
}
