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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mould/internal/model"
	"mould/internal/store/storetest"
	"mould/pkg/extension"
)

// schemaExtension validates configurations against a fixed attribute
// schema and knows one operation.
type schemaExtension struct {
	id string
}

func (e *schemaExtension) ID() string   { return e.id }
func (e *schemaExtension) Name() string { return "Test Extension" }
func (e *schemaExtension) ConfigurationSchema() []extension.Attribute {
	return []extension.Attribute{
		{Key: "host", Name: "Host", Type: extension.AttributeString, Required: true},
	}
}
func (e *schemaExtension) ValidateConfiguration(raw json.RawMessage) error {
	return extension.ValidateObject(e.ConfigurationSchema(), raw)
}
func (e *schemaExtension) TestConfiguration(context.Context, json.RawMessage, *extension.Context) error {
	return nil
}
func (e *schemaExtension) Operations() []extension.Operation {
	return []extension.Operation{{
		ID:   "execute",
		Name: "执行脚本",
		ParameterSchema: []extension.Attribute{
			{Key: "script", Name: "Script", Type: extension.AttributeString, Required: true},
		},
	}}
}
func (e *schemaExtension) ValidateOperationParameter(operationID string, raw json.RawMessage) error {
	if operationID != "execute" {
		return fmt.Errorf("没有此操作")
	}
	return extension.ValidateObject(e.Operations()[0].ParameterSchema, raw)
}
func (e *schemaExtension) Handle(context.Context, json.RawMessage, string, json.RawMessage, *extension.Context, extension.AppendLog, int) error {
	return nil
}

func newServiceFixture(t *testing.T) (*storetest.Fake, *extension.Registry) {
	t.Helper()
	registry := extension.NewRegistry()
	registry.Register(&schemaExtension{id: "mould.test"})
	return storetest.New(), registry
}

const orgID = "org-1"

func saveSchema(t *testing.T, st *storetest.Fake, registry *extension.Registry) string {
	t.Helper()
	svc := NewSchemaService(st, registry)
	id, err := svc.Save(context.Background(), orgID, &SchemaInput{
		Name: "web stack",
		Resources: []SlotInput{
			{Name: "database", ExtensionID: "mould.test"},
		},
	})
	require.NoError(t, err)
	return id
}

func TestSchemaSaveRequiresKnownExtension(t *testing.T) {
	st, registry := newServiceFixture(t)
	svc := NewSchemaService(st, registry)

	_, err := svc.Save(context.Background(), orgID, &SchemaInput{
		Name:      "bad",
		Resources: []SlotInput{{Name: "db", ExtensionID: "mould.unknown"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mould.unknown")
}

func TestSchemaSaveAndRead(t *testing.T) {
	st, registry := newServiceFixture(t)
	schemaID := saveSchema(t, st, registry)

	svc := NewSchemaService(st, registry)
	view, err := svc.Read(context.Background(), orgID, schemaID)
	require.NoError(t, err)
	assert.Equal(t, "web stack", view.Name)
	require.Len(t, view.Resources, 1)
	assert.Equal(t, "mould.test", view.Resources[0].ExtensionID)
	assert.Equal(t, "Test Extension", view.Resources[0].ExtensionName)
}

func TestEnvironmentInsertValidates(t *testing.T) {
	st, registry := newServiceFixture(t)
	schemaID := saveSchema(t, st, registry)
	schemaSvc := NewSchemaService(st, registry)
	view, err := schemaSvc.Read(context.Background(), orgID, schemaID)
	require.NoError(t, err)
	slotID := view.Resources[0].ID

	envSvc := NewEnvironmentService(st, registry)

	// A slot left empty is rejected.
	_, err = envSvc.Insert(context.Background(), orgID, &EnvironmentInput{
		SchemaID: schemaID, Name: "staging",
	})
	require.Error(t, err)

	// A configuration failing the extension schema is rejected.
	_, err = envSvc.Insert(context.Background(), orgID, &EnvironmentInput{
		SchemaID: schemaID, Name: "staging",
		Resources: []ResourceInput{{
			SchemaResourceID: slotID, Name: "db-1",
			ExtensionConfiguration: json.RawMessage(`{"port":1}`),
		}},
	})
	require.Error(t, err)

	// A valid environment lands with the slot's extension id stamped on.
	envID, err := envSvc.Insert(context.Background(), orgID, &EnvironmentInput{
		SchemaID: schemaID, Name: "staging",
		Resources: []ResourceInput{{
			SchemaResourceID: slotID, Name: "db-1",
			ExtensionConfiguration: json.RawMessage(`{"host":"db.internal"}`),
		}},
	})
	require.NoError(t, err)

	envView, err := envSvc.Read(context.Background(), orgID, envID)
	require.NoError(t, err)
	require.Len(t, envView.Resources, 1)
	assert.Equal(t, "mould.test", envView.Resources[0].ExtensionID)
}

func TestEnvironmentDeleteBlockedWhileRunning(t *testing.T) {
	st, registry := newServiceFixture(t)
	schemaID := saveSchema(t, st, registry)
	schemaSvc := NewSchemaService(st, registry)
	view, err := schemaSvc.Read(context.Background(), orgID, schemaID)
	require.NoError(t, err)

	envSvc := NewEnvironmentService(st, registry)
	envID, err := envSvc.Insert(context.Background(), orgID, &EnvironmentInput{
		SchemaID: schemaID, Name: "staging",
		Resources: []ResourceInput{{
			SchemaResourceID: view.Resources[0].ID, Name: "db-1",
			ExtensionConfiguration: json.RawMessage(`{"host":"db"}`),
		}},
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, st.InsertJobRecord(context.Background(), &model.JobRecord{
		ID: "rec-1", OrgID: orgID, JobID: "job-1", EnvironmentID: envID,
		Status: model.RecordRunning, CreatedTime: now, LastModifiedTime: now,
	}))

	err = envSvc.Delete(context.Background(), orgID, envID)
	require.Error(t, err)

	// Once the record is terminal, the cascade goes through.
	require.NoError(t, st.UpdateJobRecordStatus(context.Background(), "rec-1", model.RecordFailure))
	require.NoError(t, envSvc.Delete(context.Background(), orgID, envID))

	_, err = envSvc.Read(context.Background(), orgID, envID)
	require.Error(t, err)
	records, err := st.QueryJobRecords(context.Background(), orgID, "")
	require.NoError(t, err)
	assert.Empty(t, records, "historical records for the environment are gone")
}

func TestJobInsertValidatesOperationParameter(t *testing.T) {
	st, registry := newServiceFixture(t)
	schemaID := saveSchema(t, st, registry)
	schemaSvc := NewSchemaService(st, registry)
	view, err := schemaSvc.Read(context.Background(), orgID, schemaID)
	require.NoError(t, err)
	slotID := view.Resources[0].ID

	jobSvc := NewJobDefinitionService(st, registry)

	_, err = jobSvc.Insert(context.Background(), orgID, &JobInput{
		SchemaID: schemaID, Name: "deploy",
		Steps: []StepInput{{
			Type: model.StepAuto, Name: "run", SchemaResourceID: slotID,
			OperationID: "execute", OperationParameter: json.RawMessage(`{}`),
		}},
	})
	require.Error(t, err, "missing required parameter must be rejected")

	jobID, err := jobSvc.Insert(context.Background(), orgID, &JobInput{
		SchemaID: schemaID, Name: "deploy",
		Steps: []StepInput{
			{Type: model.StepManual, Name: "confirm"},
			{
				Type: model.StepAuto, Name: "run", SchemaResourceID: slotID,
				OperationID: "execute", OperationParameter: json.RawMessage(`{"script":"select 1"}`),
			},
		},
	})
	require.NoError(t, err)

	jobView, err := jobSvc.Read(context.Background(), orgID, jobID)
	require.NoError(t, err)
	require.Len(t, jobView.Steps, 2)
	assert.Equal(t, 1, jobView.Steps[0].Seq)
	assert.Equal(t, model.StepManual, jobView.Steps[0].Type)
	assert.Equal(t, "执行脚本", jobView.Steps[1].OperationName)
}

func TestJobDeleteCascades(t *testing.T) {
	st, registry := newServiceFixture(t)
	schemaID := saveSchema(t, st, registry)
	schemaSvc := NewSchemaService(st, registry)
	view, err := schemaSvc.Read(context.Background(), orgID, schemaID)
	require.NoError(t, err)

	jobSvc := NewJobDefinitionService(st, registry)
	jobID, err := jobSvc.Insert(context.Background(), orgID, &JobInput{
		SchemaID: schemaID, Name: "deploy",
		Steps: []StepInput{{
			Type: model.StepAuto, Name: "run", SchemaResourceID: view.Resources[0].ID,
			OperationID: "execute", OperationParameter: json.RawMessage(`{"script":"select 1"}`),
		}},
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, st.InsertJobRecord(context.Background(), &model.JobRecord{
		ID: "rec-1", OrgID: orgID, JobID: jobID, EnvironmentID: "env-1",
		Status: model.RecordSuccess, CreatedTime: now, LastModifiedTime: now,
	}))

	require.NoError(t, jobSvc.Delete(context.Background(), orgID, jobID))

	_, err = jobSvc.Read(context.Background(), orgID, jobID)
	require.Error(t, err)
	steps, err := st.ListJobSteps(context.Background(), orgID, jobID)
	require.NoError(t, err)
	assert.Empty(t, steps)
	records, err := st.QueryJobRecords(context.Background(), orgID, jobID)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSchemaDeleteBlockedByUsage(t *testing.T) {
	st, registry := newServiceFixture(t)
	schemaID := saveSchema(t, st, registry)
	schemaSvc := NewSchemaService(st, registry)
	view, err := schemaSvc.Read(context.Background(), orgID, schemaID)
	require.NoError(t, err)

	envSvc := NewEnvironmentService(st, registry)
	_, err = envSvc.Insert(context.Background(), orgID, &EnvironmentInput{
		SchemaID: schemaID, Name: "staging",
		Resources: []ResourceInput{{
			SchemaResourceID: view.Resources[0].ID, Name: "db-1",
			ExtensionConfiguration: json.RawMessage(`{"host":"db"}`),
		}},
	})
	require.NoError(t, err)

	err = schemaSvc.Delete(context.Background(), orgID, schemaID)
	assert.Error(t, err)
}

func TestExtensionServiceQueryAndTest(t *testing.T) {
	_, registry := newServiceFixture(t)
	svc := NewExtensionService(registry, func() *extension.Context {
		return extension.NewContext(nil, extension.NewBlockingPool(1), nil, t.TempDir())
	})

	views := svc.Query(context.Background())
	require.Len(t, views, 1)
	assert.Equal(t, "mould.test", views[0].ID)
	require.Len(t, views[0].Operations, 1)

	require.NoError(t, svc.TestConfiguration(context.Background(), "mould.test", json.RawMessage(`{"host":"db"}`)))
	assert.Error(t, svc.TestConfiguration(context.Background(), "mould.test", json.RawMessage(`{}`)))
	assert.Error(t, svc.TestConfiguration(context.Background(), "mould.absent", json.RawMessage(`{}`)))
}
