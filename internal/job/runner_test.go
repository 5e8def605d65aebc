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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mould/internal/model"
	"mould/internal/store/storetest"
	"mould/pkg/extension"
	"mould/pkg/logging"
)

// fakeExtension drives Handle through a per-resource callback.
type fakeExtension struct {
	id     string
	handle func(configuration json.RawMessage, operationID string, appendLog extension.AppendLog, resourceIndex int) error
}

func (f *fakeExtension) ID() string                       { return f.id }
func (f *fakeExtension) Name() string                     { return f.id }
func (f *fakeExtension) ConfigurationSchema() []extension.Attribute { return nil }
func (f *fakeExtension) ValidateConfiguration(json.RawMessage) error { return nil }
func (f *fakeExtension) TestConfiguration(context.Context, json.RawMessage, *extension.Context) error {
	return nil
}
func (f *fakeExtension) Operations() []extension.Operation { return nil }
func (f *fakeExtension) ValidateOperationParameter(string, json.RawMessage) error {
	return nil
}
func (f *fakeExtension) Handle(_ context.Context, configuration json.RawMessage, operationID string, _ json.RawMessage, _ *extension.Context, appendLog extension.AppendLog, resourceIndex int) error {
	return f.handle(configuration, operationID, appendLog, resourceIndex)
}

type fixture struct {
	store   *storetest.Fake
	runner  *Runner
	service *Service
	logDir  string
	orgID   string
}

func newFixture(t *testing.T, registry *extension.Registry) *fixture {
	t.Helper()
	st := storetest.New()
	logDir := t.TempDir()
	runner := NewRunner(st, registry, nil, extension.NewBlockingPool(4), nil, logDir, logging.Discard())
	planner := NewPlanner(st)
	return &fixture{
		store:   st,
		runner:  runner,
		service: NewService(st, planner, runner, logDir),
		logDir:  logDir,
		orgID:   "org-1",
	}
}

// seedJob creates a schema with one slot, an environment with the given
// resources in that slot, and a job with the given steps. It returns the
// job id and environment id.
func (f *fixture) seedJob(t *testing.T, steps []*model.JobStep, resourceNames []string) (string, string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, f.store.InsertEnvironmentSchema(ctx, &model.EnvironmentSchema{
		ID: "schema-1", OrgID: f.orgID, Name: "web stack", CreatedTime: now, LastModifiedTime: now,
	}))
	require.NoError(t, f.store.InsertSchemaResources(ctx, []*model.EnvironmentSchemaResource{{
		ID: "slot-1", OrgID: f.orgID, SchemaID: "schema-1", Name: "primary database",
		ExtensionID: "fake.ext", ExtensionName: "Fake", Seq: 1, CreatedTime: now, LastModifiedTime: now,
	}}))
	require.NoError(t, f.store.InsertEnvironment(ctx, &model.Environment{
		ID: "env-1", OrgID: f.orgID, SchemaID: "schema-1", Name: "staging", CreatedTime: now, LastModifiedTime: now,
	}))
	var resources []*model.EnvironmentResource
	for i, name := range resourceNames {
		resources = append(resources, &model.EnvironmentResource{
			ID: fmt.Sprintf("res-%d", i+1), OrgID: f.orgID, EnvironmentID: "env-1",
			SchemaResourceID: "slot-1", Name: name, ExtensionID: "fake.ext",
			ExtensionConfiguration: fmt.Sprintf(`{"target":%q}`, name),
			CreatedTime:            now.Add(time.Duration(i) * time.Millisecond),
			LastModifiedTime:       now,
		})
	}
	require.NoError(t, f.store.InsertEnvironmentResources(ctx, resources))

	require.NoError(t, f.store.InsertJob(ctx, &model.Job{
		ID: "job-1", OrgID: f.orgID, SchemaID: "schema-1", Name: "deploy", CreatedTime: now, LastModifiedTime: now,
	}))
	for _, s := range steps {
		s.OrgID = f.orgID
		s.JobID = "job-1"
		s.CreatedTime = now
		s.LastModifiedTime = now
	}
	require.NoError(t, f.store.InsertJobSteps(ctx, steps))
	return "job-1", "env-1"
}

func autoStep(id string, seq int) *model.JobStep {
	return &model.JobStep{
		ID: id, Seq: seq, Type: model.StepAuto, Name: "auto " + id,
		SchemaResourceID: "slot-1", OperationID: "op", OperationName: "operate",
		OperationParameter: `{}`,
	}
}

func manualStep(id string, seq int) *model.JobStep {
	return &model.JobStep{ID: id, Seq: seq, Type: model.StepManual, Name: "manual " + id}
}

func TestEmptyJobSucceedsImmediately(t *testing.T) {
	registry := extension.NewRegistry()
	f := newFixture(t, registry)
	jobID, envID := f.seedJob(t, nil, []string{"r1"})

	recordID, err := f.service.StartJob(context.Background(), f.orgID, jobID, envID)
	require.NoError(t, err)
	f.runner.Wait()

	record, err := f.store.GetJobRecord(context.Background(), f.orgID, recordID)
	require.NoError(t, err)
	assert.Equal(t, model.RecordSuccess, record.Status)

	stepRecords, err := f.store.ListJobStepRecords(context.Background(), f.orgID, recordID)
	require.NoError(t, err)
	assert.Empty(t, stepRecords)
}

func TestAutoStepPartialFailure(t *testing.T) {
	registry := extension.NewRegistry()
	registry.Register(&fakeExtension{
		id: "fake.ext",
		handle: func(configuration json.RawMessage, _ string, appendLog extension.AppendLog, _ int) error {
			var cfg struct {
				Target string `json:"target"`
			}
			_ = json.Unmarshal(configuration, &cfg)
			if cfg.Target == "r2" {
				return fmt.Errorf("boom")
			}
			appendLog(extension.LogInfo, "working on "+cfg.Target)
			return nil
		},
	})
	f := newFixture(t, registry)
	jobID, envID := f.seedJob(t, []*model.JobStep{autoStep("s1", 1), autoStep("s2", 2)}, []string{"r1", "r2"})

	recordID, err := f.service.StartJob(context.Background(), f.orgID, jobID, envID)
	require.NoError(t, err)
	f.runner.Wait()

	record, err := f.store.GetJobRecord(context.Background(), f.orgID, recordID)
	require.NoError(t, err)
	assert.Equal(t, model.RecordFailure, record.Status)

	stepRecords, err := f.store.ListJobStepRecords(context.Background(), f.orgID, recordID)
	require.NoError(t, err)
	require.Len(t, stepRecords, 2)
	assert.Equal(t, model.StepFailure, stepRecords[0].Status)
	// The second step is never attempted.
	assert.Equal(t, model.StepPending, stepRecords[1].Status)

	resourceRecords, err := f.store.ListJobStepResourceRecords(context.Background(), f.orgID, recordID)
	require.NoError(t, err)
	byName := map[string]*model.JobStepResourceRecord{}
	for _, rr := range resourceRecords {
		if rr.JobStepRecordID == stepRecords[0].ID {
			byName[rr.ResourceName] = rr
		}
	}
	require.Contains(t, byName, "r1")
	require.Contains(t, byName, "r2")
	// The sibling of the failing resource still ran to completion.
	assert.Equal(t, model.StepSuccess, byName["r1"].Status)
	assert.Equal(t, model.StepFailure, byName["r2"].Status)

	r1Log, ok := ReadLogContent(filepath.Join(f.logDir, byName["r1"].OutputFile))
	require.True(t, ok)
	assert.Contains(t, r1Log, "working on r1")

	r2Log, ok := ReadLogContent(filepath.Join(f.logDir, byName["r2"].OutputFile))
	require.True(t, ok)
	assert.Contains(t, r2Log, "boom")
	assert.Contains(t, r2Log, `"Error"`)
}

func TestManualStepGating(t *testing.T) {
	registry := extension.NewRegistry()
	registry.Register(&fakeExtension{
		id: "fake.ext",
		handle: func(_ json.RawMessage, _ string, appendLog extension.AppendLog, _ int) error {
			appendLog(extension.LogInfo, "auto ran")
			return nil
		},
	})
	f := newFixture(t, registry)
	jobID, envID := f.seedJob(t, []*model.JobStep{manualStep("m1", 1), autoStep("a1", 2)}, []string{"r1"})
	ctx := context.Background()

	recordID, err := f.service.StartJob(ctx, f.orgID, jobID, envID)
	require.NoError(t, err)
	f.runner.Wait()

	stepRecords, err := f.store.ListJobStepRecords(ctx, f.orgID, recordID)
	require.NoError(t, err)
	require.Len(t, stepRecords, 2)
	assert.Equal(t, model.StepRunning, stepRecords[0].Status)
	assert.Equal(t, model.StepPending, stepRecords[1].Status)

	record, err := f.store.GetJobRecord(ctx, f.orgID, recordID)
	require.NoError(t, err)
	assert.Equal(t, model.RecordRunning, record.Status)

	require.NoError(t, f.service.ContinueJob(ctx, f.orgID, recordID, stepRecords[0].ID, true))
	f.runner.Wait()

	stepRecords, err = f.store.ListJobStepRecords(ctx, f.orgID, recordID)
	require.NoError(t, err)
	assert.Equal(t, model.StepSuccess, stepRecords[0].Status)
	assert.Equal(t, model.StepSuccess, stepRecords[1].Status)

	record, err = f.store.GetJobRecord(ctx, f.orgID, recordID)
	require.NoError(t, err)
	assert.Equal(t, model.RecordSuccess, record.Status)
}

func TestManualStepRejection(t *testing.T) {
	registry := extension.NewRegistry()
	registry.Register(&fakeExtension{
		id:     "fake.ext",
		handle: func(json.RawMessage, string, extension.AppendLog, int) error { return nil },
	})
	f := newFixture(t, registry)
	jobID, envID := f.seedJob(t, []*model.JobStep{manualStep("m1", 1), autoStep("a1", 2)}, []string{"r1"})
	ctx := context.Background()

	recordID, err := f.service.StartJob(ctx, f.orgID, jobID, envID)
	require.NoError(t, err)
	f.runner.Wait()

	stepRecords, err := f.store.ListJobStepRecords(ctx, f.orgID, recordID)
	require.NoError(t, err)
	require.NoError(t, f.service.ContinueJob(ctx, f.orgID, recordID, stepRecords[0].ID, false))
	f.runner.Wait()

	stepRecords, err = f.store.ListJobStepRecords(ctx, f.orgID, recordID)
	require.NoError(t, err)
	assert.Equal(t, model.StepFailure, stepRecords[0].Status)
	// The auto step never starts.
	assert.Equal(t, model.StepPending, stepRecords[1].Status)

	record, err := f.store.GetJobRecord(ctx, f.orgID, recordID)
	require.NoError(t, err)
	assert.Equal(t, model.RecordFailure, record.Status)

	// A decided step cannot be continued again.
	err = f.service.ContinueJob(ctx, f.orgID, recordID, stepRecords[0].ID, true)
	assert.Error(t, err)
}

func TestMissingExtensionFailsStep(t *testing.T) {
	// The registry is empty: the plan-time extension id no longer resolves,
	// as after a restart with a removed plugin.
	registry := extension.NewRegistry()
	f := newFixture(t, registry)
	jobID, envID := f.seedJob(t, []*model.JobStep{autoStep("s1", 1)}, []string{"r1"})
	ctx := context.Background()

	recordID, err := f.service.StartJob(ctx, f.orgID, jobID, envID)
	require.NoError(t, err)
	f.runner.Wait()

	record, err := f.store.GetJobRecord(ctx, f.orgID, recordID)
	require.NoError(t, err)
	assert.Equal(t, model.RecordFailure, record.Status)

	resourceRecords, err := f.store.ListJobStepResourceRecords(ctx, f.orgID, recordID)
	require.NoError(t, err)
	require.Len(t, resourceRecords, 1)
	assert.Equal(t, model.StepFailure, resourceRecords[0].Status)

	content, ok := ReadLogContent(filepath.Join(f.logDir, resourceRecords[0].OutputFile))
	require.True(t, ok)
	assert.Contains(t, content, "fake.ext")
}

func TestConfigurationSnapshotIsImmutable(t *testing.T) {
	registry := extension.NewRegistry()
	seen := make(chan string, 1)
	registry.Register(&fakeExtension{
		id: "fake.ext",
		handle: func(configuration json.RawMessage, _ string, _ extension.AppendLog, _ int) error {
			seen <- string(configuration)
			return nil
		},
	})
	f := newFixture(t, registry)
	jobID, envID := f.seedJob(t, []*model.JobStep{manualStep("m1", 1), autoStep("a1", 2)}, []string{"r1"})
	ctx := context.Background()

	recordID, err := f.service.StartJob(ctx, f.orgID, jobID, envID)
	require.NoError(t, err)
	f.runner.Wait()

	// Edit the environment resource while the run is parked on the manual
	// step; the snapshot taken at plan time must win.
	f.store.EnvResources["res-1"].ExtensionConfiguration = `{"target":"EDITED"}`

	stepRecords, err := f.store.ListJobStepRecords(ctx, f.orgID, recordID)
	require.NoError(t, err)
	require.NoError(t, f.service.ContinueJob(ctx, f.orgID, recordID, stepRecords[0].ID, true))
	f.runner.Wait()

	assert.JSONEq(t, `{"target":"r1"}`, <-seen)
}

func TestPlannerRejectsSchemaMismatch(t *testing.T) {
	registry := extension.NewRegistry()
	f := newFixture(t, registry)
	jobID, _ := f.seedJob(t, []*model.JobStep{autoStep("s1", 1)}, []string{"r1"})
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, f.store.InsertEnvironmentSchema(ctx, &model.EnvironmentSchema{
		ID: "schema-2", OrgID: f.orgID, Name: "other", CreatedTime: now, LastModifiedTime: now,
	}))
	require.NoError(t, f.store.InsertEnvironment(ctx, &model.Environment{
		ID: "env-2", OrgID: f.orgID, SchemaID: "schema-2", Name: "prod", CreatedTime: now, LastModifiedTime: now,
	}))

	_, err := f.service.StartJob(ctx, f.orgID, jobID, "env-2")
	require.Error(t, err)

	records, err := f.store.QueryJobRecords(ctx, f.orgID, jobID)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestPlannerRejectsEmptySlot(t *testing.T) {
	registry := extension.NewRegistry()
	f := newFixture(t, registry)
	jobID, envID := f.seedJob(t, []*model.JobStep{autoStep("s1", 1)}, nil)
	ctx := context.Background()

	_, err := f.service.StartJob(ctx, f.orgID, jobID, envID)
	require.Error(t, err)

	// The plan failed atomically: no record exists.
	records, err := f.store.QueryJobRecords(ctx, f.orgID, jobID)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRecoverOnBootFailsOrphanedRecords(t *testing.T) {
	registry := extension.NewRegistry()
	f := newFixture(t, registry)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, f.store.InsertJobRecord(ctx, &model.JobRecord{
		ID: "rec-orphan", OrgID: f.orgID, JobID: "job-x", EnvironmentID: "env-x",
		Status: model.RecordRunning, CreatedTime: now, LastModifiedTime: now,
	}))

	require.NoError(t, f.runner.RecoverOnBoot(ctx))

	record, err := f.store.GetJobRecord(ctx, f.orgID, "rec-orphan")
	require.NoError(t, err)
	assert.Equal(t, model.RecordFailure, record.Status)
}

func TestReadJobRecordInlinesLogs(t *testing.T) {
	registry := extension.NewRegistry()
	registry.Register(&fakeExtension{
		id: "fake.ext",
		handle: func(_ json.RawMessage, _ string, appendLog extension.AppendLog, _ int) error {
			appendLog(extension.LogInfo, "line one")
			appendLog(extension.LogWarn, "line two")
			return nil
		},
	})
	f := newFixture(t, registry)
	jobID, envID := f.seedJob(t, []*model.JobStep{autoStep("s1", 1)}, []string{"r1"})
	ctx := context.Background()

	recordID, err := f.service.StartJob(ctx, f.orgID, jobID, envID)
	require.NoError(t, err)
	f.runner.Wait()

	view, err := f.service.ReadJobRecord(ctx, f.orgID, recordID)
	require.NoError(t, err)
	assert.Equal(t, model.RecordSuccess, view.Status)
	assert.Equal(t, "deploy", view.JobName)
	assert.Equal(t, "staging", view.EnvironmentName)
	require.Len(t, view.StepRecords, 1)
	require.Len(t, view.StepRecords[0].ResourceRecords, 1)

	output := view.StepRecords[0].ResourceRecords[0].Output
	var entries []map[string]any
	require.NoError(t, json.Unmarshal([]byte(output), &entries), "output must be a JSON array: %s", output)
	require.Len(t, entries, 2)
	assert.Equal(t, "line one", entries[0]["content"])
	assert.Equal(t, "Warn", entries[1]["level"])
}

func TestReadLogContentMissingFile(t *testing.T) {
	_, ok := ReadLogContent(filepath.Join(t.TempDir(), "absent.log"))
	assert.False(t, ok)
}

func TestFileSinkFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.log")
	opened := false
	sink := newFileSink(path, func() error { opened = true; return nil })
	sink.Append(extension.LogInfo, "hello")
	sink.Append(extension.LogError, "world")
	sink.Close()

	assert.True(t, opened)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(raw), ","))

	content, ok := ReadLogContent(path)
	require.True(t, ok)
	var entries []logEntry
	require.NoError(t, json.Unmarshal([]byte(content), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, extension.LogInfo, entries[0].Level)
	assert.Equal(t, "world", entries[1].Content)
}
