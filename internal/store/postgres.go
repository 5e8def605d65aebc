// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Mould - A deployment orchestration server that runs typed jobs against
configured environments through loadable resource extensions.

Copyright (C) 2025  The Mould Authors

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.
*/

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"mould/internal/model"
)

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Postgres implements Store on a PostgreSQL database through the pgx stdlib
// driver.
type Postgres struct {
	db *sql.DB
	q  querier
}

// Ensure Postgres implements Store.
var _ Store = (*Postgres)(nil)

// OpenPostgres connects to the database at dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Postgres{db: db, q: db}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// InTx implements Store.
func (p *Postgres) InTx(ctx context.Context, fn func(tx Store) error) error {
	if p.db == nil {
		// Already inside a transaction; nesting reuses it.
		return fn(p)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("opening transaction: %w", err)
	}
	if err := fn(&Postgres{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func scanOne[T any](row *sql.Row, dest *T, fields ...any) (*T, error) {
	if err := row.Scan(fields...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return dest, nil
}

// --- organization ---

// InsertOrganization implements Store.
func (p *Postgres) InsertOrganization(ctx context.Context, org *model.Organization) error {
	_, err := p.q.ExecContext(ctx,
		`INSERT INTO organization (id, name, created_time, last_modified_time) VALUES ($1, $2, $3, $4)`,
		org.ID, org.Name, org.CreatedTime, org.LastModifiedTime)
	return err
}

// GetOrganization implements Store.
func (p *Postgres) GetOrganization(ctx context.Context, id string) (*model.Organization, error) {
	var org model.Organization
	row := p.q.QueryRowContext(ctx,
		`SELECT id, name, created_time, last_modified_time FROM organization WHERE id = $1`, id)
	return scanOne(row, &org, &org.ID, &org.Name, &org.CreatedTime, &org.LastModifiedTime)
}

// --- user ---

const userColumns = `id, org_id, source, name, avatar_url, created_time, last_modified_time`

func scanUser(scan func(...any) error) (*model.User, error) {
	var u model.User
	var orgID, avatar sql.NullString
	if err := scan(&u.ID, &orgID, &u.Source, &u.Name, &avatar, &u.CreatedTime, &u.LastModifiedTime); err != nil {
		return nil, err
	}
	u.OrgID = orgID.String
	u.AvatarURL = avatar.String
	return &u, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// InsertUser implements Store.
func (p *Postgres) InsertUser(ctx context.Context, user *model.User) error {
	_, err := p.q.ExecContext(ctx,
		`INSERT INTO user_account (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		user.ID, nullable(user.OrgID), user.Source, user.Name, nullable(user.AvatarURL),
		user.CreatedTime, user.LastModifiedTime)
	return err
}

// GetUser implements Store.
func (p *Postgres) GetUser(ctx context.Context, id string) (*model.User, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM user_account WHERE id = $1`, id)
	u, err := scanUser(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

// UpdateUserProfile implements Store.
func (p *Postgres) UpdateUserProfile(ctx context.Context, id string, name string, avatarURL string) error {
	_, err := p.q.ExecContext(ctx,
		`UPDATE user_account SET name = $2, avatar_url = $3, last_modified_time = now() WHERE id = $1`,
		id, name, nullable(avatarURL))
	return err
}

// UpdateUserOrg implements Store.
func (p *Postgres) UpdateUserOrg(ctx context.Context, id string, orgID string) error {
	_, err := p.q.ExecContext(ctx,
		`UPDATE user_account SET org_id = $2, last_modified_time = now() WHERE id = $1`,
		id, nullable(orgID))
	return err
}

// AnyUserExists implements Store.
func (p *Postgres) AnyUserExists(ctx context.Context) (bool, error) {
	var exists bool
	err := p.q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM user_account)`).Scan(&exists)
	return exists, err
}

// QueryUsersByOrg implements Store.
func (p *Postgres) QueryUsersByOrg(ctx context.Context, orgID string) ([]*model.User, error) {
	rows, err := p.q.QueryContext(ctx,
		`SELECT `+userColumns+` FROM user_account WHERE org_id = $1 ORDER BY created_time`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []*model.User
	for rows.Next() {
		u, err := scanUser(rows.Scan)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- system user ---

const systemUserColumns = `id, email, user_random_value, hashed_auth_key, created_time, last_modified_time`

func scanSystemUser(scan func(...any) error) (*model.SystemUser, error) {
	var su model.SystemUser
	if err := scan(&su.ID, &su.Email, &su.UserRandomValue, &su.HashedAuthKey, &su.CreatedTime, &su.LastModifiedTime); err != nil {
		return nil, err
	}
	return &su, nil
}

// InsertSystemUser implements Store.
func (p *Postgres) InsertSystemUser(ctx context.Context, su *model.SystemUser) error {
	_, err := p.q.ExecContext(ctx,
		`INSERT INTO system_user (`+systemUserColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		su.ID, su.Email, su.UserRandomValue, su.HashedAuthKey, su.CreatedTime, su.LastModifiedTime)
	return err
}

// GetSystemUser implements Store.
func (p *Postgres) GetSystemUser(ctx context.Context, id string) (*model.SystemUser, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+systemUserColumns+` FROM system_user WHERE id = $1`, id)
	su, err := scanSystemUser(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return su, err
}

// GetSystemUserByEmail implements Store.
func (p *Postgres) GetSystemUserByEmail(ctx context.Context, email string) (*model.SystemUser, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+systemUserColumns+` FROM system_user WHERE email = $1`, email)
	su, err := scanSystemUser(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return su, err
}

// FindSystemUsers implements Store.
func (p *Postgres) FindSystemUsers(ctx context.Context, email string, hashedAuthKey string) ([]*model.SystemUser, error) {
	rows, err := p.q.QueryContext(ctx,
		`SELECT `+systemUserColumns+` FROM system_user WHERE email = $1 AND hashed_auth_key = $2 LIMIT 2`,
		email, hashedAuthKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*model.SystemUser
	for rows.Next() {
		su, err := scanSystemUser(rows.Scan)
		if err != nil {
			return nil, err
		}
		list = append(list, su)
	}
	return list, rows.Err()
}

// UpdateSystemUserAuthKey implements Store.
func (p *Postgres) UpdateSystemUserAuthKey(ctx context.Context, id string, hashedAuthKey string) error {
	_, err := p.q.ExecContext(ctx,
		`UPDATE system_user SET hashed_auth_key = $2, last_modified_time = now() WHERE id = $1`,
		id, hashedAuthKey)
	return err
}

// --- external user ---

const externalUserColumns = `id, provider_type, provider, openid, detail_json, created_time, last_modified_time`

// InsertExternalUser implements Store.
func (p *Postgres) InsertExternalUser(ctx context.Context, eu *model.ExternalUser) error {
	_, err := p.q.ExecContext(ctx,
		`INSERT INTO external_user (`+externalUserColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		eu.ID, eu.ProviderType, eu.Provider, eu.Openid, nullable(eu.DetailJSON),
		eu.CreatedTime, eu.LastModifiedTime)
	return err
}

// GetExternalUserByProvider implements Store.
func (p *Postgres) GetExternalUserByProvider(ctx context.Context, providerType model.ProviderType, provider string, openid string) (*model.ExternalUser, error) {
	var eu model.ExternalUser
	var detail sql.NullString
	row := p.q.QueryRowContext(ctx,
		`SELECT `+externalUserColumns+` FROM external_user WHERE provider_type = $1 AND provider = $2 AND openid = $3`,
		providerType, provider, openid)
	if err := row.Scan(&eu.ID, &eu.ProviderType, &eu.Provider, &eu.Openid, &detail, &eu.CreatedTime, &eu.LastModifiedTime); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	eu.DetailJSON = detail.String
	return &eu, nil
}

// UpdateExternalUserDetail implements Store.
func (p *Postgres) UpdateExternalUserDetail(ctx context.Context, id string, detailJSON string) error {
	_, err := p.q.ExecContext(ctx,
		`UPDATE external_user SET detail_json = $2, last_modified_time = now() WHERE id = $1`,
		id, nullable(detailJSON))
	return err
}

// --- environment schema ---

// InsertEnvironmentSchema implements Store.
func (p *Postgres) InsertEnvironmentSchema(ctx context.Context, schema *model.EnvironmentSchema) error {
	_, err := p.q.ExecContext(ctx,
		`INSERT INTO environment_schema (id, org_id, name, created_time, last_modified_time) VALUES ($1, $2, $3, $4, $5)`,
		schema.ID, schema.OrgID, schema.Name, schema.CreatedTime, schema.LastModifiedTime)
	return err
}

// UpdateEnvironmentSchemaName implements Store.
func (p *Postgres) UpdateEnvironmentSchemaName(ctx context.Context, orgID string, id string, name string) error {
	_, err := p.q.ExecContext(ctx,
		`UPDATE environment_schema SET name = $3, last_modified_time = now() WHERE org_id = $1 AND id = $2`,
		orgID, id, name)
	return err
}

// GetEnvironmentSchema implements Store.
func (p *Postgres) GetEnvironmentSchema(ctx context.Context, orgID string, id string) (*model.EnvironmentSchema, error) {
	var s model.EnvironmentSchema
	row := p.q.QueryRowContext(ctx,
		`SELECT id, org_id, name, created_time, last_modified_time FROM environment_schema WHERE org_id = $1 AND id = $2`,
		orgID, id)
	return scanOne(row, &s, &s.ID, &s.OrgID, &s.Name, &s.CreatedTime, &s.LastModifiedTime)
}

// DeleteEnvironmentSchema implements Store.
func (p *Postgres) DeleteEnvironmentSchema(ctx context.Context, orgID string, id string) error {
	_, err := p.q.ExecContext(ctx,
		`DELETE FROM environment_schema WHERE org_id = $1 AND id = $2`, orgID, id)
	return err
}

// QueryEnvironmentSchemas implements Store.
func (p *Postgres) QueryEnvironmentSchemas(ctx context.Context, orgID string) ([]*model.EnvironmentSchema, error) {
	rows, err := p.q.QueryContext(ctx,
		`SELECT id, org_id, name, created_time, last_modified_time FROM environment_schema WHERE org_id = $1 ORDER BY created_time`,
		orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*model.EnvironmentSchema
	for rows.Next() {
		var s model.EnvironmentSchema
		if err := rows.Scan(&s.ID, &s.OrgID, &s.Name, &s.CreatedTime, &s.LastModifiedTime); err != nil {
			return nil, err
		}
		list = append(list, &s)
	}
	return list, rows.Err()
}

const schemaResourceColumns = `id, org_id, environment_schema_id, name, extension_id, extension_name, seq, created_time, last_modified_time`

// InsertSchemaResources implements Store.
func (p *Postgres) InsertSchemaResources(ctx context.Context, resources []*model.EnvironmentSchemaResource) error {
	for _, r := range resources {
		_, err := p.q.ExecContext(ctx,
			`INSERT INTO environment_schema_resource (`+schemaResourceColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			r.ID, r.OrgID, r.SchemaID, r.Name, r.ExtensionID, r.ExtensionName, r.Seq, r.CreatedTime, r.LastModifiedTime)
		if err != nil {
			return err
		}
	}
	return nil
}

// DeleteSchemaResourcesBySchema implements Store.
func (p *Postgres) DeleteSchemaResourcesBySchema(ctx context.Context, orgID string, schemaID string) error {
	_, err := p.q.ExecContext(ctx,
		`DELETE FROM environment_schema_resource WHERE org_id = $1 AND environment_schema_id = $2`,
		orgID, schemaID)
	return err
}

// ListSchemaResources implements Store.
func (p *Postgres) ListSchemaResources(ctx context.Context, orgID string, schemaID string) ([]*model.EnvironmentSchemaResource, error) {
	rows, err := p.q.QueryContext(ctx,
		`SELECT `+schemaResourceColumns+` FROM environment_schema_resource WHERE org_id = $1 AND environment_schema_id = $2 ORDER BY seq`,
		orgID, schemaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*model.EnvironmentSchemaResource
	for rows.Next() {
		var r model.EnvironmentSchemaResource
		if err := rows.Scan(&r.ID, &r.OrgID, &r.SchemaID, &r.Name, &r.ExtensionID, &r.ExtensionName, &r.Seq, &r.CreatedTime, &r.LastModifiedTime); err != nil {
			return nil, err
		}
		list = append(list, &r)
	}
	return list, rows.Err()
}

// --- environment ---

// InsertEnvironment implements Store.
func (p *Postgres) InsertEnvironment(ctx context.Context, env *model.Environment) error {
	_, err := p.q.ExecContext(ctx,
		`INSERT INTO environment (id, org_id, environment_schema_id, name, created_time, last_modified_time) VALUES ($1, $2, $3, $4, $5, $6)`,
		env.ID, env.OrgID, env.SchemaID, env.Name, env.CreatedTime, env.LastModifiedTime)
	return err
}

// UpdateEnvironmentName implements Store.
func (p *Postgres) UpdateEnvironmentName(ctx context.Context, orgID string, id string, name string) error {
	_, err := p.q.ExecContext(ctx,
		`UPDATE environment SET name = $3, last_modified_time = now() WHERE org_id = $1 AND id = $2`,
		orgID, id, name)
	return err
}

// GetEnvironment implements Store.
func (p *Postgres) GetEnvironment(ctx context.Context, orgID string, id string) (*model.Environment, error) {
	var e model.Environment
	row := p.q.QueryRowContext(ctx,
		`SELECT id, org_id, environment_schema_id, name, created_time, last_modified_time FROM environment WHERE org_id = $1 AND id = $2`,
		orgID, id)
	return scanOne(row, &e, &e.ID, &e.OrgID, &e.SchemaID, &e.Name, &e.CreatedTime, &e.LastModifiedTime)
}

// DeleteEnvironment implements Store.
func (p *Postgres) DeleteEnvironment(ctx context.Context, orgID string, id string) error {
	_, err := p.q.ExecContext(ctx,
		`DELETE FROM environment WHERE org_id = $1 AND id = $2`, orgID, id)
	return err
}

// QueryEnvironments implements Store.
func (p *Postgres) QueryEnvironments(ctx context.Context, orgID string, schemaID string) ([]*model.Environment, error) {
	query := `SELECT id, org_id, environment_schema_id, name, created_time, last_modified_time FROM environment WHERE org_id = $1`
	args := []any{orgID}
	if schemaID != "" {
		query += ` AND environment_schema_id = $2`
		args = append(args, schemaID)
	}
	query += ` ORDER BY created_time`
	rows, err := p.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*model.Environment
	for rows.Next() {
		var e model.Environment
		if err := rows.Scan(&e.ID, &e.OrgID, &e.SchemaID, &e.Name, &e.CreatedTime, &e.LastModifiedTime); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}

const environmentResourceColumns = `id, org_id, environment_id, schema_resource_id, name, extension_id, extension_configuration, created_time, last_modified_time`

// InsertEnvironmentResources implements Store.
func (p *Postgres) InsertEnvironmentResources(ctx context.Context, resources []*model.EnvironmentResource) error {
	for _, r := range resources {
		_, err := p.q.ExecContext(ctx,
			`INSERT INTO environment_resource (`+environmentResourceColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			r.ID, r.OrgID, r.EnvironmentID, r.SchemaResourceID, r.Name, r.ExtensionID, r.ExtensionConfiguration, r.CreatedTime, r.LastModifiedTime)
		if err != nil {
			return err
		}
	}
	return nil
}

// DeleteEnvironmentResourcesByEnvironment implements Store.
func (p *Postgres) DeleteEnvironmentResourcesByEnvironment(ctx context.Context, orgID string, environmentID string) error {
	_, err := p.q.ExecContext(ctx,
		`DELETE FROM environment_resource WHERE org_id = $1 AND environment_id = $2`,
		orgID, environmentID)
	return err
}

// ListEnvironmentResources implements Store.
func (p *Postgres) ListEnvironmentResources(ctx context.Context, orgID string, environmentID string) ([]*model.EnvironmentResource, error) {
	rows, err := p.q.QueryContext(ctx,
		`SELECT `+environmentResourceColumns+` FROM environment_resource WHERE org_id = $1 AND environment_id = $2 ORDER BY created_time`,
		orgID, environmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*model.EnvironmentResource
	for rows.Next() {
		var r model.EnvironmentResource
		if err := rows.Scan(&r.ID, &r.OrgID, &r.EnvironmentID, &r.SchemaResourceID, &r.Name, &r.ExtensionID, &r.ExtensionConfiguration, &r.CreatedTime, &r.LastModifiedTime); err != nil {
			return nil, err
		}
		list = append(list, &r)
	}
	return list, rows.Err()
}

// --- job ---

const jobColumns = `id, org_id, environment_schema_id, name, remark, created_time, last_modified_time`

// InsertJob implements Store.
func (p *Postgres) InsertJob(ctx context.Context, job *model.Job) error {
	_, err := p.q.ExecContext(ctx,
		`INSERT INTO job (`+jobColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.OrgID, job.SchemaID, job.Name, nullable(job.Remark), job.CreatedTime, job.LastModifiedTime)
	return err
}

// UpdateJob implements Store.
func (p *Postgres) UpdateJob(ctx context.Context, job *model.Job) error {
	_, err := p.q.ExecContext(ctx,
		`UPDATE job SET name = $3, remark = $4, last_modified_time = now() WHERE org_id = $1 AND id = $2`,
		job.OrgID, job.ID, job.Name, nullable(job.Remark))
	return err
}

func scanJob(scan func(...any) error) (*model.Job, error) {
	var j model.Job
	var remark sql.NullString
	if err := scan(&j.ID, &j.OrgID, &j.SchemaID, &j.Name, &remark, &j.CreatedTime, &j.LastModifiedTime); err != nil {
		return nil, err
	}
	j.Remark = remark.String
	return &j, nil
}

// GetJob implements Store.
func (p *Postgres) GetJob(ctx context.Context, orgID string, id string) (*model.Job, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM job WHERE org_id = $1 AND id = $2`, orgID, id)
	j, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// DeleteJob implements Store.
func (p *Postgres) DeleteJob(ctx context.Context, orgID string, id string) error {
	_, err := p.q.ExecContext(ctx, `DELETE FROM job WHERE org_id = $1 AND id = $2`, orgID, id)
	return err
}

// QueryJobs implements Store.
func (p *Postgres) QueryJobs(ctx context.Context, orgID string, schemaID string) ([]*model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM job WHERE org_id = $1`
	args := []any{orgID}
	if schemaID != "" {
		query += ` AND environment_schema_id = $2`
		args = append(args, schemaID)
	}
	query += ` ORDER BY created_time`
	rows, err := p.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*model.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

const jobStepColumns = `id, org_id, job_id, seq, step_type, name, remark, attachments, schema_resource_id, operation_id, operation_name, operation_parameter, created_time, last_modified_time`

// InsertJobSteps implements Store.
func (p *Postgres) InsertJobSteps(ctx context.Context, steps []*model.JobStep) error {
	for _, s := range steps {
		_, err := p.q.ExecContext(ctx,
			`INSERT INTO job_step (`+jobStepColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			s.ID, s.OrgID, s.JobID, s.Seq, s.Type, s.Name, nullable(s.Remark), nullable(s.Attachments),
			nullable(s.SchemaResourceID), nullable(s.OperationID), nullable(s.OperationName),
			nullable(s.OperationParameter), s.CreatedTime, s.LastModifiedTime)
		if err != nil {
			return err
		}
	}
	return nil
}

// DeleteJobStepsByJob implements Store.
func (p *Postgres) DeleteJobStepsByJob(ctx context.Context, orgID string, jobID string) error {
	_, err := p.q.ExecContext(ctx, `DELETE FROM job_step WHERE org_id = $1 AND job_id = $2`, orgID, jobID)
	return err
}

// ListJobSteps implements Store.
func (p *Postgres) ListJobSteps(ctx context.Context, orgID string, jobID string) ([]*model.JobStep, error) {
	rows, err := p.q.QueryContext(ctx,
		`SELECT `+jobStepColumns+` FROM job_step WHERE org_id = $1 AND job_id = $2 ORDER BY seq`,
		orgID, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*model.JobStep
	for rows.Next() {
		var s model.JobStep
		var remark, attachments, schemaResourceID, operationID, operationName, operationParameter sql.NullString
		if err := rows.Scan(&s.ID, &s.OrgID, &s.JobID, &s.Seq, &s.Type, &s.Name, &remark, &attachments,
			&schemaResourceID, &operationID, &operationName, &operationParameter,
			&s.CreatedTime, &s.LastModifiedTime); err != nil {
			return nil, err
		}
		s.Remark = remark.String
		s.Attachments = attachments.String
		s.SchemaResourceID = schemaResourceID.String
		s.OperationID = operationID.String
		s.OperationName = operationName.String
		s.OperationParameter = operationParameter.String
		list = append(list, &s)
	}
	return list, rows.Err()
}

// --- job record ---

const jobRecordColumns = `id, org_id, job_id, environment_id, status, created_time, last_modified_time`

// InsertJobRecord implements Store.
func (p *Postgres) InsertJobRecord(ctx context.Context, record *model.JobRecord) error {
	_, err := p.q.ExecContext(ctx,
		`INSERT INTO job_record (`+jobRecordColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		record.ID, record.OrgID, record.JobID, record.EnvironmentID, record.Status,
		record.CreatedTime, record.LastModifiedTime)
	return err
}

// GetJobRecord implements Store.
func (p *Postgres) GetJobRecord(ctx context.Context, orgID string, id string) (*model.JobRecord, error) {
	var r model.JobRecord
	row := p.q.QueryRowContext(ctx,
		`SELECT `+jobRecordColumns+` FROM job_record WHERE org_id = $1 AND id = $2`, orgID, id)
	return scanOne(row, &r, &r.ID, &r.OrgID, &r.JobID, &r.EnvironmentID, &r.Status, &r.CreatedTime, &r.LastModifiedTime)
}

// UpdateJobRecordStatus implements Store.
func (p *Postgres) UpdateJobRecordStatus(ctx context.Context, id string, status model.RecordStatus) error {
	_, err := p.q.ExecContext(ctx,
		`UPDATE job_record SET status = $2, last_modified_time = now() WHERE id = $1`, id, status)
	return err
}

// QueryJobRecords implements Store.
func (p *Postgres) QueryJobRecords(ctx context.Context, orgID string, jobID string) ([]*model.JobRecord, error) {
	query := `SELECT ` + jobRecordColumns + ` FROM job_record WHERE org_id = $1`
	args := []any{orgID}
	if jobID != "" {
		query += ` AND job_id = $2`
		args = append(args, jobID)
	}
	query += ` ORDER BY created_time DESC`
	rows, err := p.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*model.JobRecord
	for rows.Next() {
		var r model.JobRecord
		if err := rows.Scan(&r.ID, &r.OrgID, &r.JobID, &r.EnvironmentID, &r.Status, &r.CreatedTime, &r.LastModifiedTime); err != nil {
			return nil, err
		}
		list = append(list, &r)
	}
	return list, rows.Err()
}

// ListRunningJobRecords implements Store.
func (p *Postgres) ListRunningJobRecords(ctx context.Context) ([]*model.JobRecord, error) {
	rows, err := p.q.QueryContext(ctx,
		`SELECT `+jobRecordColumns+` FROM job_record WHERE status = $1`, model.RecordRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*model.JobRecord
	for rows.Next() {
		var r model.JobRecord
		if err := rows.Scan(&r.ID, &r.OrgID, &r.JobID, &r.EnvironmentID, &r.Status, &r.CreatedTime, &r.LastModifiedTime); err != nil {
			return nil, err
		}
		list = append(list, &r)
	}
	return list, rows.Err()
}

// CountRunningJobRecordsByEnvironment implements Store.
func (p *Postgres) CountRunningJobRecordsByEnvironment(ctx context.Context, orgID string, environmentID string) (int, error) {
	var count int
	err := p.q.QueryRowContext(ctx,
		`SELECT count(*) FROM job_record WHERE org_id = $1 AND environment_id = $2 AND status = $3`,
		orgID, environmentID, model.RecordRunning).Scan(&count)
	return count, err
}

// DeleteJobRecordsByJob implements Store.
func (p *Postgres) DeleteJobRecordsByJob(ctx context.Context, orgID string, jobID string) error {
	if _, err := p.q.ExecContext(ctx,
		`DELETE FROM job_step_resource_record WHERE org_id = $1 AND job_id = $2`, orgID, jobID); err != nil {
		return err
	}
	if _, err := p.q.ExecContext(ctx,
		`DELETE FROM job_step_record WHERE org_id = $1 AND job_id = $2`, orgID, jobID); err != nil {
		return err
	}
	_, err := p.q.ExecContext(ctx,
		`DELETE FROM job_record WHERE org_id = $1 AND job_id = $2`, orgID, jobID)
	return err
}

// DeleteJobRecordsByEnvironment implements Store.
func (p *Postgres) DeleteJobRecordsByEnvironment(ctx context.Context, orgID string, environmentID string) error {
	if _, err := p.q.ExecContext(ctx,
		`DELETE FROM job_step_resource_record WHERE org_id = $1 AND environment_id = $2`, orgID, environmentID); err != nil {
		return err
	}
	if _, err := p.q.ExecContext(ctx,
		`DELETE FROM job_step_record WHERE org_id = $1 AND environment_id = $2`, orgID, environmentID); err != nil {
		return err
	}
	_, err := p.q.ExecContext(ctx,
		`DELETE FROM job_record WHERE org_id = $1 AND environment_id = $2`, orgID, environmentID)
	return err
}

// --- job step record ---

const jobStepRecordColumns = `id, org_id, job_id, environment_id, record_id, job_step_id, step_name, step_type, step_remark, job_step_seq, extension_id, operation_id, operation_name, operation_parameter, attachments, status, created_time, last_modified_time`

// InsertJobStepRecords implements Store.
func (p *Postgres) InsertJobStepRecords(ctx context.Context, records []*model.JobStepRecord) error {
	for _, r := range records {
		_, err := p.q.ExecContext(ctx,
			`INSERT INTO job_step_record (`+jobStepRecordColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
			r.ID, r.OrgID, r.JobID, r.EnvironmentID, r.RecordID, r.JobStepID, r.StepName, r.StepType,
			nullable(r.StepRemark), r.JobStepSeq, nullable(r.ExtensionID), nullable(r.OperationID),
			nullable(r.OperationName), nullable(r.OperationParameter), nullable(r.Attachments),
			r.Status, r.CreatedTime, r.LastModifiedTime)
		if err != nil {
			return err
		}
	}
	return nil
}

func scanJobStepRecord(scan func(...any) error) (*model.JobStepRecord, error) {
	var r model.JobStepRecord
	var remark, extensionID, operationID, operationName, operationParameter, attachments sql.NullString
	if err := scan(&r.ID, &r.OrgID, &r.JobID, &r.EnvironmentID, &r.RecordID, &r.JobStepID, &r.StepName,
		&r.StepType, &remark, &r.JobStepSeq, &extensionID, &operationID, &operationName,
		&operationParameter, &attachments, &r.Status, &r.CreatedTime, &r.LastModifiedTime); err != nil {
		return nil, err
	}
	r.StepRemark = remark.String
	r.ExtensionID = extensionID.String
	r.OperationID = operationID.String
	r.OperationName = operationName.String
	r.OperationParameter = operationParameter.String
	r.Attachments = attachments.String
	return &r, nil
}

// ListJobStepRecords implements Store.
func (p *Postgres) ListJobStepRecords(ctx context.Context, orgID string, recordID string) ([]*model.JobStepRecord, error) {
	rows, err := p.q.QueryContext(ctx,
		`SELECT `+jobStepRecordColumns+` FROM job_step_record WHERE org_id = $1 AND record_id = $2 ORDER BY job_step_seq`,
		orgID, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*model.JobStepRecord
	for rows.Next() {
		r, err := scanJobStepRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		list = append(list, r)
	}
	return list, rows.Err()
}

// GetJobStepRecord implements Store.
func (p *Postgres) GetJobStepRecord(ctx context.Context, orgID string, id string) (*model.JobStepRecord, error) {
	row := p.q.QueryRowContext(ctx,
		`SELECT `+jobStepRecordColumns+` FROM job_step_record WHERE org_id = $1 AND id = $2`, orgID, id)
	r, err := scanJobStepRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// UpdateJobStepRecordStatus implements Store.
func (p *Postgres) UpdateJobStepRecordStatus(ctx context.Context, id string, status model.StepStatus) error {
	_, err := p.q.ExecContext(ctx,
		`UPDATE job_step_record SET status = $2, last_modified_time = now() WHERE id = $1`, id, status)
	return err
}

// --- job step resource record ---

const jobStepResourceRecordColumns = `id, org_id, job_id, environment_id, record_id, job_step_record_id, environment_resource_id, resource_name, extension_configuration, output_file, output_content, status, created_time, last_modified_time`

// InsertJobStepResourceRecords implements Store.
func (p *Postgres) InsertJobStepResourceRecords(ctx context.Context, records []*model.JobStepResourceRecord) error {
	for _, r := range records {
		_, err := p.q.ExecContext(ctx,
			`INSERT INTO job_step_resource_record (`+jobStepResourceRecordColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			r.ID, r.OrgID, r.JobID, r.EnvironmentID, r.RecordID, r.JobStepRecordID, r.EnvironmentResourceID,
			r.ResourceName, r.ExtensionConfiguration, nullable(r.OutputFile), nullable(r.OutputContent),
			r.Status, r.CreatedTime, r.LastModifiedTime)
		if err != nil {
			return err
		}
	}
	return nil
}

// ListJobStepResourceRecords implements Store.
func (p *Postgres) ListJobStepResourceRecords(ctx context.Context, orgID string, recordID string) ([]*model.JobStepResourceRecord, error) {
	rows, err := p.q.QueryContext(ctx,
		`SELECT `+jobStepResourceRecordColumns+` FROM job_step_resource_record WHERE org_id = $1 AND record_id = $2 ORDER BY created_time`,
		orgID, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*model.JobStepResourceRecord
	for rows.Next() {
		var r model.JobStepResourceRecord
		var outputFile, outputContent sql.NullString
		if err := rows.Scan(&r.ID, &r.OrgID, &r.JobID, &r.EnvironmentID, &r.RecordID, &r.JobStepRecordID,
			&r.EnvironmentResourceID, &r.ResourceName, &r.ExtensionConfiguration, &outputFile, &outputContent,
			&r.Status, &r.CreatedTime, &r.LastModifiedTime); err != nil {
			return nil, err
		}
		r.OutputFile = outputFile.String
		r.OutputContent = outputContent.String
		list = append(list, &r)
	}
	return list, rows.Err()
}

// UpdateJobStepResourceRecordStatus implements Store.
func (p *Postgres) UpdateJobStepResourceRecordStatus(ctx context.Context, id string, status model.StepStatus) error {
	_, err := p.q.ExecContext(ctx,
		`UPDATE job_step_resource_record SET status = $2, last_modified_time = now() WHERE id = $1`, id, status)
	return err
}

// SetJobStepResourceRecordOutputFile implements Store.
func (p *Postgres) SetJobStepResourceRecordOutputFile(ctx context.Context, id string, outputFile string) error {
	_, err := p.q.ExecContext(ctx,
		`UPDATE job_step_resource_record SET output_file = $2, last_modified_time = now() WHERE id = $1`, id, outputFile)
	return err
}
