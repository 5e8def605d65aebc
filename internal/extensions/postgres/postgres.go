// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Mould - A deployment orchestration server that runs typed jobs against
configured environments through loadable resource extensions.

Copyright (C) 2025  The Mould Authors

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.
*/

// Package postgres provides the PostgreSQL resource extension: it executes
// SQL scripts against a configured database.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"mould/pkg/extension"
)

// ExtensionID identifies this extension in schemas and records.
const ExtensionID = "mould.postgresql"

// Extension implements extension.Extension for PostgreSQL targets.
type Extension struct{}

// Ensure Extension implements extension.Extension.
var _ extension.Extension = (*Extension)(nil)

func init() {
	extension.Register(&Extension{})
}

// Config is the connection configuration for one resource.
type Config struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	User     string `json:"user"`
	Password string `json:"password"`
	SSLMode  string `json:"sslmode,omitempty"`
}

func (c *Config) dsn() string {
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslmode)
}

func parseConfig(raw json.RawMessage) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %v", err)
	}
	return &cfg, nil
}

// ID implements extension.Extension.
func (e *Extension) ID() string { return ExtensionID }

// Name implements extension.Extension.
func (e *Extension) Name() string { return "PostgreSQL数据库" }

// ConfigurationSchema implements extension.Extension.
func (e *Extension) ConfigurationSchema() []extension.Attribute {
	return []extension.Attribute{
		{Key: "host", Name: "主机", Type: extension.AttributeString, Required: true},
		{Key: "port", Name: "端口", Type: extension.AttributeInt, Required: true},
		{Key: "database", Name: "数据库", Type: extension.AttributeString, Required: true},
		{Key: "user", Name: "用户名", Type: extension.AttributeString, Required: true},
		{Key: "password", Name: "密码", Type: extension.AttributeString, Required: true},
		{Key: "sslmode", Name: "SSL模式", Type: extension.AttributeString},
	}
}

// ValidateConfiguration implements extension.Extension.
func (e *Extension) ValidateConfiguration(configuration json.RawMessage) error {
	return extension.ValidateObject(e.ConfigurationSchema(), configuration)
}

// TestConfiguration implements extension.Extension.
func (e *Extension) TestConfiguration(ctx context.Context, configuration json.RawMessage, ec *extension.Context) error {
	cfg, err := parseConfig(configuration)
	if err != nil {
		return err
	}
	return ec.RunBlocking(ctx, func() error {
		db, err := sql.Open("pgx", cfg.dsn())
		if err != nil {
			return fmt.Errorf("连接数据库失败: %v", err)
		}
		defer db.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			return fmt.Errorf("连接数据库失败: %v", err)
		}
		return nil
	})
}

// executeParameterSchema is the parameter schema of the execute operation.
func executeParameterSchema() []extension.Attribute {
	return []extension.Attribute{
		{Key: "script", Name: "SQL脚本", Type: extension.AttributeString, Required: true},
	}
}

// Operations implements extension.Extension.
func (e *Extension) Operations() []extension.Operation {
	return []extension.Operation{
		{ID: "execute", Name: "执行SQL脚本", ParameterSchema: executeParameterSchema()},
	}
}

// ValidateOperationParameter implements extension.Extension.
func (e *Extension) ValidateOperationParameter(operationID string, parameter json.RawMessage) error {
	if operationID != "execute" {
		return fmt.Errorf("没有此操作: %s", operationID)
	}
	return extension.ValidateObject(executeParameterSchema(), parameter)
}

// Handle implements extension.Extension.
func (e *Extension) Handle(ctx context.Context, configuration json.RawMessage, operationID string, parameter json.RawMessage, ec *extension.Context, appendLog extension.AppendLog, _ int) error {
	if operationID != "execute" {
		return fmt.Errorf("没有此操作: %s", operationID)
	}
	cfg, err := parseConfig(configuration)
	if err != nil {
		return err
	}
	var param struct {
		Script string `json:"script"`
	}
	if err := json.Unmarshal(parameter, &param); err != nil {
		return fmt.Errorf("解析参数失败: %v", err)
	}

	appendLog(extension.LogInfo, "正在连接数据库")
	return ec.RunBlocking(ctx, func() error {
		db, err := sql.Open("pgx", cfg.dsn())
		if err != nil {
			return fmt.Errorf("连接数据库失败: %v", err)
		}
		defer db.Close()
		appendLog(extension.LogInfo, "正在执行SQL脚本")
		result, err := db.ExecContext(ctx, param.Script)
		if err != nil {
			return fmt.Errorf("执行SQL脚本失败: %v", err)
		}
		if affected, err := result.RowsAffected(); err == nil {
			appendLog(extension.LogInfo, fmt.Sprintf("执行成功, 影响行数: %d", affected))
		} else {
			appendLog(extension.LogInfo, "执行成功")
		}
		return nil
	})
}
