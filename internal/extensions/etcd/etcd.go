// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Mould - A deployment orchestration server that runs typed jobs against
configured environments through loadable resource extensions.

Copyright (C) 2025  The Mould Authors

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.
*/

// Package etcd provides the Etcd resource extension: it writes
// configuration keys into a cluster.
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"mould/pkg/extension"
)

// ExtensionID identifies this extension in schemas and records.
const ExtensionID = "mould.etcd"

// Extension implements extension.Extension for Etcd clusters.
type Extension struct{}

// Ensure Extension implements extension.Extension.
var _ extension.Extension = (*Extension)(nil)

func init() {
	extension.Register(&Extension{})
}

// Config is the connection configuration for one cluster.
type Config struct {
	Endpoints []string `json:"endpoints"`
	Username  string   `json:"username,omitempty"`
	Password  string   `json:"password,omitempty"`
}

func parseConfig(raw json.RawMessage) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %v", err)
	}
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("endpoints不能为空")
	}
	return &cfg, nil
}

func (c *Config) client() (*clientv3.Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   c.Endpoints,
		Username:    c.Username,
		Password:    c.Password,
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("连接etcd失败: %v", err)
	}
	return client, nil
}

// ID implements extension.Extension.
func (e *Extension) ID() string { return ExtensionID }

// Name implements extension.Extension.
func (e *Extension) Name() string { return "Etcd集群" }

// ConfigurationSchema implements extension.Extension.
func (e *Extension) ConfigurationSchema() []extension.Attribute {
	return []extension.Attribute{
		{Key: "endpoints", Name: "节点地址", Type: extension.AttributeList, Required: true,
			Item: &extension.Attribute{Key: "endpoint", Type: extension.AttributeString}},
		{Key: "username", Name: "用户名", Type: extension.AttributeString},
		{Key: "password", Name: "密码", Type: extension.AttributeString},
	}
}

// ValidateConfiguration implements extension.Extension.
func (e *Extension) ValidateConfiguration(configuration json.RawMessage) error {
	if err := extension.ValidateObject(e.ConfigurationSchema(), configuration); err != nil {
		return err
	}
	_, err := parseConfig(configuration)
	return err
}

// TestConfiguration implements extension.Extension.
func (e *Extension) TestConfiguration(ctx context.Context, configuration json.RawMessage, ec *extension.Context) error {
	cfg, err := parseConfig(configuration)
	if err != nil {
		return err
	}
	return ec.RunBlocking(ctx, func() error {
		client, err := cfg.client()
		if err != nil {
			return err
		}
		defer client.Close()
		statusCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if _, err := client.Status(statusCtx, cfg.Endpoints[0]); err != nil {
			return fmt.Errorf("访问etcd失败: %v", err)
		}
		return nil
	})
}

func putSchema() []extension.Attribute {
	return []extension.Attribute{
		{Key: "key", Name: "键", Type: extension.AttributeString, Required: true},
		{Key: "value", Name: "值", Type: extension.AttributeString, Required: true},
	}
}

// Operations implements extension.Extension.
func (e *Extension) Operations() []extension.Operation {
	return []extension.Operation{
		{ID: "put", Name: "写入配置", ParameterSchema: putSchema()},
	}
}

// ValidateOperationParameter implements extension.Extension.
func (e *Extension) ValidateOperationParameter(operationID string, parameter json.RawMessage) error {
	if operationID != "put" {
		return fmt.Errorf("没有此操作: %s", operationID)
	}
	return extension.ValidateObject(putSchema(), parameter)
}

// Handle implements extension.Extension.
func (e *Extension) Handle(ctx context.Context, configuration json.RawMessage, operationID string, parameter json.RawMessage, ec *extension.Context, appendLog extension.AppendLog, _ int) error {
	if operationID != "put" {
		return fmt.Errorf("没有此操作: %s", operationID)
	}
	cfg, err := parseConfig(configuration)
	if err != nil {
		return err
	}
	var param struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(parameter, &param); err != nil {
		return fmt.Errorf("解析参数失败: %v", err)
	}

	appendLog(extension.LogInfo, "正在连接etcd")
	return ec.RunBlocking(ctx, func() error {
		client, err := cfg.client()
		if err != nil {
			return err
		}
		defer client.Close()
		appendLog(extension.LogInfo, fmt.Sprintf("正在写入 %s", param.Key))
		putCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if _, err := client.Put(putCtx, param.Key, param.Value); err != nil {
			return fmt.Errorf("写入etcd失败: %v", err)
		}
		appendLog(extension.LogInfo, "写入成功")
		return nil
	})
}
