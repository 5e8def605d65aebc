// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Mould - A deployment orchestration server that runs typed jobs against
configured environments through loadable resource extensions.

Copyright (C) 2025  The Mould Authors

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.
*/

// Package cloudflarepages provides the Cloudflare Pages resource
// extension: it pushes an attachment bundle as a new deployment through
// the Pages HTTP API.
package cloudflarepages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"mould/pkg/extension"
)

// ExtensionID identifies this extension in schemas and records.
const ExtensionID = "mould.cloudflare_pages"

// DefaultAPIBase is the Cloudflare API root. Configurable per resource so
// tests and proxies can redirect it.
const DefaultAPIBase = "https://api.cloudflare.com/client/v4"

// Extension implements extension.Extension for Cloudflare Pages projects.
type Extension struct {
	httpClient *http.Client
}

// Ensure Extension implements extension.Extension.
var _ extension.Extension = (*Extension)(nil)

func init() {
	extension.Register(&Extension{httpClient: &http.Client{Timeout: 5 * time.Minute}})
}

// Config is the connection configuration for one Pages project.
type Config struct {
	APIToken    string `json:"api_token"`
	AccountID   string `json:"account_id"`
	ProjectName string `json:"project_name"`
	APIBase     string `json:"api_base,omitempty"`
}

func parseConfig(raw json.RawMessage) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %v", err)
	}
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	return &cfg, nil
}

func (c *Config) projectURL() string {
	return fmt.Sprintf("%s/accounts/%s/pages/projects/%s", c.APIBase, c.AccountID, c.ProjectName)
}

// ID implements extension.Extension.
func (e *Extension) ID() string { return ExtensionID }

// Name implements extension.Extension.
func (e *Extension) Name() string { return "Cloudflare Pages" }

// ConfigurationSchema implements extension.Extension.
func (e *Extension) ConfigurationSchema() []extension.Attribute {
	return []extension.Attribute{
		{Key: "api_token", Name: "API令牌", Type: extension.AttributeString, Required: true},
		{Key: "account_id", Name: "账户ID", Type: extension.AttributeString, Required: true},
		{Key: "project_name", Name: "项目名称", Type: extension.AttributeString, Required: true},
		{Key: "api_base", Name: "API地址", Type: extension.AttributeString},
	}
}

// ValidateConfiguration implements extension.Extension.
func (e *Extension) ValidateConfiguration(configuration json.RawMessage) error {
	return extension.ValidateObject(e.ConfigurationSchema(), configuration)
}

// TestConfiguration implements extension.Extension.
func (e *Extension) TestConfiguration(ctx context.Context, configuration json.RawMessage, _ *extension.Context) error {
	cfg, err := parseConfig(configuration)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.projectURL(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+cfg.APIToken)
	resp, err := e.client().Do(req)
	if err != nil {
		return fmt.Errorf("访问Cloudflare API失败: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("访问Cloudflare API失败: status %d: %s", resp.StatusCode, body)
	}
	return nil
}

func (e *Extension) client() *http.Client {
	if e.httpClient != nil {
		return e.httpClient
	}
	return http.DefaultClient
}

func deploySchema() []extension.Attribute {
	return []extension.Attribute{
		{Key: "file", Name: "部署包", Type: extension.AttributeFile, Required: true},
	}
}

// Operations implements extension.Extension.
func (e *Extension) Operations() []extension.Operation {
	return []extension.Operation{
		{ID: "deploy", Name: "部署", ParameterSchema: deploySchema()},
	}
}

// ValidateOperationParameter implements extension.Extension.
func (e *Extension) ValidateOperationParameter(operationID string, parameter json.RawMessage) error {
	if operationID != "deploy" {
		return fmt.Errorf("没有此操作: %s", operationID)
	}
	return extension.ValidateObject(deploySchema(), parameter)
}

// Handle implements extension.Extension.
func (e *Extension) Handle(ctx context.Context, configuration json.RawMessage, operationID string, parameter json.RawMessage, ec *extension.Context, appendLog extension.AppendLog, _ int) error {
	if operationID != "deploy" {
		return fmt.Errorf("没有此操作: %s", operationID)
	}
	cfg, err := parseConfig(configuration)
	if err != nil {
		return err
	}
	var param struct {
		File string `json:"file"`
	}
	if err := json.Unmarshal(parameter, &param); err != nil {
		return fmt.Errorf("解析参数失败: %v", err)
	}

	appendLog(extension.LogInfo, "正在下载部署包")
	localPath, err := ec.DownloadFile(ctx, param.File)
	if err != nil {
		return fmt.Errorf("下载部署包失败: %v", err)
	}
	defer os.Remove(localPath)

	bundle, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("读取部署包失败: %v", err)
	}

	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	part, err := writer.CreateFormFile("file", "bundle.zip")
	if err != nil {
		return err
	}
	if _, err := part.Write(bundle); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	appendLog(extension.LogInfo, "正在创建部署")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.projectURL()+"/deployments", &form)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+cfg.APIToken)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := e.client().Do(req)
	if err != nil {
		return fmt.Errorf("创建部署失败: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("创建部署失败: status %d: %s", resp.StatusCode, body)
	}

	var result struct {
		Success bool `json:"success"`
		Result  struct {
			ID  string `json:"id"`
			URL string `json:"url"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &result); err == nil && result.Result.URL != "" {
		appendLog(extension.LogInfo, fmt.Sprintf("部署成功: %s", result.Result.URL))
	} else {
		appendLog(extension.LogInfo, "部署成功")
	}
	return nil
}
