// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Mould - A deployment orchestration server that runs typed jobs against
configured environments through loadable resource extensions.

Copyright (C) 2025  The Mould Authors

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.
*/

// Package server provides the Linux-server resource extension: it executes
// shell scripts, uploads attachments and patches JSON config files over
// SSH.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"

	"mould/pkg/extension"
)

// ExtensionID identifies this extension in schemas and records.
const ExtensionID = "mould.server"

// Extension implements extension.Extension for Linux hosts reached over
// SSH.
type Extension struct{}

// Ensure Extension implements extension.Extension.
var _ extension.Extension = (*Extension)(nil)

func init() {
	extension.Register(&Extension{})
}

// Config is the connection configuration for one host.
type Config struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	User       string `json:"user"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
}

func parseConfig(raw json.RawMessage) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %v", err)
	}
	if cfg.Password == "" && cfg.PrivateKey == "" {
		return nil, fmt.Errorf("密码和私钥至少要配置一个")
	}
	return &cfg, nil
}

func (c *Config) dial() (*ssh.Client, error) {
	var methods []ssh.AuthMethod
	if c.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(c.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("解析私钥失败: %v", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		methods = append(methods, ssh.Password(c.Password))
	}
	port := c.Port
	if port == 0 {
		port = 22
	}
	client, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", c.Host, port), &ssh.ClientConfig{
		User: c.User,
		Auth: methods,
		// Target hosts are operator-configured resources; host key pinning
		// is not part of the resource configuration.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	})
	if err != nil {
		return nil, fmt.Errorf("连接服务器失败: %v", err)
	}
	return client, nil
}

// runCommand runs one command, feeding stdin when non-nil, and returns the
// combined output.
func runCommand(client *ssh.Client, command string, stdin []byte) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("打开会话失败: %v", err)
	}
	defer session.Close()
	if stdin != nil {
		session.Stdin = bytes.NewReader(stdin)
	}
	output, err := session.CombinedOutput(command)
	if err != nil {
		return string(output), fmt.Errorf("执行命令失败: %v", err)
	}
	return string(output), nil
}

func readRemoteFile(client *ssh.Client, path string) (string, error) {
	return runCommand(client, "cat "+shellQuote(path), nil)
}

func writeRemoteFile(client *ssh.Client, path string, content []byte) error {
	_, err := runCommand(client, "cat > "+shellQuote(path), content)
	return err
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ID implements extension.Extension.
func (e *Extension) ID() string { return ExtensionID }

// Name implements extension.Extension.
func (e *Extension) Name() string { return "Linux服务器" }

// ConfigurationSchema implements extension.Extension.
func (e *Extension) ConfigurationSchema() []extension.Attribute {
	return []extension.Attribute{
		{Key: "host", Name: "主机", Type: extension.AttributeString, Required: true},
		{Key: "port", Name: "端口", Type: extension.AttributeInt},
		{Key: "user", Name: "用户名", Type: extension.AttributeString, Required: true},
		{Key: "password", Name: "密码", Type: extension.AttributeString},
		{Key: "private_key", Name: "私钥", Type: extension.AttributeString},
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
		client, err := cfg.dial()
		if err != nil {
			return err
		}
		defer client.Close()
		_, err = runCommand(client, "true", nil)
		return err
	})
}

// Operation ids.
const (
	opExecute          = "execute"
	opUploadFile       = "upload_file"
	opModifyJSON       = "modify_json"
	opModifyJSONCustom = "modify_json_custom"
)

func executeSchema() []extension.Attribute {
	return []extension.Attribute{
		{Key: "script", Name: "shell脚本", Type: extension.AttributeString, Required: true},
	}
}

func uploadFileSchema() []extension.Attribute {
	return []extension.Attribute{
		{Key: "file", Name: "文件", Type: extension.AttributeFile, Required: true},
		{Key: "remote_path", Name: "目标路径", Type: extension.AttributeString, Required: true},
	}
}

func modifyJSONSchema() []extension.Attribute {
	return []extension.Attribute{
		{Key: "remote_path", Name: "配置文件路径", Type: extension.AttributeString, Required: true},
		{Key: "json_path", Name: "JSON路径", Type: extension.AttributeString, Required: true},
		{Key: "replacement", Name: "替换值", Type: extension.AttributeString, Required: true},
	}
}

func modifyJSONCustomSchema() []extension.Attribute {
	return []extension.Attribute{
		{Key: "remote_path", Name: "配置文件路径", Type: extension.AttributeString, Required: true},
		{Key: "json_path", Name: "JSON路径", Type: extension.AttributeString, Required: true},
		{Key: "replace_function", Name: "替换函数", Type: extension.AttributeString, Required: true},
	}
}

// Operations implements extension.Extension.
func (e *Extension) Operations() []extension.Operation {
	return []extension.Operation{
		{ID: opExecute, Name: "执行shell脚本", ParameterSchema: executeSchema()},
		{ID: opUploadFile, Name: "上传文件", ParameterSchema: uploadFileSchema()},
		{ID: opModifyJSON, Name: "修改json配置", ParameterSchema: modifyJSONSchema()},
		{ID: opModifyJSONCustom, Name: "修改json配置(高级)", ParameterSchema: modifyJSONCustomSchema()},
	}
}

// ValidateOperationParameter implements extension.Extension.
func (e *Extension) ValidateOperationParameter(operationID string, parameter json.RawMessage) error {
	switch operationID {
	case opExecute:
		return extension.ValidateObject(executeSchema(), parameter)
	case opUploadFile:
		return extension.ValidateObject(uploadFileSchema(), parameter)
	case opModifyJSON:
		return extension.ValidateObject(modifyJSONSchema(), parameter)
	case opModifyJSONCustom:
		return extension.ValidateObject(modifyJSONCustomSchema(), parameter)
	default:
		return fmt.Errorf("没有此操作: %s", operationID)
	}
}

// Handle implements extension.Extension.
func (e *Extension) Handle(ctx context.Context, configuration json.RawMessage, operationID string, parameter json.RawMessage, ec *extension.Context, appendLog extension.AppendLog, resourceIndex int) error {
	cfg, err := parseConfig(configuration)
	if err != nil {
		return err
	}
	switch operationID {
	case opExecute:
		return e.execute(ctx, cfg, parameter, ec, appendLog)
	case opUploadFile:
		return e.uploadFile(ctx, cfg, parameter, ec, appendLog)
	case opModifyJSON:
		return e.modifyJSON(ctx, cfg, parameter, ec, appendLog, "", resourceIndex)
	case opModifyJSONCustom:
		return e.modifyJSON(ctx, cfg, parameter, ec, appendLog, "custom", resourceIndex)
	default:
		return fmt.Errorf("没有此操作: %s", operationID)
	}
}

func (e *Extension) execute(ctx context.Context, cfg *Config, parameter json.RawMessage, ec *extension.Context, appendLog extension.AppendLog) error {
	var param struct {
		Script string `json:"script"`
	}
	if err := json.Unmarshal(parameter, &param); err != nil {
		return fmt.Errorf("解析参数失败: %v", err)
	}
	appendLog(extension.LogInfo, "正在连接服务器")
	return ec.RunBlocking(ctx, func() error {
		client, err := cfg.dial()
		if err != nil {
			return err
		}
		defer client.Close()
		appendLog(extension.LogInfo, "正在执行脚本")
		output, err := runCommand(client, param.Script, nil)
		if output != "" {
			appendLog(extension.LogInfo, output)
		}
		if err != nil {
			return err
		}
		appendLog(extension.LogInfo, "脚本执行成功")
		return nil
	})
}

func (e *Extension) uploadFile(ctx context.Context, cfg *Config, parameter json.RawMessage, ec *extension.Context, appendLog extension.AppendLog) error {
	var param struct {
		File       string `json:"file"`
		RemotePath string `json:"remote_path"`
	}
	if err := json.Unmarshal(parameter, &param); err != nil {
		return fmt.Errorf("解析参数失败: %v", err)
	}
	appendLog(extension.LogInfo, "正在下载附件")
	localPath, err := ec.DownloadFile(ctx, param.File)
	if err != nil {
		return fmt.Errorf("下载附件失败: %v", err)
	}
	defer os.Remove(localPath)
	content, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("读取附件失败: %v", err)
	}
	appendLog(extension.LogInfo, "正在连接服务器")
	return ec.RunBlocking(ctx, func() error {
		client, err := cfg.dial()
		if err != nil {
			return err
		}
		defer client.Close()
		appendLog(extension.LogInfo, fmt.Sprintf("正在上传文件到 %s", param.RemotePath))
		if err := writeRemoteFile(client, param.RemotePath, content); err != nil {
			return err
		}
		appendLog(extension.LogInfo, "上传文件成功")
		return nil
	})
}

func (e *Extension) modifyJSON(ctx context.Context, cfg *Config, parameter json.RawMessage, ec *extension.Context, appendLog extension.AppendLog, mode string, resourceIndex int) error {
	var param struct {
		RemotePath      string `json:"remote_path"`
		JSONPath        string `json:"json_path"`
		Replacement     string `json:"replacement"`
		ReplaceFunction string `json:"replace_function"`
	}
	if err := json.Unmarshal(parameter, &param); err != nil {
		return fmt.Errorf("解析参数失败: %v", err)
	}

	appendLog(extension.LogInfo, "正在连接服务器")
	var content string
	if err := ec.RunBlocking(ctx, func() error {
		client, err := cfg.dial()
		if err != nil {
			return err
		}
		defer client.Close()
		appendLog(extension.LogInfo, "正在读取配置文件")
		content, err = readRemoteFile(client, param.RemotePath)
		return err
	}); err != nil {
		return err
	}

	appendLog(extension.LogInfo, "正在修改配置")
	var updated json.RawMessage
	var err error
	if mode == "custom" {
		updated, err = ec.ModifyJSONCustom(ctx, json.RawMessage(content), param.JSONPath, param.ReplaceFunction, resourceIndex)
	} else {
		updated, err = ec.ModifyJSON(json.RawMessage(content), param.JSONPath, json.RawMessage(param.Replacement))
	}
	if err != nil {
		return fmt.Errorf("修改配置失败: %v", err)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, updated, "", "  "); err != nil {
		pretty.Write(updated)
	}
	return ec.RunBlocking(ctx, func() error {
		client, err := cfg.dial()
		if err != nil {
			return err
		}
		defer client.Close()
		appendLog(extension.LogInfo, "正在写回配置文件")
		if err := writeRemoteFile(client, param.RemotePath, pretty.Bytes()); err != nil {
			return err
		}
		appendLog(extension.LogInfo, "修改配置成功")
		return nil
	})
}
