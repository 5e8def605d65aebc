// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Mould - A deployment orchestration server that runs typed jobs against
configured environments through loadable resource extensions.

Copyright (C) 2025  The Mould Authors

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.
*/

// Package kubernetes provides the Kubernetes resource extension: it patches
// JSON documents stored in ConfigMap keys.
package kubernetes

import (
	"context"
	"encoding/json"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8s "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"mould/pkg/extension"
)

// ExtensionID identifies this extension in schemas and records.
const ExtensionID = "mould.kubernetes"

// Extension implements extension.Extension for Kubernetes clusters.
type Extension struct{}

// Ensure Extension implements extension.Extension.
var _ extension.Extension = (*Extension)(nil)

func init() {
	extension.Register(&Extension{})
}

// Config is the connection configuration for one cluster.
type Config struct {
	Kubeconfig string `json:"kubeconfig"`
	Namespace  string `json:"namespace"`
}

func parseConfig(raw json.RawMessage) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %v", err)
	}
	return &cfg, nil
}

func (c *Config) client() (*k8s.Clientset, error) {
	restCfg, err := clientcmd.RESTConfigFromKubeConfig([]byte(c.Kubeconfig))
	if err != nil {
		return nil, fmt.Errorf("解析kubeconfig失败: %v", err)
	}
	clientset, err := k8s.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("构造kubernetes客户端失败: %v", err)
	}
	return clientset, nil
}

// ID implements extension.Extension.
func (e *Extension) ID() string { return ExtensionID }

// Name implements extension.Extension.
func (e *Extension) Name() string { return "Kubernetes集群" }

// ConfigurationSchema implements extension.Extension.
func (e *Extension) ConfigurationSchema() []extension.Attribute {
	return []extension.Attribute{
		{Key: "kubeconfig", Name: "kubeconfig", Type: extension.AttributeString, Required: true},
		{Key: "namespace", Name: "命名空间", Type: extension.AttributeString, Required: true},
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
		clientset, err := cfg.client()
		if err != nil {
			return err
		}
		if _, err := clientset.CoreV1().ConfigMaps(cfg.Namespace).List(ctx, metav1.ListOptions{Limit: 1}); err != nil {
			return fmt.Errorf("访问集群失败: %v", err)
		}
		return nil
	})
}

// Operation ids.
const (
	opModifyConfigMapJSON       = "modify_config_map_json"
	opModifyConfigMapJSONCustom = "modify_config_map_json_custom"
)

func modifySchema() []extension.Attribute {
	return []extension.Attribute{
		{Key: "config_map_name", Name: "ConfigMap名称", Type: extension.AttributeString, Required: true},
		{Key: "key", Name: "配置项", Type: extension.AttributeString, Required: true},
		{Key: "json_path", Name: "JSON路径", Type: extension.AttributeString, Required: true},
		{Key: "replacement", Name: "替换值", Type: extension.AttributeString, Required: true},
	}
}

func modifyCustomSchema() []extension.Attribute {
	return []extension.Attribute{
		{Key: "config_map_name", Name: "ConfigMap名称", Type: extension.AttributeString, Required: true},
		{Key: "key", Name: "配置项", Type: extension.AttributeString, Required: true},
		{Key: "json_path", Name: "JSON路径", Type: extension.AttributeString, Required: true},
		{Key: "replace_function", Name: "替换函数", Type: extension.AttributeString, Required: true},
	}
}

// Operations implements extension.Extension.
func (e *Extension) Operations() []extension.Operation {
	return []extension.Operation{
		{ID: opModifyConfigMapJSON, Name: "修改ConfigMap配置", ParameterSchema: modifySchema()},
		{ID: opModifyConfigMapJSONCustom, Name: "修改ConfigMap配置(高级)", ParameterSchema: modifyCustomSchema()},
	}
}

// ValidateOperationParameter implements extension.Extension.
func (e *Extension) ValidateOperationParameter(operationID string, parameter json.RawMessage) error {
	switch operationID {
	case opModifyConfigMapJSON:
		return extension.ValidateObject(modifySchema(), parameter)
	case opModifyConfigMapJSONCustom:
		return extension.ValidateObject(modifyCustomSchema(), parameter)
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
	var param struct {
		ConfigMapName   string `json:"config_map_name"`
		Key             string `json:"key"`
		JSONPath        string `json:"json_path"`
		Replacement     string `json:"replacement"`
		ReplaceFunction string `json:"replace_function"`
	}
	if err := json.Unmarshal(parameter, &param); err != nil {
		return fmt.Errorf("解析参数失败: %v", err)
	}

	custom := operationID == opModifyConfigMapJSONCustom
	if !custom && operationID != opModifyConfigMapJSON {
		return fmt.Errorf("没有此操作: %s", operationID)
	}

	appendLog(extension.LogInfo, "正在构造kubernetes客户端")
	clientset, err := cfg.client()
	if err != nil {
		return err
	}
	configMaps := clientset.CoreV1().ConfigMaps(cfg.Namespace)

	appendLog(extension.LogInfo, "正在获取ConfigMap")
	configMap, err := configMaps.Get(ctx, param.ConfigMapName, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("获取ConfigMap失败: %v", err)
	}

	content, ok := configMap.Data[param.Key]
	if !ok {
		if binary, binaryOK := configMap.BinaryData[param.Key]; binaryOK {
			content = string(binary)
			ok = true
		}
	}
	if !ok {
		appendLog(extension.LogWarn, "没有找到key对应的数据")
		return nil
	}

	appendLog(extension.LogInfo, "正在修改配置")
	var updated json.RawMessage
	if custom {
		updated, err = ec.ModifyJSONCustom(ctx, json.RawMessage(content), param.JSONPath, param.ReplaceFunction, resourceIndex)
	} else {
		updated, err = ec.ModifyJSON(json.RawMessage(content), param.JSONPath, json.RawMessage(param.Replacement))
	}
	if err != nil {
		return fmt.Errorf("修改配置失败: %v", err)
	}

	appendLog(extension.LogInfo, "正在提交新配置")
	if _, dataOK := configMap.Data[param.Key]; dataOK {
		configMap.Data[param.Key] = string(updated)
	} else {
		configMap.BinaryData[param.Key] = updated
	}
	if _, err := configMaps.Update(ctx, configMap, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("更新ConfigMap失败: %v", err)
	}
	appendLog(extension.LogInfo, "修改ConfigMap成功!")
	return nil
}
