// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Mould - A deployment orchestration server that runs typed jobs against
configured environments through loadable resource extensions.

Copyright (C) 2025  The Mould Authors

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.
*/

package kubernetes

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateConfiguration(t *testing.T) {
	e := &Extension{}
	assert.NoError(t, e.ValidateConfiguration(json.RawMessage(
		`{"kubeconfig":"apiVersion: v1\nkind: Config\n","namespace":"default"}`)))
	assert.Error(t, e.ValidateConfiguration(json.RawMessage(`{"namespace":"default"}`)))
}

func TestValidateOperationParameter(t *testing.T) {
	e := &Extension{}
	assert.NoError(t, e.ValidateOperationParameter("modify_config_map_json", json.RawMessage(
		`{"config_map_name":"app","key":"config.json","json_path":"/db/host","replacement":"\"db2\""}`)))
	assert.NoError(t, e.ValidateOperationParameter("modify_config_map_json_custom", json.RawMessage(
		`{"config_map_name":"app","key":"config.json","json_path":"/db/host","replace_function":"(v,i)=>v"}`)))
	assert.Error(t, e.ValidateOperationParameter("modify_config_map_json", json.RawMessage(`{}`)))
	assert.Error(t, e.ValidateOperationParameter("delete", json.RawMessage(`{}`)))
}
