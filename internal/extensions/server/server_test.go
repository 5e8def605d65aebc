// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Mould - A deployment orchestration server that runs typed jobs against
configured environments through loadable resource extensions.

Copyright (C) 2025  The Mould Authors

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.
*/

package server

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateConfigurationRequiresCredential(t *testing.T) {
	e := &Extension{}
	assert.NoError(t, e.ValidateConfiguration(json.RawMessage(
		`{"host":"10.0.0.1","user":"root","password":"pw"}`)))
	assert.NoError(t, e.ValidateConfiguration(json.RawMessage(
		`{"host":"10.0.0.1","user":"root","private_key":"-----BEGIN..."}`)))
	// Neither password nor private key.
	assert.Error(t, e.ValidateConfiguration(json.RawMessage(
		`{"host":"10.0.0.1","user":"root"}`)))
}

func TestValidateOperationParameters(t *testing.T) {
	e := &Extension{}
	assert.NoError(t, e.ValidateOperationParameter("execute", json.RawMessage(`{"script":"uptime"}`)))
	assert.NoError(t, e.ValidateOperationParameter("upload_file", json.RawMessage(`{"file":"abc","remote_path":"/tmp/x"}`)))
	assert.NoError(t, e.ValidateOperationParameter("modify_json", json.RawMessage(
		`{"remote_path":"/etc/app.json","json_path":"/db/host","replacement":"\"db2\""}`)))
	assert.NoError(t, e.ValidateOperationParameter("modify_json_custom", json.RawMessage(
		`{"remote_path":"/etc/app.json","json_path":"/db/host","replace_function":"(v,i)=>v"}`)))
	assert.Error(t, e.ValidateOperationParameter("execute", json.RawMessage(`{}`)))
	assert.Error(t, e.ValidateOperationParameter("reboot", json.RawMessage(`{}`)))
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'/tmp/plain'`, shellQuote("/tmp/plain"))
	assert.Equal(t, `'/tmp/it'\''s'`, shellQuote("/tmp/it's"))
}
