// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Mould - A deployment orchestration server that runs typed jobs against
configured environments through loadable resource extensions.

Copyright (C) 2025  The Mould Authors

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.
*/

package etcd

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateConfiguration(t *testing.T) {
	e := &Extension{}
	assert.NoError(t, e.ValidateConfiguration(json.RawMessage(
		`{"endpoints":["10.0.0.1:2379","10.0.0.2:2379"]}`)))
	assert.NoError(t, e.ValidateConfiguration(json.RawMessage(
		`{"endpoints":["10.0.0.1:2379"],"username":"root","password":"pw"}`)))
	assert.Error(t, e.ValidateConfiguration(json.RawMessage(`{"endpoints":[]}`)))
	assert.Error(t, e.ValidateConfiguration(json.RawMessage(`{}`)))
	assert.Error(t, e.ValidateConfiguration(json.RawMessage(`{"endpoints":[42]}`)))
}

func TestValidateOperationParameter(t *testing.T) {
	e := &Extension{}
	assert.NoError(t, e.ValidateOperationParameter("put", json.RawMessage(`{"key":"/app/config","value":"v"}`)))
	assert.Error(t, e.ValidateOperationParameter("put", json.RawMessage(`{"key":"/app/config"}`)))
	assert.Error(t, e.ValidateOperationParameter("get", json.RawMessage(`{}`)))
}
