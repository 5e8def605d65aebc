// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Mould - A deployment orchestration server that runs typed jobs against
configured environments through loadable resource extensions.

Copyright (C) 2025  The Mould Authors

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.
*/

package extension

import (
	"encoding/json"
	"fmt"
)

// AttributeType enumerates the value kinds an Attribute can describe.
type AttributeType string

// Attribute types. File values are blob keys produced by the upload
// endpoint.
const (
	AttributeString AttributeType = "String"
	AttributeInt    AttributeType = "Int"
	AttributeBool   AttributeType = "Bool"
	AttributeEnum   AttributeType = "Enum"
	AttributeList   AttributeType = "List"
	AttributeObject AttributeType = "Object"
	AttributeFile   AttributeType = "File"
)

// EnumOption is one admissible value of an Enum attribute.
type EnumOption struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Attribute is a recursive typed schema describing configuration and
// operation parameters. The UI renders forms from it and the server rejects
// values that do not conform before any side effect happens.
type Attribute struct {
	Key      string        `json:"key"`
	Name     string        `json:"name"`
	Type     AttributeType `json:"type"`
	Required bool          `json:"required,omitempty"`
	Options  []EnumOption  `json:"options,omitempty"`
	// Item describes the element schema of a List attribute.
	Item *Attribute `json:"item,omitempty"`
	// Children describe the fields of an Object attribute.
	Children []Attribute `json:"children,omitempty"`
}

// ValidateValue checks a decoded JSON value against the schema.
func (a *Attribute) ValidateValue(value any) error {
	if value == nil {
		if a.Required {
			return fmt.Errorf("%s: required", a.Key)
		}
		return nil
	}
	switch a.Type {
	case AttributeString, AttributeFile:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%s: expected string", a.Key)
		}
		if a.Required && s == "" {
			return fmt.Errorf("%s: required", a.Key)
		}
	case AttributeInt:
		// encoding/json decodes numbers as float64; accept only integral
		// values.
		n, ok := value.(float64)
		if !ok {
			return fmt.Errorf("%s: expected integer", a.Key)
		}
		if n != float64(int64(n)) {
			return fmt.Errorf("%s: expected integer, got %v", a.Key, n)
		}
	case AttributeBool:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%s: expected bool", a.Key)
		}
	case AttributeEnum:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%s: expected string", a.Key)
		}
		for _, opt := range a.Options {
			if opt.Value == s {
				return nil
			}
		}
		return fmt.Errorf("%s: %q is not an allowed value", a.Key, s)
	case AttributeList:
		items, ok := value.([]any)
		if !ok {
			return fmt.Errorf("%s: expected list", a.Key)
		}
		if a.Item != nil {
			for i, item := range items {
				if err := a.Item.ValidateValue(item); err != nil {
					return fmt.Errorf("%s[%d]: %w", a.Key, i, err)
				}
			}
		}
	case AttributeObject:
		obj, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("%s: expected object", a.Key)
		}
		for i := range a.Children {
			child := &a.Children[i]
			if err := child.ValidateValue(obj[child.Key]); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%s: unknown attribute type %q", a.Key, a.Type)
	}
	return nil
}

// ValidateObject checks a raw JSON object against a top-level attribute
// list. Extensions use it to implement ValidateConfiguration and
// ValidateOperationParameter.
func ValidateObject(schema []Attribute, raw json.RawMessage) error {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("not a JSON object: %w", err)
	}
	for i := range schema {
		attr := &schema[i]
		if err := attr.ValidateValue(obj[attr.Key]); err != nil {
			return err
		}
	}
	return nil
}
