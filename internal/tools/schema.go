package tools

import (
	"encoding/json"
	"errors"
	"fmt"
)

var validTypes = map[string]bool{
	"object": true, "string": true, "number": true, "integer": true,
	"boolean": true, "array": true, "null": true,
}

// ValidateSchema checks the subset of JSON Schema every provider accepts for
// tool parameters: a top-level object whose properties are themselves
// schemas, and a required list naming declared properties.
func ValidateSchema(raw json.RawMessage) error {
	if len(raw) == 0 {
		return errors.New("parameters schema is required")
	}

	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return fmt.Errorf("parameters must be a JSON object: %w", err)
	}
	if t, _ := schema["type"].(string); t != "object" {
		return fmt.Errorf("parameters type must be \"object\", got %v", schema["type"])
	}
	return validateObject("", schema)
}

func validateObject(path string, schema map[string]any) error {
	props := map[string]any{}
	if p, ok := schema["properties"]; ok {
		m, ok := p.(map[string]any)
		if !ok {
			return fmt.Errorf("%sproperties must be an object", path)
		}
		props = m
	}

	for name, p := range props {
		prop, ok := p.(map[string]any)
		if !ok {
			return fmt.Errorf("%sproperties.%s must be an object", path, name)
		}
		if err := validateProperty(path+"properties."+name+".", prop); err != nil {
			return err
		}
	}

	if r, ok := schema["required"]; ok {
		list, ok := r.([]any)
		if !ok {
			return fmt.Errorf("%srequired must be an array", path)
		}
		for _, item := range list {
			name, ok := item.(string)
			if !ok {
				return fmt.Errorf("%srequired entries must be strings", path)
			}
			if _, declared := props[name]; !declared {
				return fmt.Errorf("%srequired property %q is not declared", path, name)
			}
		}
	}
	return nil
}

func validateProperty(path string, prop map[string]any) error {
	t, hasType := prop["type"]
	if !hasType {
		// enum, anyOf and $ref schemas are passed through untouched
		return nil
	}
	name, ok := t.(string)
	if !ok || !validTypes[name] {
		return fmt.Errorf("%stype %v is not a JSON Schema type", path, t)
	}

	switch name {
	case "object":
		return validateObject(path, prop)
	case "array":
		if items, ok := prop["items"]; ok {
			m, ok := items.(map[string]any)
			if !ok {
				return fmt.Errorf("%sitems must be an object", path)
			}
			return validateProperty(path+"items.", m)
		}
	}
	return nil
}
