package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const defs = `"$defs": {
	"id": {"type": "string", "minLength": 1, "maxLength": 128},
	"scope": {"enum": ["PERSONAL", "TEAM"]},
	"task": {
		"type": "object",
		"properties": {
			"id": {"type": "string", "maxLength": 128},
			"title": {"type": "string", "maxLength": 512},
			"description": {"type": "string", "maxLength": 8192},
			"completed": {"type": "boolean"},
			"priority": {"type": "string"},
			"tags": {"type": "array", "items": {"type": "string", "maxLength": 64}, "maxItems": 64},
			"createdAt": {"type": "integer"},
			"dueAt": {"type": ["integer", "null"]},
			"subtasks": {"type": "array", "items": {"$ref": "#/$defs/task"}},
			"scope": {"type": "string"},
			"projectId": {"type": "string"},
			"creatorId": {"type": "string"},
			"assigneeId": {"type": "string"},
			"assigneeName": {"type": "string"}
		}
	},
	"project": {
		"type": "object",
		"properties": {
			"id": {"type": "string", "maxLength": 128},
			"name": {"type": "string", "maxLength": 256},
			"color": {"type": "integer", "minimum": 0},
			"scope": {"type": "string"},
			"ownerId": {"type": "string"},
			"createdAt": {"type": "integer"},
			"allowMemberCreate": {"type": "boolean"},
			"members": {"type": "object", "additionalProperties": {"type": "string"}},
			"memberNames": {"type": "object", "additionalProperties": {"type": "string"}}
		}
	}
}`

// paramSchemas holds the params schema body of every request method.
var paramSchemas = map[string]string{
	MethodTaskAdd: `"type": "object", "required": ["task"],
		"properties": {"task": {"allOf": [{"$ref": "#/$defs/task"}, {"required": ["title"]}]}}`,
	MethodTaskUpdate: `"type": "object", "required": ["task"],
		"properties": {"task": {"allOf": [{"$ref": "#/$defs/task"}, {"required": ["id"], "properties": {"id": {"$ref": "#/$defs/id"}}}]}}`,
	MethodTaskDelete: `"type": "object", "required": ["id"],
		"properties": {"id": {"$ref": "#/$defs/id"}}`,
	MethodTaskToggle: `"type": "object", "required": ["id"],
		"properties": {"id": {"$ref": "#/$defs/id"}}`,
	MethodTaskAssign: `"type": "object", "required": ["id"],
		"properties": {"id": {"$ref": "#/$defs/id"}, "assigneeId": {"type": "string"}}`,
	MethodTaskReplace: `"type": "object", "required": ["scope", "tasks"],
		"properties": {"scope": {"$ref": "#/$defs/scope"}, "tasks": {"type": "array", "items": {"$ref": "#/$defs/task"}}}`,
	MethodTaskSync: `"type": "object",
		"properties": {"scope": {"$ref": "#/$defs/scope"}}`,
	MethodProjectAdd: `"type": "object", "required": ["project"],
		"properties": {"project": {"allOf": [{"$ref": "#/$defs/project"}, {"required": ["name"], "properties": {"name": {"minLength": 1}}}]}}`,
	MethodProjectUpdate: `"type": "object", "required": ["project"],
		"properties": {"project": {"allOf": [{"$ref": "#/$defs/project"}, {"required": ["id"], "properties": {"id": {"$ref": "#/$defs/id"}}}]}}`,
	MethodProjectDelete: `"type": "object", "required": ["projectId"],
		"properties": {"projectId": {"$ref": "#/$defs/id"}}`,
	MethodProjectMemberAdd: `"type": "object", "required": ["projectId"],
		"properties": {"projectId": {"$ref": "#/$defs/id"}, "memberId": {"type": "string"}, "memberName": {"type": "string"}},
		"anyOf": [
			{"required": ["memberId"], "properties": {"memberId": {"minLength": 1}}},
			{"required": ["memberName"], "properties": {"memberName": {"minLength": 1}}}
		]`,
	MethodProjectMemberRemove: `"type": "object", "required": ["projectId", "memberId"],
		"properties": {"projectId": {"$ref": "#/$defs/id"}, "memberId": {"$ref": "#/$defs/id"}}`,
	MethodProjectMemberRole: `"type": "object", "required": ["projectId", "memberId", "role"],
		"properties": {"projectId": {"$ref": "#/$defs/id"}, "memberId": {"$ref": "#/$defs/id"}, "role": {"type": "string", "minLength": 1}}`,
	MethodProjectJoinRequest: `"type": "object", "required": ["projectId"],
		"properties": {"projectId": {"$ref": "#/$defs/id"}}`,
	MethodProjectJoinDecide: `"type": "object", "required": ["projectId", "applicantId", "accept"],
		"properties": {"projectId": {"$ref": "#/$defs/id"}, "applicantId": {"$ref": "#/$defs/id"}, "accept": {"type": "boolean"}}`,
	MethodProjectSync: `"type": "object",
		"properties": {"scope": {"$ref": "#/$defs/scope"}}`,
}

// Validator checks request params against compiled JSON Schemas.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles the schema of every request method.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	for _, method := range RequestMethods {
		body, ok := paramSchemas[method]
		if !ok {
			return nil, fmt.Errorf("no params schema for %s", method)
		}
		// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader("{" + body + ",\n" + defs + "}"))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", method, err)
		}
		if err := c.AddResource(resourceName(method), doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", method, err)
		}
	}
	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(RequestMethods))}
	for _, method := range RequestMethods {
		s, err := c.Compile(resourceName(method))
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", method, err)
		}
		v.schemas[method] = s
	}
	return v, nil
}

// Validate checks params for method. Absent params validate as {}.
func (v *Validator) Validate(method string, params json.RawMessage) error {
	s, ok := v.schemas[method]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	raw := string(params)
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidParams, method, err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidParams, method, err)
	}
	return nil
}

// Known reports whether method is a request method.
func (v *Validator) Known(method string) bool {
	_, ok := v.schemas[method]
	return ok
}

func resourceName(method string) string {
	return "params/" + method + ".json"
}
