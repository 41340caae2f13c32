package command

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
)

// Registry returns all CLI commands keyed by "service action".
func Registry() map[string]Command {
	commands := []Command{
		{
			Service:      "sandbox",
			Action:       "run",
			Method:       http.MethodPost,
			PathTemplate: "/api/v1/sandbox/run",
			Usage:        "sandbox run language=python source_file=./main.py [input_file=./in.txt]",
			Fields: []Field{
				{Name: "language", Aliases: []string{"lang"}, Prompt: "language", Type: FieldString, Required: true},
				{Name: "code", Aliases: []string{"source"}, Prompt: "code", Type: FieldString, Required: true, FileField: "source_file"},
				{Name: "source_file", Aliases: []string{"file"}, Prompt: "source_file", Type: FieldFile},
				{Name: "input", Aliases: []string{"stdin"}, Prompt: "input", Type: FieldString, FileField: "input_file"},
				{Name: "input_file", Prompt: "input_file", Type: FieldFile},
			},
		},
		{
			Service:      "sandbox",
			Action:       "languages",
			Method:       http.MethodGet,
			PathTemplate: "/api/v1/sandbox/languages",
			Usage:        "sandbox languages",
		},
		{
			Service:      "health",
			Action:       "check",
			Method:       http.MethodGet,
			PathTemplate: "/healthz",
			Usage:        "health check",
		},
	}

	out := make(map[string]Command, len(commands))
	for _, cmd := range commands {
		out[cmd.Key()] = cmd
	}
	return out
}

// Sorted returns the commands ordered by key.
func Sorted(commands map[string]Command) []Command {
	out := make([]Command, 0, len(commands))
	for _, cmd := range commands {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Satisfied reports whether field has a value, directly or through its file field.
func Satisfied(field Field, params Params) bool {
	if params.Get(field.Name) != "" {
		return true
	}
	return field.FileField != "" && params.Get(field.FileField) != ""
}

// BuildRequest resolves file fields and encodes the request body.
func BuildRequest(cmd Command, params Params) (RequestSpec, error) {
	params.Canonicalize(cmd.Fields)
	for _, field := range cmd.Fields {
		if field.Required && !Satisfied(field, params) {
			return RequestSpec{}, fmt.Errorf("%s is required", field.Name)
		}
	}

	var body []byte
	if cmd.Method != http.MethodGet && cmd.Method != http.MethodDelete {
		payload, err := buildPayload(cmd, params)
		if err != nil {
			return RequestSpec{}, err
		}
		body, err = json.Marshal(payload)
		if err != nil {
			return RequestSpec{}, fmt.Errorf("marshal request body failed: %w", err)
		}
	}

	return RequestSpec{
		Method:  cmd.Method,
		Path:    cmd.PathTemplate,
		Headers: map[string]string{},
		Body:    body,
	}, nil
}

func buildPayload(cmd Command, params Params) (map[string]string, error) {
	payload := make(map[string]string)
	for _, field := range cmd.Fields {
		if field.Type == FieldFile {
			continue
		}
		value := params.Get(field.Name)
		if value == "" && field.FileField != "" && params.Get(field.FileField) != "" {
			data, err := ReadFile(params.Get(field.FileField))
			if err != nil {
				return nil, err
			}
			value = data
		}
		if value == "" && !field.Required {
			continue
		}
		payload[field.Name] = value
	}
	return payload, nil
}
