// Package openapi generates an OpenAPI 3.1.0 document from a merged tool
// list, for the /{endpoint}/api/openapi.json wire endpoint.
package openapi

import (
	"encoding/json"
	"sort"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Document is the OpenAPI 3.1.0 root object. Go's encoding/json marshals
// map[string]T keys in sorted order, which combined with sorting the input
// tool list by name makes Generate byte-stable for an identical tool list.
type Document struct {
	OpenAPI    string              `json:"openapi"`
	Info       Info                `json:"info"`
	Servers    []ServerEntry       `json:"servers"`
	Paths      map[string]PathItem `json:"paths"`
	Components Components          `json:"components"`
}

type Info struct {
	Title   string `json:"title"`
	Version string `json:"version"`
}

type ServerEntry struct {
	URL string `json:"url"`
}

type PathItem struct {
	Get  *Operation `json:"get,omitempty"`
	Post *Operation `json:"post,omitempty"`
}

type Operation struct {
	OperationID string              `json:"operationId"`
	Summary     string              `json:"summary,omitempty"`
	RequestBody *RequestBody        `json:"requestBody,omitempty"`
	Responses   map[string]Response `json:"responses"`
}

type RequestBody struct {
	Required bool                `json:"required"`
	Content  map[string]MediaType `json:"content"`
}

type MediaType struct {
	Schema json.RawMessage `json:"schema"`
}

type Response struct {
	Description string               `json:"description"`
	Content     map[string]MediaType `json:"content,omitempty"`
}

type Components struct {
	Schemas map[string]json.RawMessage `json:"schemas"`
}

var httpValidationErrorSchema = json.RawMessage(`{
	"type": "object",
	"title": "HTTPValidationError",
	"properties": {
		"detail": {
			"type": "array",
			"items": { "$ref": "#/components/schemas/ValidationError" }
		}
	}
}`)

var validationErrorSchema = json.RawMessage(`{
	"type": "object",
	"title": "ValidationError",
	"required": ["loc", "msg", "type"],
	"properties": {
		"loc": { "type": "array", "items": { "anyOf": [{"type": "string"}, {"type": "integer"}] } },
		"msg": { "type": "string" },
		"type": { "type": "string" }
	}
}`)

// hasInputProperties reports whether a tool's raw JSON Schema input
// declares any properties, determining whether its operation is mounted as
// POST (has input) or GET (no input).
func hasInputProperties(schema json.RawMessage) bool {
	if len(schema) == 0 {
		return false
	}
	var parsed struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(schema, &parsed); err != nil {
		return false
	}
	return len(parsed.Properties) > 0
}

// Generate builds the OpenAPI document for endpoint, mounting one path
// `/{toolName}` per tool at server `/metamcp/{endpoint}/api`. tools is
// sorted by name before generation so the result is byte-stable for an
// identical tool list regardless of fan-out arrival order.
func Generate(endpoint string, tools []*mcp.Tool) *Document {
	sorted := append([]*mcp.Tool(nil), tools...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	paths := make(map[string]PathItem, len(sorted))
	for _, t := range sorted {
		op := &Operation{
			OperationID: t.Name,
			Summary:     t.Description,
			Responses: map[string]Response{
				"200": {Description: "Successful Response"},
				"422": {
					Description: "Validation Error",
					Content: map[string]MediaType{
						"application/json": {Schema: json.RawMessage(`{"$ref":"#/components/schemas/HTTPValidationError"}`)},
					},
				},
			},
		}

		path := PathItem{}
		if hasInputProperties(t.InputSchema) {
			op.RequestBody = &RequestBody{
				Required: true,
				Content: map[string]MediaType{
					"application/json": {Schema: t.InputSchema},
				},
			}
			path.Post = op
		} else {
			path.Get = op
		}
		paths["/"+t.Name] = path
	}

	return &Document{
		OpenAPI: "3.1.0",
		Info:    Info{Title: "metamcp", Version: "1.0.0"},
		Servers: []ServerEntry{{URL: "/metamcp/" + endpoint + "/api"}},
		Paths:   paths,
		Components: Components{
			Schemas: map[string]json.RawMessage{
				"HTTPValidationError": httpValidationErrorSchema,
				"ValidationError":     validationErrorSchema,
			},
		},
	}
}

// Marshal serializes doc with two-space indentation.
func Marshal(doc *Document) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}
