package message

import "github.com/relaycore/orchestrator/schema"

// NewLocalToolSchema builds a ToolSchema from a Go struct type describing a
// tool's parameters, for tools declared in-process rather than discovered
// from a remote tool server (whose schemas arrive as opaque JSON and never
// pass through here).
func NewLocalToolSchema[T any](name, description string) (ToolSchema, error) {
	params, err := schema.Generate[T]()
	if err != nil {
		return ToolSchema{}, err
	}
	return ToolSchema{Name: name, Description: description, ParametersJSONSchema: params}, nil
}
