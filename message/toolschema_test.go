package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type weatherParams struct {
	City string `json:"city" jsonschema:"required,description=City name"`
}

func TestNewLocalToolSchemaGeneratesParameters(t *testing.T) {
	ts, err := NewLocalToolSchema[weatherParams]("get_weather", "look up current weather")
	require.NoError(t, err)
	assert.Equal(t, "get_weather", ts.Name)
	assert.Equal(t, "look up current weather", ts.Description)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(ts.ParametersJSONSchema, &parsed))
	props, ok := parsed["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "city")
}
