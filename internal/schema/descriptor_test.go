package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptorValidator_AcceptsWellFormed(t *testing.T) {
	v, err := NewDescriptorValidator()
	require.NoError(t, err)

	raw := []byte(`{
		"name": "flights-agent",
		"url": "wss://agents.example.com/flights",
		"description": "Finds flight options",
		"capabilities": ["flights"],
		"version": "1.0.0",
		"tags": ["travel"]
	}`)

	assert.NoError(t, v.Validate(raw))
}

func TestDescriptorValidator_RejectsMissingRequiredField(t *testing.T) {
	v, err := NewDescriptorValidator()
	require.NoError(t, err)

	raw := []byte(`{"name": "flights-agent", "description": "no url"}`)

	assert.Error(t, v.Validate(raw))
}

func TestDescriptorValidator_RejectsMalformedJSON(t *testing.T) {
	v, err := NewDescriptorValidator()
	require.NoError(t, err)

	assert.Error(t, v.Validate([]byte(`{not json`)))
}
