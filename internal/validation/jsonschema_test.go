package validation

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskmesh/pkg/schema"
)

func newValidator(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func TestValidateSubmission(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name    string
		sub     *schema.TaskSubmission
		wantErr bool
	}{
		{
			name: "minimal valid",
			sub:  &schema.TaskSubmission{Description: "deploy the service"},
		},
		{
			name: "with template and payload",
			sub: &schema.TaskSubmission{
				Description:  "deploy the service",
				TemplateName: "deploy-pipeline",
				Payload:      json.RawMessage(`{"environment":"staging"}`),
			},
		},
		{
			name: "with risk override",
			sub: &schema.TaskSubmission{
				Description:  "routine check",
				RiskOverride: schema.RiskHigh,
			},
		},
		{
			name:    "nil submission",
			sub:     nil,
			wantErr: true,
		},
		{
			name:    "empty description",
			sub:     &schema.TaskSubmission{Description: ""},
			wantErr: true,
		},
		{
			name:    "description too long",
			sub:     &schema.TaskSubmission{Description: strings.Repeat("x", 8193)},
			wantErr: true,
		},
		{
			name: "payload not an object",
			sub: &schema.TaskSubmission{
				Description: "deploy",
				Payload:     json.RawMessage(`"just a string"`),
			},
			wantErr: true,
		},
		{
			name: "unknown risk override",
			sub: &schema.TaskSubmission{
				Description:  "deploy",
				RiskOverride: schema.RiskLevel("extreme"),
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateSubmission(tt.sub)
			if tt.wantErr {
				require.Error(t, err)
				meshErr, ok := err.(*schema.MeshError)
				require.True(t, ok)
				assert.Equal(t, schema.ErrCodeValidation, meshErr.Code)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestValidateCapabilitySchema(t *testing.T) {
	v := newValidator(t)

	require.NoError(t, v.ValidateCapabilitySchema(nil))
	require.NoError(t, v.ValidateCapabilitySchema([]byte(`{
		"type": "object",
		"properties": {"environment": {"type": "string"}}
	}`)))

	require.Error(t, v.ValidateCapabilitySchema([]byte(`{not json`)))
	require.Error(t, v.ValidateCapabilitySchema([]byte(`{"type": 42}`)))
}

func TestValidateParams(t *testing.T) {
	v := newValidator(t)

	paramSchema := []byte(`{
		"type": "object",
		"required": ["environment"],
		"properties": {
			"environment": {"type": "string", "enum": ["staging", "production"]},
			"replicas": {"type": "integer", "minimum": 1}
		}
	}`)

	require.NoError(t, v.ValidateParams(map[string]any{
		"environment": "staging",
		"replicas":    3,
	}, paramSchema))

	// Empty schema means no validation.
	require.NoError(t, v.ValidateParams(map[string]any{"anything": true}, nil))

	err := v.ValidateParams(map[string]any{"environment": "qa"}, paramSchema)
	require.Error(t, err)

	err = v.ValidateParams(map[string]any{}, paramSchema)
	require.Error(t, err)

	meshErr, ok := err.(*schema.MeshError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, meshErr.Code)
	assert.NotEmpty(t, meshErr.Details["violations"])
}

func TestValidateParams_SchemaCacheReuse(t *testing.T) {
	v := newValidator(t)
	paramSchema := []byte(`{"type": "object"}`)

	for i := 0; i < 5; i++ {
		require.NoError(t, v.ValidateParams(map[string]any{}, paramSchema))
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	assert.Len(t, v.cache, 1)
}
