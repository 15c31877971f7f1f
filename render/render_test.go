package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capstan-io/capstan"
)

func testArtifact() capstan.Artifact {
	return capstan.Artifact{
		ServiceName:   "billing",
		Version:       "1.4.0",
		ContentDigest: "sha256:0b7e",
	}
}

func TestRender(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	spec, err := r.Render(testArtifact(), EnvironmentConfig{
		EnvironmentName: "staging",
		Replicas:        3,
		Values: map[string]interface{}{
			"logLevel": "debug",
			"dbHost":   "${db-host}",
			"limits": map[string]interface{}{
				"memory": "${mem-limit}",
				"cpu":    2,
			},
			"peers": []interface{}{"${db-host}", "static-peer"},
		},
		Vars: map[string]string{
			"db-host":   "db.staging.internal",
			"mem-limit": "512Mi",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "billing", spec.ServiceName)
	assert.Equal(t, "staging", spec.EnvironmentName)
	assert.Equal(t, "1.4.0", spec.Version)
	assert.Equal(t, 3, spec.Replicas)
	assert.Equal(t, "db.staging.internal", spec.Values["dbHost"])
	assert.Equal(t, "512Mi", spec.Values["limits"].(map[string]interface{})["memory"])
	assert.Equal(t, []interface{}{"db.staging.internal", "static-peer"}, spec.Values["peers"])
}

func TestRenderUndefinedVar(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	_, err = r.Render(testArtifact(), EnvironmentConfig{
		EnvironmentName: "staging",
		Replicas:        1,
		Values:          map[string]interface{}{"dbHost": "${nonexistent}"},
	})
	require.Error(t, err)
	assert.True(t, capstan.IsRenderValidation(err))
	assert.Contains(t, err.Error(), "nonexistent")
}

func TestRenderInvalidSpec(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	// Zero replicas violates the schema minimum.
	_, err = r.Render(testArtifact(), EnvironmentConfig{
		EnvironmentName: "staging",
		Replicas:        0,
	})
	require.Error(t, err)
	assert.True(t, capstan.IsRenderValidation(err))

	// So does a missing environment name.
	_, err = r.Render(testArtifact(), EnvironmentConfig{Replicas: 1})
	require.Error(t, err)
	assert.True(t, capstan.IsRenderValidation(err))
}

func TestRenderDoesNotMutateConfig(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	values := map[string]interface{}{"dbHost": "${db-host}"}
	_, err = r.Render(testArtifact(), EnvironmentConfig{
		EnvironmentName: "dev",
		Replicas:        1,
		Values:          values,
		Vars:            map[string]string{"db-host": "db.dev.internal"},
	})
	require.NoError(t, err)
	assert.Equal(t, "${db-host}", values["dbHost"])
}
