// Package render combines an artifact descriptor with an environment's
// configuration profile into a concrete, validated deployment spec.
// Rendering is a pure function of its inputs and never mutates external
// state; a spec that fails validation here never reaches the platform.
package render

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"

	"github.com/capstan-io/capstan"
)

// specSchema is what every rendered spec must satisfy before it may be
// applied. The platform gets to reject specs too, but by then the
// deployment is mid-flight; this catches configuration mistakes up front.
const specSchema = `{
	"type": "object",
	"required": ["serviceName", "environmentName", "version", "contentDigest", "replicas"],
	"properties": {
		"serviceName":     {"type": "string", "minLength": 1},
		"environmentName": {"type": "string", "minLength": 1},
		"version":         {"type": "string", "minLength": 1},
		"contentDigest":   {"type": "string", "minLength": 1},
		"replicas":        {"type": "integer", "minimum": 1},
		"values":          {"type": "object"}
	}
}`

var varPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_.-]+)\}`)

// EnvironmentConfig is one environment's configuration profile.
type EnvironmentConfig struct {
	EnvironmentName string                 `json:"environmentName" yaml:"environment"`
	Replicas        int                    `json:"replicas" yaml:"replicas"`
	Values          map[string]interface{} `json:"values,omitempty" yaml:"values"`
	// Vars may be referenced from string values as ${name}.
	Vars map[string]string `json:"vars,omitempty" yaml:"vars"`
}

type Renderer struct {
	schema *gojsonschema.Schema
}

func NewRenderer() (*Renderer, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(specSchema))
	if err != nil {
		return nil, errors.Wrap(err, "compiling spec schema")
	}
	return &Renderer{schema: schema}, nil
}

// Render produces the spec for running artifact in the configured
// environment. Missing required fields, type mismatches and references to
// undefined vars all fail with a RenderValidationError.
func (r *Renderer) Render(artifact capstan.Artifact, config EnvironmentConfig) (capstan.RenderedSpec, error) {
	values, err := expandValues(config.Values, config.Vars)
	if err != nil {
		return capstan.RenderedSpec{}, capstan.NewRenderValidationError(err)
	}

	spec := capstan.RenderedSpec{
		ServiceName:     artifact.ServiceName,
		EnvironmentName: config.EnvironmentName,
		Version:         artifact.Version,
		ContentDigest:   artifact.ContentDigest,
		Replicas:        config.Replicas,
		Values:          values,
	}

	doc, err := json.Marshal(spec)
	if err != nil {
		return capstan.RenderedSpec{}, errors.Wrap(err, "encoding spec for validation")
	}
	result, err := r.schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return capstan.RenderedSpec{}, errors.Wrap(err, "validating spec")
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return capstan.RenderedSpec{}, capstan.NewRenderValidationError(
			fmt.Errorf("spec for %s in %s is invalid: %s", artifact.String(), config.EnvironmentName, strings.Join(problems, "; ")))
	}
	return spec, nil
}

// expandValues resolves ${name} references in string values (at any
// nesting depth) against vars. The input maps are not modified.
func expandValues(values map[string]interface{}, vars map[string]string) (map[string]interface{}, error) {
	if values == nil {
		return nil, nil
	}
	out := make(map[string]interface{}, len(values))
	for key, value := range values {
		expanded, err := expandValue(value, vars)
		if err != nil {
			return nil, errors.Wrapf(err, "value %q", key)
		}
		out[key] = expanded
	}
	return out, nil
}

func expandValue(value interface{}, vars map[string]string) (interface{}, error) {
	switch v := value.(type) {
	case string:
		var expandErr error
		expanded := varPattern.ReplaceAllStringFunc(v, func(match string) string {
			name := varPattern.FindStringSubmatch(match)[1]
			resolved, ok := vars[name]
			if !ok {
				expandErr = fmt.Errorf("reference to undefined configuration key %q", name)
				return match
			}
			return resolved
		})
		return expanded, expandErr
	case map[string]interface{}:
		return expandValues(v, vars)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			expanded, err := expandValue(item, vars)
			if err != nil {
				return nil, err
			}
			out[i] = expanded
		}
		return out, nil
	default:
		return value, nil
	}
}
