package capstan

// RenderedSpec is a concrete deployment specification: one artifact
// combined with one environment's configuration profile. It is the only
// thing the compute platform is ever asked to apply, and it is validated
// before any apply rather than discovered to be broken by the platform.
type RenderedSpec struct {
	ServiceName     string                 `json:"serviceName"`
	EnvironmentName string                 `json:"environmentName"`
	Version         string                 `json:"version"`
	ContentDigest   string                 `json:"contentDigest"`
	Replicas        int                    `json:"replicas"`
	Values          map[string]interface{} `json:"values,omitempty"`
}
