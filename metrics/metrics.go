package metrics

/*
Labels and so on for metrics used in capstan.
*/

const (
	LabelMethod      = "method"
	LabelSuccess     = "success"
	LabelService     = "service"
	LabelEnvironment = "environment"

	// Labels for pipeline metrics
	LabelStage   = "stage"
	LabelOutcome = "outcome"
)
