package validation

import (
	"fmt"

	"github.com/conductor-ci/conductor/pkg/schema"
)

// maxSaneRetries is the threshold above which a stage retry budget draws a
// warning. Recovery never drives more than a handful of attempts, so a large
// value usually signals a typo.
const maxSaneRetries = 10

// validateSemantic checks cross-references and value sanity that JSON Schema
// cannot express: dependency refs, self-dependencies, gate bindings pointing
// at real stages, and suspicious retry or timeout settings.
func validateSemantic(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stageIDs := make(map[string]bool, len(def.Stages))
	for _, st := range def.Stages {
		stageIDs[st.ID] = true
	}

	for i, st := range def.Stages {
		path := fmt.Sprintf("stages[%d]", i)

		for _, dep := range st.DependsOn {
			if dep == st.ID {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("stage %q depends on itself", st.ID))
				continue
			}
			if !stageIDs[dep] {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("stage %q depends on unknown stage %q", st.ID, dep))
			}
		}

		if st.RetryCount > maxSaneRetries {
			result.AddWarning(path, schema.ErrCodeValidation,
				fmt.Sprintf("stage %q has retry_count %d, which is unusually high", st.ID, st.RetryCount))
		}

		if st.TimeoutSeconds < 0 {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("stage %q has negative timeout_seconds", st.ID))
		}
	}

	for i, gb := range def.Gates {
		path := fmt.Sprintf("gates[%d]", i)

		if gb.AfterStage != "" && !stageIDs[gb.AfterStage] {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("gate %q bound after unknown stage %q", gb.Gate, gb.AfterStage))
		}
		if gb.DataFrom != "" && !stageIDs[gb.DataFrom] {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("gate %q reads data from unknown stage %q", gb.Gate, gb.DataFrom))
		}
	}

	return result
}
