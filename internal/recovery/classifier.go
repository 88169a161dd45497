package recovery

import (
	"strings"

	"github.com/conductor-ci/conductor/pkg/schema"
)

// keywordSet maps a failure type to the substrings that indicate it. The
// order of the slice is the classification precedence: the first matching set
// wins, so overlapping messages ("connection timeout") classify
// deterministically.
type keywordSet struct {
	failureType schema.FailureType
	keywords    []string
}

var keywordSets = []keywordSet{
	{schema.FailureTimeout, []string{
		"timeout", "timed out", "deadline exceeded", "took too long",
	}},
	{schema.FailureResourceExhaustion, []string{
		"resource", "out of memory", "memory limit", "disk full",
		"quota", "capacity", "exhausted", "no space left",
	}},
	{schema.FailureAuthentication, []string{
		"permission denied", "unauthorized", "authentication",
		"access denied", "forbidden", "invalid credentials", "token expired",
	}},
	{schema.FailureNetwork, []string{
		"network", "connection", "unreachable", "refused", "dns",
		"no route to host", "broken pipe",
	}},
	{schema.FailureDependency, []string{
		"dependency", "not found", "missing", "no such file",
		"module", "import error",
	}},
	{schema.FailureValidation, []string{
		"validation", "invalid", "malformed", "schema", "parse error",
	}},
}

// Classify maps an error message to a FailureType by keyword matching.
// Precedence: timeout > resource > auth > network > dependency > validation >
// unknown. Deterministic: the same message always yields the same type.
func Classify(errorMessage string) schema.FailureType {
	msg := strings.ToLower(errorMessage)
	for _, set := range keywordSets {
		for _, kw := range set.keywords {
			if strings.Contains(msg, kw) {
				return set.failureType
			}
		}
	}
	return schema.FailureUnknown
}
