package orchestrator

import "strings"

// classificationTable is a substring-based error classifier: two ordered
// lists of case-insensitive substrings, terminal wins when both match.
// Kept as a plain data table rather than a type switch or exception
// hierarchy so operators can extend it without touching code that walks
// it (§9 design note).
type classificationTable struct {
	retryable []string
	terminal  []string
}

// classify returns true when msg is retryable under this table. Terminal
// substrings are checked first and always win a tie.
func (t classificationTable) classify(msg string) (retryable bool) {
	lower := strings.ToLower(msg)
	for _, s := range t.terminal {
		if strings.Contains(lower, strings.ToLower(s)) {
			return false
		}
	}
	for _, s := range t.retryable {
		if strings.Contains(lower, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// CompensationClassification is the §4.4 substring table used to decide
// whether a compensation failure is worth an operator retry.
var CompensationClassification = classificationTable{
	retryable: []string{
		"connection refused",
		"timeout",
		"lock wait timeout",
		"lock-wait timeout",
		"connection lost",
		"service unavailable",
		"cache service connection",
		"cache-service connection",
	},
	terminal: []string{
		"not found",
		"invalid parameter",
		"permission denied",
		"constraint violation",
	},
}

// QuarantineClassification is the §4.5 substring table used at the point
// a saga is dead-lettered. It is tuned for saga-level failures while
// CompensationClassification is tuned for repository-level failures;
// the two overlap only on the permission and cache-service terms.
var QuarantineClassification = classificationTable{
	retryable: []string{
		"connect:",
		"connection timeout",
		"network timeout",
		"unregistered-step",
		"step function not found",
		"cache-service connection",
		"cache service connection",
		"store unavailable",
		"external-api timeout",
		"external api timeout",
		"other transaction in progress",
	},
	terminal: []string{
		"duplicate",
		"insufficient",
		"already",
		"invalid",
		"permission denied",
	},
}

// classifyQuarantine reports whether msg is retryable under §4.5. The
// caller maps true to high priority with canRetry set, and false to
// normal priority with canRetry unset.
func classifyQuarantine(msg string) (retryable bool) {
	return QuarantineClassification.classify(msg)
}
