package inference

import "strings"

// User-facing notices appended to whatever text had accumulated when a turn
// fails. Failures are terminal and visible; the engine never retries on its
// own.
const (
	genericErrorNotice = "\n\n⚠️ Something went wrong while generating this response. Please try again."
	quotaErrorNotice   = "\n\n⚠️ The provider rejected the request because its usage quota is exhausted. Check your plan and billing, then try again."
)

// isQuotaError applies the quota-exhaustion heuristic: the numeric code 429,
// the word quota, or the RESOURCE_EXHAUSTED status code anywhere in the
// error text.
func isQuotaError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "resource_exhausted")
}

// errorNotice picks the notice variant for a failed turn.
func errorNotice(err error) string {
	if isQuotaError(err) {
		return quotaErrorNotice
	}
	return genericErrorNotice
}
