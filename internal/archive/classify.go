package archive

import "strings"

// Classification labels a failure for retry routing.
type Classification string

// Classification outcomes. Unknown is treated as recoverable by the
// retry policy: transient infrastructure noise is far more common than
// a truly novel permanent failure.
const (
	ClassificationPermanent   Classification = "permanent"
	ClassificationRecoverable Classification = "recoverable"
	ClassificationUnknown     Classification = "unknown"
)

// Ordered marker lists. Permanent markers are checked first; the first
// match wins. All matching is case-insensitive substring matching
// against whatever the external tool printed.
var permanentMarkers = []string{
	"401",
	"403",
	"404",
	"not found",
	"forbidden",
	"unauthorized",
	"name or service not known",
	"could not resolve host",
	"no such host",
	"certificate verification failed",
	"certificate has expired",
	"ssl certificate problem",
}

var recoverableMarkers = []string{
	"timed out",
	"timeout",
	"connection reset",
	"connection refused",
	"429",
	"502",
	"503",
	"504",
	"temporary failure",
}

// Classify maps a failure message to a Classification. It is a pure
// function over the message text; an empty message is Unknown.
func Classify(message string) Classification {
	m := strings.ToLower(strings.TrimSpace(message))
	if m == "" {
		return ClassificationUnknown
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(m, marker) {
			return ClassificationPermanent
		}
	}
	for _, marker := range recoverableMarkers {
		if strings.Contains(m, marker) {
			return ClassificationRecoverable
		}
	}
	return ClassificationUnknown
}
