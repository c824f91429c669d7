package guard

import "regexp"

// Structured PII patterns scanned for in title, message and metadata
// values. These are intentionally conservative: the guard prefers a missed
// match over mangling legitimate content.
var (
	govIDPattern = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)
	phonePattern = regexp.MustCompile(`\+?\d{1,3}[-. (]*\d{3}[-. )]*\d{3}[-. ]*\d{2,4}\b`)
	emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)

	// amountPattern finds bare or currency-prefixed figures for masking.
	amountPattern = regexp.MustCompile(`\$?\b\d{4,}(?:\.\d+)?\b`)
)

// piiPatterns maps a label to its detector, in scan order.
var piiPatterns = []struct {
	label   string
	pattern *regexp.Regexp
}{
	{"government_id", govIDPattern},
	{"card_number", cardPattern},
	{"phone", phonePattern},
	{"email", emailPattern},
}

// Content security patterns. Matches are warnings only; rejecting at render
// time is downstream's job.
var (
	scriptPattern = regexp.MustCompile(`(?i)(<script|javascript:|onerror\s*=|onload\s*=)`)
	sqlPattern    = regexp.MustCompile(`(?i)(union\s+select|drop\s+table|insert\s+into|;\s*--)`)
)

// shortlinkDomains are link shorteners commonly seen in phishing payloads.
var shortlinkDomains = []string{
	"bit.ly", "tinyurl.com", "goo.gl", "t.co", "is.gd", "cutt.ly",
}

const (
	maskPhone  = "[MASKED_PHONE]"
	maskEmail  = "[MASKED_EMAIL]"
	maskAmount = "[MASKED_AMOUNT]"
)
