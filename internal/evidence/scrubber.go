package evidence

import (
	"crypto/sha256"
	"fmt"
	"regexp"
)

// Scrubber redacts PHI/PII from any value headed off the appliance:
// evidence bundles, L2 planner context, escalation tickets.
//
// IP addresses are intentionally left alone. They are infrastructure
// identifiers, and remediation planning needs network topology.
type Scrubber struct {
	patterns []scrubPattern
}

type scrubPattern struct {
	category string
	re       *regexp.Regexp
	tag      string
}

// NewScrubber compiles the full pattern set.
func NewScrubber() *Scrubber {
	defs := []struct {
		category, pattern, tag string
	}{
		{"ssn", `\b\d{3}[-\s]\d{2}[-\s]\d{4}\b`, "SSN-REDACTED"},
		{"mrn", `(?i)\bMRN[:\s#]*\d{4,12}\b`, "MRN-REDACTED"},
		{"patient_id", `(?i)\bpatient[_\s]?id[:\s#]*[A-Za-z0-9\-]{3,20}\b`, "PATIENT-ID-REDACTED"},
		{"dob", `(?i)\b(?:DOB|date\s*of\s*birth)[:\s]*\d{1,2}[/\-]\d{1,2}[/\-]\d{2,4}\b`, "DOB-REDACTED"},
		{"phone", `(?:\(\d{3}\)\s*\d{3}[-.]?\d{4}|\b\d{3}[-.]?\d{3}[-.]?\d{4}\b)`, "PHONE-REDACTED"},
		{"email", `\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`, "EMAIL-REDACTED"},
		// UNC paths whose share or leaf segment looks like a person's
		// directory: \\server\users\jsmith, \\fs01\home\...
		{"unc_path", `(?i)\\\\[A-Za-z0-9._\-]+\\(?:users?|home|profiles?)\\[^\s\\]+(?:\\[^\s\\]+)*`, "UNC-REDACTED"},
		{"credit_card", `\b(?:\d{4}[-\s]?){3}\d{4}\b`, "CC-REDACTED"},
		{"account_number", `(?i)\b(?:account|acct)[:\s#]*\d{4,20}\b`, "ACCOUNT-REDACTED"},
		{"insurance_id", `(?i)\b(?:insurance|policy)\s*(?:id|#|number)[:\s]*[A-Za-z0-9\-]{4,20}\b`, "INSURANCE-REDACTED"},
	}

	patterns := make([]scrubPattern, 0, len(defs))
	for _, d := range defs {
		patterns = append(patterns, scrubPattern{
			category: d.category,
			re:       regexp.MustCompile(d.pattern),
			tag:      d.tag,
		})
	}
	return &Scrubber{patterns: patterns}
}

// hashSuffix keeps scrubbed values correlatable across logs without
// revealing the original.
func hashSuffix(value string) string {
	h := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", h[:4])
}

// ScrubString replaces every PHI match with a tagged placeholder like
// [SSN-REDACTED-a1b2c3d4].
func (s *Scrubber) ScrubString(input string) string {
	out := input
	for _, p := range s.patterns {
		out = p.re.ReplaceAllStringFunc(out, func(match string) string {
			return fmt.Sprintf("[%s-%s]", p.tag, hashSuffix(match))
		})
	}
	return out
}

// ScrubMap returns a deep-scrubbed copy; the input is not modified.
func (s *Scrubber) ScrubMap(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = s.scrubValue(v)
	}
	return out
}

func (s *Scrubber) scrubValue(v any) any {
	switch val := v.(type) {
	case string:
		return s.ScrubString(val)
	case map[string]any:
		return s.ScrubMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = s.scrubValue(item)
		}
		return out
	default:
		return v
	}
}

// ContainsPHI reports whether the input matches any pattern.
func (s *Scrubber) ContainsPHI(input string) bool {
	for _, p := range s.patterns {
		if p.re.MatchString(input) {
			return true
		}
	}
	return false
}

// Report lists the categories found in the input.
func (s *Scrubber) Report(input string) []string {
	var found []string
	for _, p := range s.patterns {
		if p.re.MatchString(input) {
			found = append(found, p.category)
		}
	}
	return found
}
