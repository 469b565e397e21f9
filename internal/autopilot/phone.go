package autopilot

import (
	"regexp"
	"strings"
)

var phonePattern = regexp.MustCompile(`(?:\+?1[\s.\-]?)?\(?([2-9]\d{2})\)?[\s.\-]?(\d{3})[\s.\-]?(\d{4})\b`)

// ExtractPhoneE164 finds the first North American number in text and
// returns it as +1XXXXXXXXXX, or "" if there is none.
func ExtractPhoneE164(text string) string {
	match := phonePattern.FindStringSubmatch(text)
	if match == nil {
		return ""
	}

	return "+1" + strings.Join(match[1:], "")
}
