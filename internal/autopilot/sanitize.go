package autopilot

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const maxSanitizePasses = 8

var (
	markdownLinkPattern  = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	urlPattern           = regexp.MustCompile(`(?i)\b(?:https?://|www\.)\S+`)
	dashPattern          = regexp.MustCompile(`[ \t]*(?:[\x{2012}-\x{2015}\x{2212}]|--+)[ \t]*|[ \t]+-[ \t]+`)
	bulletPattern        = regexp.MustCompile(`^\s*(?:[-*\x{2022}\x{25AA}]|\d+[.)])\s+`)
	checklistItemPattern = regexp.MustCompile(`^\s*(?:[-*\x{2022}]\s*)?(?:\[[ xX]?\]|[\x{2610}\x{2611}\x{2713}\x{2714}\x{2705}])`)
	checklistHeadPattern = regexp.MustCompile(`(?i)^\s*(?:next steps|checklist|to do|todo|missing info(?:rmation)?|open items|action items)\s*:?\s*$`)
	spacesPattern        = regexp.MustCompile(`[ \t]+`)
	spaceBeforePunct     = regexp.MustCompile(` +([,.!?;:])`)
	repeatedCommaPattern = regexp.MustCompile(`,(?:\s*,)+`)
	commaBeforeStop      = regexp.MustCompile(`,\s*([.!?])`)
	blankLinesPattern    = regexp.MustCompile(`\n{3,}`)
)

// Sanitize rewrites generated text into the business voice: no trailing
// checklist, bullets, links or dashes, and at most maxChars runes cut at a
// word boundary. Passes repeat until nothing changes, so sanitizing
// sanitized text returns it unchanged.
func Sanitize(text string, maxChars int) string {
	out := text

	for range maxSanitizePasses {
		next := sanitizePass(out, maxChars)
		if next == out {
			break
		}

		out = next
	}

	return out
}

func sanitizePass(text string, maxChars int) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = stripTrailingChecklist(text)
	text = markdownLinkPattern.ReplaceAllString(text, "$1")
	text = urlPattern.ReplaceAllString(text, "")
	text = dashPattern.ReplaceAllString(text, ", ")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		line = bulletPattern.ReplaceAllString(line, "")
		line = spacesPattern.ReplaceAllString(line, " ")
		line = spaceBeforePunct.ReplaceAllString(line, "$1")
		line = repeatedCommaPattern.ReplaceAllString(line, ",")
		line = commaBeforeStop.ReplaceAllString(line, "$1")
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, ",;: ")
		lines[i] = line
	}

	text = strings.Join(lines, "\n")
	text = blankLinesPattern.ReplaceAllString(text, "\n\n")
	text = strings.TrimSpace(text)

	return clamp(text, maxChars)
}

func isChecklistLine(line string) bool {
	return checklistItemPattern.MatchString(line) || checklistHeadPattern.MatchString(line)
}

func stripTrailingChecklist(text string) string {
	lines := strings.Split(strings.TrimRightFunc(text, unicode.IsSpace), "\n")

	end := len(lines)
	for end > 0 {
		line := lines[end-1]
		if strings.TrimSpace(line) != "" && !isChecklistLine(line) {
			break
		}

		end--
	}

	return strings.Join(lines[:end], "\n")
}

// clamp cuts text to maxChars runes, preferring the last space in the
// second half of the allowance, and drops dangling separators.
func clamp(text string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(text) <= maxChars {
		return text
	}

	runes := []rune(text)[:maxChars]

	cut := len(runes)
	for i := len(runes) - 1; i >= maxChars/2; i-- {
		if unicode.IsSpace(runes[i]) {
			cut = i
			break
		}
	}

	return strings.TrimRightFunc(string(runes[:cut]), func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(",;:", r)
	})
}

// normalizeForCompare folds case, punctuation and spacing so two replies that
// read the same compare equal.
func normalizeForCompare(text string) string {
	var builder strings.Builder

	space := false

	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && builder.Len() > 0 {
				builder.WriteByte(' ')
			}

			builder.WriteRune(r)

			space = false
		case unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r):
			space = true
		}
	}

	return builder.String()
}
