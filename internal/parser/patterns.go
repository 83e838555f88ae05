package parser

import (
	"regexp"
	"strconv"
	"strings"
)

// Pattern families, checked independently per line. Classify applies the
// precedence documented on it when only one event can be emitted.
var (
	questionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\?\s*$`),
		regexp.MustCompile(`(?i)[\[(]\s*y(?:es)?\s*/\s*n(?:o)?\s*[\])]`),
		regexp.MustCompile(`(?i)\b(?:continue|proceed)\s*\?`),
		regexp.MustCompile(`(?i)^\s*(?:please\s+)?confirm(?:\s|:|$)`),
	}

	progressPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^\s*[⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏⣾⣽⣻⢿⡿⣟⣯⣷◐◓◑◒]`),
		regexp.MustCompile(`(?i)^\s*(?:analy[sz]ing|working|processing|thinking|reading|searching|running|planning)\b`),
	}
	percentPattern = regexp.MustCompile(`\b(\d{1,3})\s?%`)

	errorPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:error|fatal)\s*:`),
		regexp.MustCompile(`(?i)\bpermission denied\b`),
		regexp.MustCompile(`(?i)\bnot found\b`),
	}

	completePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*(?:all\s+)?(?:done|completed|finished)\s*[.!]?\s*$`),
		regexp.MustCompile(`(?i)\btask\s+(?:completed|complete|finished)\b`),
	}

	fileOpPattern = regexp.MustCompile(
		`(?i)^\s*(?:[-*•✓✔]\s*)?` +
			`(created?|creating|wrote|written|writing|added|adding|` +
			`modified|modifying|updated?|updating|edited|editing|changed|` +
			`deleted|deleting|removed|removing)` +
			`(?:\s+(?:new\s+)?file)?\s*:?\s+` +
			"[`'\"]?([^\\s`'\"]+)")

	ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07]*\x07`)
)

// StripANSI removes terminal escape sequences from s.
func StripANSI(s string) string {
	if !strings.Contains(s, "\x1b") {
		return s
	}
	return ansiPattern.ReplaceAllString(s, "")
}

func matchAny(patterns []*regexp.Regexp, line string) bool {
	for _, p := range patterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

// IsQuestion reports whether line looks like a prompt waiting for an answer.
func IsQuestion(line string) bool {
	return matchAny(questionPatterns, line)
}

// IsError reports whether line carries an error marker.
func IsError(line string) bool {
	return matchAny(errorPatterns, line)
}

// IsComplete reports whether line is a completion marker.
func IsComplete(line string) bool {
	return matchAny(completePatterns, line)
}

// IsProgress reports whether line is a progress indicator. When the line
// carries an NN% marker the percentage is returned as well.
func IsProgress(line string) (percent *int, ok bool) {
	if m := percentPattern.FindStringSubmatch(line); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil && v <= 100 {
			return &v, true
		}
	}
	return nil, matchAny(progressPatterns, line)
}

// ParseFileOperation recognises "Created <path>" style lines and their
// synonyms. The path must look like a path (contain "/" or ".").
func ParseFileOperation(line string) (FileOp, string, bool) {
	m := fileOpPattern.FindStringSubmatch(line)
	if m == nil {
		return "", "", false
	}
	op := fileOpFor(m[1])
	path := CleanPath(m[2])
	if op == "" || !LooksLikePath(path) {
		return "", "", false
	}
	return op, path, true
}

func fileOpFor(verb string) FileOp {
	v := strings.ToLower(verb)
	switch {
	case strings.HasPrefix(v, "creat"), strings.HasPrefix(v, "wr"), strings.HasPrefix(v, "add"):
		return FileOpCreated
	case strings.HasPrefix(v, "modif"), strings.HasPrefix(v, "updat"),
		strings.HasPrefix(v, "edit"), strings.HasPrefix(v, "chang"):
		return FileOpModified
	case strings.HasPrefix(v, "delet"), strings.HasPrefix(v, "remov"):
		return FileOpDeleted
	}
	return ""
}

// CleanPath trims quoting and trailing sentence punctuation from a path token.
func CleanPath(p string) string {
	p = strings.Trim(p, "`'\"()[]")
	return strings.TrimRight(p, ".,:;!")
}

// LooksLikePath reports whether p is plausibly a file path.
func LooksLikePath(p string) bool {
	if p == "" || strings.Contains(p, "://") {
		return false
	}
	return strings.ContainsAny(p, "/.")
}
