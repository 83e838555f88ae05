package parser

import (
	"regexp"
	"strings"

	"github.com/sevir/fetch/pkg/models"
)

const (
	minSummaryLength = 10
	maxSummaryLength = 2000
)

var (
	summaryHeading = regexp.MustCompile(`(?i)^\s*(?:#+\s*)?(?:\*\*)?summary\b(?:\*\*)?\s*:?(?:\*\*)?\s*(.*)$`)
	headingPattern = regexp.MustCompile(`^\s*#+\s`)
)

// ExtractFileOperations scans a full transcript for file operations.
func ExtractFileOperations(output string) models.FileChanges {
	set := NewFileSet()
	for _, line := range splitLines(output) {
		if ev, ok := Classify(line); ok && ev.Type == EventFileOp {
			set.Add(ev.Op, ev.Path)
		}
	}
	return set.Changes()
}

// ExtractSummary returns a best-effort synopsis of a transcript. An explicit
// "Summary" section wins; otherwise the last paragraph that still has
// substance once progress and completion lines are dropped.
func ExtractSummary(output string) string {
	lines := splitLines(output)
	if s := summarySection(lines); s != "" {
		return truncate(s)
	}

	paragraphs := splitParagraphs(lines)
	for i := len(paragraphs) - 1; i >= 0; i-- {
		var kept []string
		for _, line := range paragraphs[i] {
			if isTrivial(line) {
				continue
			}
			kept = append(kept, strings.TrimSpace(line))
		}
		text := strings.Join(kept, "\n")
		if len(text) >= minSummaryLength {
			return truncate(text)
		}
	}

	for i := len(lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			return truncate(s)
		}
	}
	return ""
}

func summarySection(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		m := summaryHeading.FindStringSubmatch(lines[i])
		if m == nil {
			continue
		}
		var body []string
		if rest := strings.TrimSpace(m[1]); rest != "" {
			body = append(body, rest)
		}
		for _, line := range lines[i+1:] {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				if len(body) > 0 {
					break
				}
				continue
			}
			if headingPattern.MatchString(line) {
				break
			}
			body = append(body, trimmed)
		}
		if len(body) > 0 {
			return strings.Join(body, "\n")
		}
	}
	return ""
}

func isTrivial(line string) bool {
	if strings.TrimSpace(line) == "" {
		return true
	}
	if IsComplete(line) {
		return true
	}
	if _, ok := IsProgress(line); ok {
		return true
	}
	return false
}

func splitLines(output string) []string {
	output = StripANSI(strings.ReplaceAll(output, "\r\n", "\n"))
	return strings.Split(output, "\n")
}

func splitParagraphs(lines []string) [][]string {
	var paragraphs [][]string
	var current []string
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			if len(current) > 0 {
				paragraphs = append(paragraphs, current)
				current = nil
			}
			continue
		}
		current = append(current, line)
	}
	if len(current) > 0 {
		paragraphs = append(paragraphs, current)
	}
	return paragraphs
}

func truncate(s string) string {
	if len(s) <= maxSummaryLength {
		return s
	}
	cut := runeBoundary([]byte(s), maxSummaryLength-3)
	return s[:cut] + "..."
}
