// Package prompt classifies subprocess output lines that are actually
// questions: a non-interactive command unexpectedly waiting on keyboard input.
// Detection is a pure function over a single line, so it can run on every
// line of a live stream.
package prompt

import (
	"regexp"
	"strings"
)

// Kind is the detected class of a line.
type Kind int

const (
	// KindNone means the line is ordinary output.
	KindNone Kind = iota
	// KindYesNo means the line asks a yes/no question.
	KindYesNo
	// KindFreeText means the line asks for arbitrary input.
	KindFreeText
)

// Event describes one detected prompt. Transient; consumed immediately.
type Event struct {
	// Line is the raw text that triggered detection.
	Line string
	// Kind is the detected prompt class.
	Kind Kind
	// Default is the suggested answer ("y" or "n" for yes/no, "" otherwise).
	Default string
}

// ynMarker matches trailing "(y/n)", "[y/N]", "(yes/no)" style markers,
// optionally followed by ':' or '?'. Matching is case-insensitive; the
// capture groups keep the original case so capitalization can pick the
// default.
var ynMarker = regexp.MustCompile(`(?i)[\[(](y(?:es)?)\s*/\s*(no?)[\])]\s*[:?]?\s*$`)

// bareQuestions are question words that imply yes/no even without a marker.
var bareQuestions = []string{
	"overwrite?",
	"continue?",
	"proceed?",
	"replace?",
	"remove?",
	"install?",
	"are you sure?",
}

// Detect classifies a single output line. Deterministic and side-effect free.
func Detect(line string) Event {
	trimmed := strings.TrimRight(line, " \t\r\n")
	if trimmed == "" {
		return Event{Line: line, Kind: KindNone}
	}

	if m := ynMarker.FindStringSubmatch(trimmed); m != nil {
		return Event{
			Line:    line,
			Kind:    KindYesNo,
			Default: ynDefault(m[1], m[2]),
		}
	}

	lower := strings.ToLower(trimmed)
	for _, q := range bareQuestions {
		if strings.HasSuffix(lower, q) {
			return Event{Line: line, Kind: KindYesNo, Default: "y"}
		}
	}

	// "Enter name:" style requests for arbitrary input.
	if strings.HasSuffix(trimmed, ":") && len(trimmed) > 1 {
		return Event{Line: line, Kind: KindFreeText}
	}

	return Event{Line: line, Kind: KindNone}
}

// ynDefault picks the suggested answer from which side of the marker is
// capitalized. "(y/N)" suggests no; "(Y/n)" suggests yes; ambiguous markers
// default to yes.
func ynDefault(yes, no string) string {
	yesUpper := strings.ContainsAny(yes, "Y")
	noUpper := strings.ContainsAny(no, "N")
	if noUpper && !yesUpper {
		return "n"
	}
	return "y"
}
