// Package sanitize decides whether user-supplied text is a prompt-injection
// attempt and produces a safe substring for embedding in prompts.
//
// All patterns are precompiled at startup and never interpolated from user
// input.
package sanitize

import (
	"regexp"
	"strings"
)

// Filtered is the literal token substituted for any matched injection or
// delimiter-escape sequence.
const Filtered = "[FILTERED]"

// DefaultMaxLen caps sanitized output when the caller does not specify one.
const DefaultMaxLen = 4000

const (
	maxConsecutiveRunes  = 20 // same rune repeated this many times rejects
	maxConsecutiveTokens = 10 // same token repeated this many times rejects
	scrubPasses          = 5  // fixpoint bound for pattern replacement
)

type pattern struct {
	name string
	re   *regexp.Regexp
}

// Injection phrasings. Matching is case-insensitive; the bounded gaps keep
// "ignore all of the previous instructions" style padding covered without
// letting matches span whole paragraphs.
var injectionPatterns = []pattern{
	{"override-instructions", regexp.MustCompile(`(?is)\b(ignore|disregard|forget)\b.{0,60}?\b(previous|prior|above|earlier)\b.{0,60}?\b(instructions?|rules?|prompts?)\b`)},
	{"new-instructions", regexp.MustCompile(`(?i)\b(new\s+instructions?|actual\s+task|real\s+objective)\b`)},
	{"reveal-system", regexp.MustCompile(`(?is)\b(reveal|show|display|tell)\b.{0,60}?\b(system\s+prompt|instructions?|rules?|prompt)\b`)},
	{"roleplay", regexp.MustCompile(`(?is)\b(pretend|act|roleplay|imagine)\b.{0,40}?\bas\b`)},
	{"dan-family", regexp.MustCompile(`(?i)\bDAN\b|\bdo\s+anything\s+now\b|\bjailbreak\b`)},
}

// Delimiter escapes that would let user text break out of the prompt frame.
var delimiterPatterns = []pattern{
	{"prompt-frame", regexp.MustCompile(`(?i)<\s*/?\s*USER_(REQUEST|SHAPE)_(START|END)\s*>`)},
	{"code-fence", regexp.MustCompile("`{3,}")},
	{"rule-line", regexp.MustCompile(`-{3,}`)},
	{"system-tag", regexp.MustCompile(`(?i)\[\[\s*system\s*\]\]`)},
	{"end-of-input", regexp.MustCompile(`(?i)\bEND\s+OF\s+INPUT\b`)},
	{"begin-system", regexp.MustCompile(`(?i)\bBEGIN\s+SYSTEM\b`)},
}

var (
	spaceRunRe   = regexp.MustCompile(` {4,}`)
	newlineRunRe = regexp.MustCompile(`\n{3,}`)
)

// Result is the outcome of an injection check.
type Result struct {
	OK     bool
	Reason string
}

// Validate reports whether s looks like a prompt-injection attempt.
// It never returns an error; invalid input yields a rejection result.
func Validate(s string) Result {
	for _, p := range injectionPatterns {
		if p.re.MatchString(s) {
			return Result{Reason: "injection pattern: " + p.name}
		}
	}
	for _, p := range delimiterPatterns {
		if p.re.MatchString(s) {
			return Result{Reason: "delimiter escape: " + p.name}
		}
	}
	if reason, bad := excessiveRepetition(s); bad {
		return Result{Reason: reason}
	}
	return Result{OK: true}
}

// ForPrompt returns a safe substring of s for embedding in a prompt.
// Empty input yields "". The result is idempotent: sanitizing sanitized
// text is a no-op.
func ForPrompt(s string, maxLen int) string {
	if s == "" {
		return ""
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}

	out := stripControl(s)

	// Replace matches until a fixpoint so substitutions cannot splice new
	// matches together.
	for i := 0; i < scrubPasses; i++ {
		replaced := out
		for _, p := range injectionPatterns {
			replaced = p.re.ReplaceAllString(replaced, Filtered)
		}
		for _, p := range delimiterPatterns {
			replaced = p.re.ReplaceAllString(replaced, Filtered)
		}
		if replaced == out {
			break
		}
		out = replaced
	}

	out = spaceRunRe.ReplaceAllString(out, "   ")
	out = newlineRunRe.ReplaceAllString(out, "\n\n\n")

	if runes := []rune(out); len(runes) > maxLen {
		out = string(runes[:maxLen])
	}
	return out
}

// stripControl removes [\x00-\x08\x0B\x0C\x0E-\x1F\x7F], keeping tab, LF
// and CR.
func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\t' || r == '\n' || r == '\r':
			return r
		case r < 0x20 || r == 0x7F:
			return -1
		default:
			return r
		}
	}, s)
}

func excessiveRepetition(s string) (string, bool) {
	// Same rune repeated.
	var prev rune
	run := 0
	for _, r := range s {
		if r == prev {
			run++
			if run >= maxConsecutiveRunes {
				return "excessive character repetition", true
			}
		} else {
			prev = r
			run = 1
		}
	}

	// Same whitespace-separated token repeated.
	tokens := strings.Fields(s)
	count := 0
	last := ""
	for _, tok := range tokens {
		if tok == last {
			count++
			if count >= maxConsecutiveTokens {
				return "excessive token repetition", true
			}
		} else {
			last = tok
			count = 1
		}
	}
	return "", false
}
