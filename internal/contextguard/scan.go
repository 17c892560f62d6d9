package contextguard

import (
	"regexp"
	"sort"
	"strings"
)

// Rules are the hard limits a worker payload must satisfy
type Rules struct {
	MaxBytes            int // rendered payload must stay below this
	MaxConstraints      int
	MaxPitfalls         int
	MaxStatementChars   int // statements must be shorter than this
	MaxSnippetLines     int // longest fenced code block allowed
	ForbiddenVocabulary []string
	// TaskIDPattern optionally matches identifiers of tasks that are not in
	// the known set, e.g. tasks of another track.
	TaskIDPattern *regexp.Regexp
}

// DefaultRules returns the reference limits
func DefaultRules() Rules {
	return Rules{
		MaxBytes:          3000,
		MaxConstraints:    5,
		MaxPitfalls:       3,
		MaxStatementChars: 100,
		MaxSnippetLines:   20,
		ForbiddenVocabulary: []string{
			"backlog", "roadmap", "milestone", "sprint", "epic",
			"planning session", "other tasks", "dependency graph",
			"architecture plan", "risk plan",
		},
	}
}

// MarkerFileDump is reported when a text contains a code block longer than
// the snippet limit.
const MarkerFileDump = "full-file-dump"

// Findings lists contamination found in a text
type Findings struct {
	TaskIDs    []string // distinct identifiers, sorted
	Vocabulary []string // distinct forbidden terms, lower-cased, sorted
	Dumps      int      // fenced blocks over the snippet limit
}

// Markers flattens vocabulary hits and dumps into marker strings
func (f Findings) Markers() []string {
	markers := append([]string(nil), f.Vocabulary...)
	if f.Dumps > 0 {
		markers = append(markers, MarkerFileDump)
	}
	return markers
}

// Scanner finds task identifiers, planning vocabulary and file dumps in text
type Scanner struct {
	rules   Rules
	known   map[string]bool
	vocabRe *regexp.Regexp
}

var tokenRe = regexp.MustCompile(`[A-Za-z0-9][A-Za-z0-9._/-]*`)

// NewScanner creates a scanner. knownIDs is the set of identifiers of every
// task in the backlog.
func NewScanner(rules Rules, knownIDs []string) *Scanner {
	s := &Scanner{rules: rules, known: make(map[string]bool, len(knownIDs))}
	for _, id := range knownIDs {
		s.known[id] = true
	}
	if len(rules.ForbiddenVocabulary) > 0 {
		quoted := make([]string, len(rules.ForbiddenVocabulary))
		for i, w := range rules.ForbiddenVocabulary {
			quoted[i] = regexp.QuoteMeta(strings.ToLower(w))
		}
		s.vocabRe = regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
	}
	return s
}

// Rules returns the scanner's rules
func (s *Scanner) Rules() Rules {
	return s.rules
}

// Scan inspects text
func (s *Scanner) Scan(text string) Findings {
	var f Findings
	f.TaskIDs = s.taskIDs(text)
	if s.vocabRe != nil {
		seen := make(map[string]bool)
		for _, m := range s.vocabRe.FindAllString(text, -1) {
			w := strings.ToLower(m)
			if !seen[w] {
				seen[w] = true
				f.Vocabulary = append(f.Vocabulary, w)
			}
		}
		sort.Strings(f.Vocabulary)
	}
	f.Dumps = len(s.oversizedBlocks(text))
	return f
}

// ForeignIDs returns the identifiers in text other than own
func (s *Scanner) ForeignIDs(text, own string) []string {
	var out []string
	for _, id := range s.taskIDs(text) {
		if id != own {
			out = append(out, id)
		}
	}
	return out
}

// Mentions reports whether id appears in text as a whole token
func (s *Scanner) Mentions(text, id string) bool {
	for _, tok := range tokenRe.FindAllString(text, -1) {
		if strings.TrimRight(tok, "./-") == id {
			return true
		}
	}
	return false
}

func (s *Scanner) taskIDs(text string) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, tok := range tokenRe.FindAllString(text, -1) {
		tok = strings.TrimRight(tok, "./-")
		if tok == "" || seen[tok] {
			continue
		}
		if s.known[tok] || (s.rules.TaskIDPattern != nil && s.rules.TaskIDPattern.MatchString(tok)) {
			seen[tok] = true
			ids = append(ids, tok)
		}
	}
	sort.Strings(ids)
	return ids
}

// Contaminated reports whether text mentions a foreign task, forbidden
// vocabulary or a file dump
func (s *Scanner) Contaminated(text, own string) bool {
	if len(s.ForeignIDs(text, own)) > 0 {
		return true
	}
	if s.vocabRe != nil && s.vocabRe.MatchString(text) {
		return true
	}
	return len(s.oversizedBlocks(text)) > 0
}

type span struct{ start, end int }

// oversizedBlocks returns byte spans of fenced code blocks whose body has more
// lines than MaxSnippetLines. An unterminated fence runs to the end of text.
func (s *Scanner) oversizedBlocks(text string) []span {
	if s.rules.MaxSnippetLines <= 0 {
		return nil
	}
	var spans []span
	lines := strings.SplitAfter(text, "\n")
	offset := 0
	open := -1
	body := 0
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if open < 0 {
				open, body = offset, 0
			} else {
				if body > s.rules.MaxSnippetLines {
					spans = append(spans, span{open, offset + len(line)})
				}
				open = -1
			}
		} else if open >= 0 {
			body++
		}
		offset += len(line)
	}
	if open >= 0 && body > s.rules.MaxSnippetLines {
		spans = append(spans, span{open, len(text)})
	}
	return spans
}
