package contextguard

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/hochfrequenz/backlog-orch/internal/domain"
)

const ellipsis = "..."

// Compress shrinks a task's context until it fits the rules, in a fixed
// order: contaminated optional statements and description sentences are
// dropped, long statements are truncated, counts are capped, then while the
// rendered payload is over budget the description is cut and pitfalls,
// pattern references and constraints are dropped from the end. Acceptance
// criteria are never touched.
//
// Compress is deterministic and idempotent, and returns a valid context
// unchanged.
func (v *Verifier) Compress(t domain.Task) (domain.Task, []string) {
	t = t.Clone()
	r := v.scanner.rules
	var notes []string
	note := func(format string, args ...any) {
		notes = append(notes, fmt.Sprintf(format, args...))
	}

	t.Context.Constraints = v.cleanStatements(t.ID, "constraint", t.Context.Constraints, note)
	t.Context.Pitfalls = v.cleanStatements(t.ID, "pitfall", t.Context.Pitfalls, note)
	t.Context.Patterns = v.cleanPatterns(t.ID, t.Context.Patterns, note)
	t.Description = v.cleanDescription(t.ID, t.Description, note)

	if n := len(t.Context.Constraints); n > r.MaxConstraints {
		t.Context.Constraints = t.Context.Constraints[:r.MaxConstraints]
		note("kept %d of %d constraints", r.MaxConstraints, n)
	}
	if n := len(t.Context.Pitfalls); n > r.MaxPitfalls {
		t.Context.Pitfalls = t.Context.Pitfalls[:r.MaxPitfalls]
		note("kept %d of %d pitfalls", r.MaxPitfalls, n)
	}

	for {
		payload, err := v.Render(t)
		if err != nil {
			break
		}
		over := len(payload) - (r.MaxBytes - 1)
		if over <= 0 {
			break
		}
		switch {
		case t.Description != "":
			t.Description = shrinkText(t.Description, over)
			note("truncated description")
		case len(t.Context.Pitfalls) > 0:
			t.Context.Pitfalls = t.Context.Pitfalls[:len(t.Context.Pitfalls)-1]
			note("dropped pitfall for size")
		case len(t.Context.Patterns) > 0:
			t.Context.Patterns = t.Context.Patterns[:len(t.Context.Patterns)-1]
			note("dropped pattern reference for size")
		case len(t.Context.Constraints) > 0:
			t.Context.Constraints = t.Context.Constraints[:len(t.Context.Constraints)-1]
			note("dropped constraint for size")
		default:
			return t, notes
		}
	}
	return t, notes
}

func (v *Verifier) cleanStatements(own, field string, in []string, note func(string, ...any)) []string {
	limit := v.scanner.rules.MaxStatementChars - 1
	out := in[:0:0]
	for _, s := range in {
		if strings.Contains(s, "\n") {
			s = strings.Join(strings.Fields(s), " ")
		}
		if v.scanner.Contaminated(s, own) {
			note("dropped %s with forbidden content", field)
			continue
		}
		if utf8.RuneCountInString(s) > limit {
			s = truncateRunes(s, limit)
			note("truncated %s", field)
		}
		out = append(out, s)
	}
	return out
}

func (v *Verifier) cleanPatterns(own string, in []domain.PatternRef, note func(string, ...any)) []domain.PatternRef {
	limit := v.scanner.rules.MaxStatementChars - 1
	out := in[:0:0]
	for _, p := range in {
		if strings.Contains(p.Description, "\n") {
			p.Description = strings.Join(strings.Fields(p.Description), " ")
		}
		if _, _, err := p.LineRange(); err != nil || p.Path == "" {
			note("dropped pattern reference without path and line range")
			continue
		}
		if v.scanner.Contaminated(p.Path+" "+p.Description, own) {
			note("dropped pattern reference with forbidden content")
			continue
		}
		if utf8.RuneCountInString(p.Description) > limit {
			p.Description = truncateRunes(p.Description, limit)
			note("truncated pattern description")
		}
		out = append(out, p)
	}
	return out
}

func (v *Verifier) cleanDescription(own, desc string, note func(string, ...any)) string {
	if spans := v.scanner.oversizedBlocks(desc); len(spans) > 0 {
		var b strings.Builder
		prev := 0
		for _, sp := range spans {
			b.WriteString(desc[prev:sp.start])
			prev = sp.end
		}
		b.WriteString(desc[prev:])
		desc = strings.TrimSpace(b.String())
		note("removed %d oversized code blocks from description", len(spans))
	}

	if !v.scanner.Contaminated(desc, own) {
		return desc
	}
	var b strings.Builder
	dropped := 0
	for _, sentence := range splitSentences(desc) {
		if v.scanner.Contaminated(sentence, own) {
			dropped++
			continue
		}
		b.WriteString(sentence)
	}
	note("dropped %d description sentences with forbidden content", dropped)
	return strings.TrimSpace(b.String())
}

// splitSentences splits text after '.', '!' or '?' followed by whitespace and
// after line breaks. Each piece keeps its trailing whitespace so joining the
// pieces restores the text.
func splitSentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		c := text[i]
		end := -1
		switch {
		case c == '\n':
			end = i + 1
		case (c == '.' || c == '!' || c == '?') && i+1 < len(text) && unicode.IsSpace(rune(text[i+1])):
			end = i + 1
		}
		if end < 0 {
			continue
		}
		for end < len(text) && (text[end] == ' ' || text[end] == '\t') {
			end++
		}
		out = append(out, text[start:end])
		start = end
		i = end - 1
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}

// truncateRunes cuts s to at most n runes, marking the cut
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	keep := n - len(ellipsis)
	if keep < 0 {
		keep = 0
	}
	runes := []rune(s)
	return strings.TrimRightFunc(string(runes[:keep]), unicode.IsSpace) + ellipsis
}

// shrinkText removes at least over bytes from the end of s, cutting at a word
// boundary when possible.
func shrinkText(s string, over int) string {
	target := len(s) - over - len(ellipsis)
	if target <= 0 {
		return ""
	}
	for target > 0 && !utf8.RuneStart(s[target]) {
		target--
	}
	cut := s[:target]
	if i := strings.LastIndexAny(cut, " \n\t"); i > len(cut)/2 {
		cut = cut[:i]
	}
	cut = strings.TrimRightFunc(cut, unicode.IsSpace)
	if cut == "" {
		return ""
	}
	return cut + ellipsis
}
