// Copyright 2024-2026 Aiku AI

// Package difffmt renders the difference between two texts as Matrix HTML,
// underlining inserted words.
package difffmt

import (
	"html"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Op tags a diff segment.
type Op int8

const (
	Equal Op = iota
	Insert
	Delete
)

func (op Op) String() string {
	switch op {
	case Insert:
		return "insert"
	case Delete:
		return "delete"
	default:
		return "equal"
	}
}

// Segment is a run of text with the same diff tag.
type Segment struct {
	Op   Op
	Text string
}

// Diff computes a word-granularity diff between oldText and newText.
// Words and whitespace runs are separate tokens, so a changed word never
// drags its surrounding spaces into the change.
func Diff(oldText, newText string) []Segment {
	tokens := newTokenTable()
	oldRunes := tokens.encode(tokenize(oldText))
	newRunes := tokens.encode(tokenize(newText))

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMainRunes(oldRunes, newRunes, false)

	segments := make([]Segment, 0, len(diffs))
	for _, d := range diffs {
		var op Op
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			op = Insert
		case diffmatchpatch.DiffDelete:
			op = Delete
		default:
			op = Equal
		}
		text := tokens.decode(d.Text)
		if text == "" {
			continue
		}
		if n := len(segments); n > 0 && segments[n-1].Op == op {
			segments[n-1].Text += text
			continue
		}
		segments = append(segments, Segment{Op: op, Text: text})
	}
	return segments
}

// Render returns the HTML body for a corrected message: unchanged text is
// kept, deleted text is dropped and inserted text is wrapped in <u>.
func Render(oldText, newText string) string {
	return RenderSegments(Diff(oldText, newText))
}

// RenderSegments renders precomputed segments the same way as Render.
func RenderSegments(segments []Segment) string {
	var sb strings.Builder
	for _, seg := range segments {
		switch seg.Op {
		case Equal:
			sb.WriteString(escape(seg.Text))
		case Insert:
			sb.WriteString("<u>")
			sb.WriteString(escape(seg.Text))
			sb.WriteString("</u>")
		}
	}
	return sb.String()
}

func escape(text string) string {
	return strings.ReplaceAll(html.EscapeString(text), "\n", "<br/>")
}

// tokenize splits text into alternating runs of whitespace and non-whitespace.
func tokenize(text string) []string {
	var tokens []string
	start := 0
	for i, r := range text {
		if i == start {
			continue
		}
		prev, _ := utf8.DecodeLastRuneInString(text[:i])
		if unicode.IsSpace(prev) != unicode.IsSpace(r) {
			tokens = append(tokens, text[start:i])
			start = i
		}
	}
	if start < len(text) {
		tokens = append(tokens, text[start:])
	}
	return tokens
}

// tokenTable maps each distinct token to a rune so the character-level
// differ can work on whole words.
type tokenTable struct {
	ids    map[string]rune
	tokens []string
}

func newTokenTable() *tokenTable {
	return &tokenTable{ids: make(map[string]rune)}
}

func (tt *tokenTable) encode(tokens []string) []rune {
	out := make([]rune, len(tokens))
	for i, tok := range tokens {
		id, ok := tt.ids[tok]
		if !ok {
			id = indexToRune(len(tt.tokens))
			tt.ids[tok] = id
			tt.tokens = append(tt.tokens, tok)
		}
		out[i] = id
	}
	return out
}

func (tt *tokenTable) decode(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if idx := runeToIndex(r); idx >= 0 && idx < len(tt.tokens) {
			sb.WriteString(tt.tokens[idx])
		}
	}
	return sb.String()
}

// Surrogates are not valid in Go strings, so the mapping skips them.
const (
	surrogateMin = 0xD800
	surrogateLen = 0x800
)

func indexToRune(i int) rune {
	r := rune(i + 1)
	if r >= surrogateMin {
		r += surrogateLen
	}
	return r
}

func runeToIndex(r rune) int {
	if r >= surrogateMin+surrogateLen {
		r -= surrogateLen
	}
	return int(r) - 1
}
