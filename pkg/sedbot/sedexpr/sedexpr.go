// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package sedexpr finds sed-style substitution commands in chat messages and
// applies them to text.
//
// A command has the form s<d>pattern<d>replacement<d>flags where <d> is any
// character that is not a letter, digit, whitespace or backslash. The
// trailing delimiter may be omitted when there are no flags. Patterns use Go
// regexp syntax. Replacements use the regexp template syntax ($1, ${name});
// sed-style \1 backreferences are also accepted.
//
// Supported flags:
//
//	g  replace every match instead of the first one
//	i  case-insensitive
//	m  multi-line mode (^ and $ match at line boundaries)
//	s  let . match newlines
//	U  swap greediness of quantifiers
package sedexpr

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"maunium.net/go/mautrix/event"
)

// ErrMalformedCommand is returned by Parse for commands that cannot be
// compiled.
var ErrMalformedCommand = errors.New("malformed substitution command")

var (
	mentionRe = regexp.MustCompile(`(?:^|[^a-zA-Z0-9])sed (s.+)`)
	wholeRe   = regexp.MustCompile(`^(s[#/].+[#/].+)$`)
)

// Command is a compiled substitution.
type Command struct {
	Delimiter   rune
	Pattern     *regexp.Regexp
	Replacement string
	Global      bool
}

// FindCommand extracts a candidate command from a message body. The reply
// fallback quote is removed first. A "sed s/…" mention anywhere in the body
// wins over a body that is itself a command.
func FindCommand(body string) (string, bool) {
	body = event.TrimReplyFallbackText(body)
	if m := mentionRe.FindStringSubmatch(body); m != nil {
		return m[1], true
	}
	if m := wholeRe.FindStringSubmatch(body); m != nil {
		return m[1], true
	}
	return "", false
}

// Parse compiles a command string.
func Parse(expr string) (*Command, error) {
	runes := []rune(expr)
	if len(runes) < 2 || runes[0] != 's' {
		return nil, fmt.Errorf("%w: must start with s and a delimiter", ErrMalformedCommand)
	}
	delim := runes[1]
	if !validDelimiter(delim) {
		return nil, fmt.Errorf("%w: invalid delimiter %q", ErrMalformedCommand, delim)
	}

	parts := splitUnescaped(runes[2:], delim)
	var flags string
	switch len(parts) {
	case 2:
	case 3:
		flags = parts[2]
	default:
		return nil, fmt.Errorf("%w: expected pattern, replacement and flags, got %d parts", ErrMalformedCommand, len(parts))
	}
	if parts[0] == "" {
		return nil, fmt.Errorf("%w: empty pattern", ErrMalformedCommand)
	}

	cmd := &Command{Delimiter: delim}
	var inline strings.Builder
	for _, f := range flags {
		switch f {
		case 'g':
			cmd.Global = true
		case 'i', 'm', 's', 'U':
			if !strings.ContainsRune(inline.String(), f) {
				inline.WriteRune(f)
			}
		default:
			return nil, fmt.Errorf("%w: unknown flag %q", ErrMalformedCommand, f)
		}
	}

	pattern := unescapePattern(parts[0], delim)
	if inline.Len() > 0 {
		pattern = "(?" + inline.String() + ")" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCommand, err)
	}
	cmd.Pattern = re
	cmd.Replacement = translateReplacement(parts[1], delim)
	return cmd, nil
}

// Execute applies the substitution to text.
func (c *Command) Execute(text string) string {
	if c.Global {
		return c.Pattern.ReplaceAllString(text, c.Replacement)
	}
	loc := c.Pattern.FindStringSubmatchIndex(text)
	if loc == nil {
		return text
	}
	var out []byte
	out = append(out, text[:loc[0]]...)
	out = c.Pattern.ExpandString(out, c.Replacement, text, loc)
	out = append(out, text[loc[1]:]...)
	return string(out)
}

func validDelimiter(r rune) bool {
	return r != '\\' && !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r)
}

// splitUnescaped splits on delim, keeping escape sequences intact so that
// \<delim> does not split.
func splitUnescaped(runes []rune, delim rune) []string {
	var parts []string
	var cur strings.Builder
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '\\' && i+1 < len(runes):
			cur.WriteRune(r)
			cur.WriteRune(runes[i+1])
			i++
		case r == delim:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	parts = append(parts, cur.String())
	return parts
}

// unescapePattern turns \<delim> into a literal match of the delimiter.
func unescapePattern(s string, delim rune) string {
	return strings.ReplaceAll(s, `\`+string(delim), regexp.QuoteMeta(string(delim)))
}

// translateReplacement converts sed escapes into a regexp template.
func translateReplacement(s string, delim rune) string {
	runes := []rune(s)
	var out strings.Builder
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '\\' || i+1 >= len(runes) {
			out.WriteRune(r)
			continue
		}
		next := runes[i+1]
		i++
		switch {
		case next >= '0' && next <= '9':
			out.WriteString("${")
			out.WriteRune(next)
			out.WriteString("}")
		case next == delim, next == '\\':
			out.WriteRune(next)
		case next == 'n':
			out.WriteRune('\n')
		default:
			out.WriteRune('\\')
			out.WriteRune(next)
		}
	}
	return out.String()
}
