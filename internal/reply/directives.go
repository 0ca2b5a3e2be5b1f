// Package reply projects an engine's token stream into chat-visible
// messages: it parses in-band directives, debounces flushes, chunks
// long output, and guarantees the same visible content is never sent
// twice.
package reply

import (
	"regexp"
	"strings"
)

// StreamMode is a directive-selected delivery mode.
type StreamMode string

const (
	// StreamEdit keeps editing a single message in place (default).
	StreamEdit StreamMode = "edit"
	// StreamAppend sends each new fragment as a fresh message.
	StreamAppend StreamMode = "append"
	// StreamOff suppresses visible output entirely.
	StreamOff StreamMode = "off"
)

// DirectiveKind labels a parsed directive.
type DirectiveKind string

const (
	DirectiveReact          DirectiveKind = "react"
	DirectiveStream         DirectiveKind = "stream"
	DirectiveReplyTo        DirectiveKind = "reply_to"
	DirectiveReplyToCurrent DirectiveKind = "reply_to_current"
)

// Directive is one in-band control marker lifted out of the text.
type Directive struct {
	Kind  DirectiveKind
	Value string
}

// Parsed is the tokenizer output: the stripped visible text plus a
// typed directive list. Silence is a dedicated field rather than a
// sentinel substring so downstream code never re-scans for tokens.
type Parsed struct {
	Text           string
	Directives     []Directive
	Reactions      []string
	Mode           StreamMode // "" when no stream directive present
	ReplyTo        int64
	ReplyToCurrent bool
	Silent         bool
}

var (
	reBracket = regexp.MustCompile(`\[\[\s*(react|stream|reply_to)\s*:\s*([^\]]+?)\s*\]\]`)
	reCurrent = regexp.MustCompile(`\[\[\s*reply_to_current\s*\]\]`)
	// [tg:<tag>] and [tg:<tag>:<value>] are aliases for the double-
	// bracket forms.
	reAlias = regexp.MustCompile(`\[tg:([a-z_]+)(?::([^\]]*))?\]`)
)

// ParseDirectives strips every directive from raw and reports what was
// found. A silent token anywhere in the stripped text marks the whole
// reply silent.
func ParseDirectives(raw string, silentTokens []string) Parsed {
	var p Parsed

	collect := func(kind, value string) string {
		switch kind {
		case "react":
			if value != "" {
				p.Directives = append(p.Directives, Directive{Kind: DirectiveReact, Value: value})
				p.Reactions = append(p.Reactions, value)
			}
		case "stream":
			switch StreamMode(strings.ToLower(value)) {
			case StreamEdit, StreamAppend, StreamOff:
				p.Directives = append(p.Directives, Directive{Kind: DirectiveStream, Value: strings.ToLower(value)})
				p.Mode = StreamMode(strings.ToLower(value))
			}
		case "reply_to":
			p.Directives = append(p.Directives, Directive{Kind: DirectiveReplyTo, Value: value})
			p.ReplyTo = parseInt64(value)
		case "reply_to_current":
			p.Directives = append(p.Directives, Directive{Kind: DirectiveReplyToCurrent})
			p.ReplyToCurrent = true
		}
		return ""
	}

	text := reBracket.ReplaceAllStringFunc(raw, func(m string) string {
		sub := reBracket.FindStringSubmatch(m)
		return collect(sub[1], strings.TrimSpace(sub[2]))
	})
	text = reCurrent.ReplaceAllStringFunc(text, func(string) string {
		return collect("reply_to_current", "")
	})
	text = reAlias.ReplaceAllStringFunc(text, func(m string) string {
		sub := reAlias.FindStringSubmatch(m)
		return collect(sub[1], strings.TrimSpace(sub[2]))
	})

	for _, token := range silentTokens {
		if token != "" && strings.Contains(text, token) {
			p.Silent = true
			text = strings.ReplaceAll(text, token, "")
		}
	}

	p.Text = text
	return p
}

var reThinking = regexp.MustCompile(`(?s)<(thinking|think|reasoning)>.*?</(thinking|think|reasoning)>`)

// Sanitize removes reasoning wrappers the engine may leak into its
// visible output.
func Sanitize(text string) string {
	return strings.TrimSpace(reThinking.ReplaceAllString(text, ""))
}

func parseInt64(s string) int64 {
	var n int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int64(r-'0')
	}
	return n
}
