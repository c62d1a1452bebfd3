// Package chunker splits long reply text into human-sized blocks for
// outbound delivery (C6), closing any code fence the gateway left
// open and never splitting inside one.
package chunker

import (
	"regexp"
	"strings"
)

// Boundary selects how non-code text is split before coalescing.
type Boundary string

const (
	BoundaryParagraph Boundary = "paragraph"
	BoundarySentence  Boundary = "sentence"
)

// Config mirrors config.ChunkerConfig; kept separate so this package
// has no dependency on internal/config.
type Config struct {
	MinChars int
	MaxChars int
	Boundary Boundary
}

var (
	fenceRE     = regexp.MustCompile("```")
	paragraphRE = regexp.MustCompile(`\n\s*\n+`)
	// sentenceRE splits after ., !, or ? followed by whitespace. A
	// decimal point is not split because no whitespace follows it; an
	// abbreviation such as "e.g. " is split like a sentence end (a
	// best-effort heuristic, not a full sentence tokenizer).
	sentenceRE = regexp.MustCompile(`(?:[.!?]+)\s+`)
)

// Split closes any unterminated code fence, splits on the configured
// boundary, and coalesces adjacent fragments to respect MinChars and
// MaxChars. A code block is always kept intact, even if it exceeds
// MaxChars, since splitting one would break the fence. Output is
// always at least one chunk for non-empty input.
func Split(text string, cfg Config) []string {
	text = closeUnterminatedFences(text)
	segments := splitFences(text)

	var fragments []string
	var fragIsCode []bool
	for _, seg := range segments {
		if seg.isCode {
			if strings.TrimSpace(seg.text) == "" {
				continue
			}
			fragments = append(fragments, seg.text)
			fragIsCode = append(fragIsCode, true)
			continue
		}
		for _, f := range splitBoundary(seg.text, cfg.Boundary) {
			if strings.TrimSpace(f) == "" {
				continue
			}
			fragments = append(fragments, f)
			fragIsCode = append(fragIsCode, false)
		}
	}

	return coalesce(fragments, fragIsCode, cfg.MinChars, cfg.MaxChars)
}

func closeUnterminatedFences(text string) string {
	if len(fenceRE.FindAllStringIndex(text, -1))%2 == 1 {
		if !strings.HasSuffix(text, "\n") {
			text += "\n"
		}
		text += "```"
	}
	return text
}

type segment struct {
	text   string
	isCode bool
}

// splitFences partitions text into alternating code/non-code segments
// on ``` delimiters.
func splitFences(text string) []segment {
	parts := fenceRE.Split(text, -1)
	if len(parts) == 1 {
		return []segment{{text: text, isCode: false}}
	}
	segments := make([]segment, 0, len(parts))
	for i, p := range parts {
		isCode := i%2 == 1
		if isCode {
			p = "```" + p + "```"
		}
		segments = append(segments, segment{text: p, isCode: isCode})
	}
	return segments
}

func splitBoundary(text string, boundary Boundary) []string {
	switch boundary {
	case BoundarySentence:
		return splitKeepingDelimiter(text, sentenceRE)
	default:
		return paragraphRE.Split(text, -1)
	}
}

// splitKeepingDelimiter splits text on re but keeps the matched
// delimiter attached to the preceding fragment, so sentence-ending
// punctuation isn't dropped.
func splitKeepingDelimiter(text string, re *regexp.Regexp) []string {
	idxs := re.FindAllStringIndex(text, -1)
	if idxs == nil {
		return []string{text}
	}
	var out []string
	start := 0
	for _, idx := range idxs {
		out = append(out, text[start:idx[1]])
		start = idx[1]
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}

// coalesce greedily packs fragments into chunks respecting min/max
// size, never merging across a code-block boundary and never
// splitting a code block.
func coalesce(fragments []string, isCode []bool, minChars, maxChars int) []string {
	var chunks []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}

	for i, frag := range fragments {
		if isCode[i] {
			flush()
			chunks = append(chunks, frag)
			continue
		}

		candidateLen := current.Len() + len(frag)
		if current.Len() > 0 {
			candidateLen += len("\n\n") // separator
		}

		switch {
		case current.Len() == 0:
			current.WriteString(frag)
		case current.Len() >= minChars && candidateLen > maxChars:
			flush()
			current.WriteString(frag)
		case candidateLen > maxChars:
			// current is still under minChars but adding frag would
			// blow the cap; flush what we have rather than exceed it.
			flush()
			current.WriteString(frag)
		default:
			current.WriteString("\n\n")
			current.WriteString(frag)
		}

		if current.Len() > maxChars {
			chunks = append(chunks, hardSplit(current.String(), maxChars)...)
			current.Reset()
		}
	}
	flush()

	if len(chunks) == 0 {
		return []string{""}
	}
	return chunks
}

// hardSplit breaks an oversized non-code fragment at rune boundaries
// every maxChars runes, as a last resort when a single fragment alone
// exceeds the cap.
func hardSplit(text string, maxChars int) []string {
	runes := []rune(text)
	var out []string
	for len(runes) > 0 {
		n := maxChars
		if n > len(runes) {
			n = len(runes)
		}
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}
