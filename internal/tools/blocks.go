// Package tools implements the tool-block execution substrate: parsing
// tool/delegation blocks out of agent output, dispatching them to handlers,
// and splicing results back into the text.
package tools

import (
	"regexp"
	"strings"
)

// Block is one fenced directive extracted from agent text.
type Block struct {
	// Name is the lowercased tool name or delegated agent id.
	Name string
	// Raw is the full source text including delimiters.
	Raw string
	// Payload is the trimmed body between the fences.
	Payload string
	// Start and End delimit Raw within the source text.
	Start int
	End   int
}

// Block grammar: `<<<tool.NAME` (case-insensitive, NAME in [a-z0-9_-]+)
// followed by a newline, body, then `>>>` at the start of a line. A `>>>`
// embedded mid-line belongs to the body. Delegation blocks use the disjoint
// `agent.` namespace with identical delimiter rules.
var (
	toolBlockRe  = regexp.MustCompile(`(?ims)<<<tool\.([a-z0-9_-]+)[ \t]*\r?\n(.*?)^[ \t]*>>>`)
	agentBlockRe = regexp.MustCompile(`(?ims)<<<agent\.([a-z0-9_-]+)[ \t]*\r?\n(.*?)^[ \t]*>>>`)
)

func extract(re *regexp.Regexp, text string) []Block {
	matches := re.FindAllStringSubmatchIndex(text, -1)
	blocks := make([]Block, 0, len(matches))
	for _, m := range matches {
		blocks = append(blocks, Block{
			Name:    strings.ToLower(text[m[2]:m[3]]),
			Raw:     text[m[0]:m[1]],
			Payload: strings.TrimSpace(text[m[4]:m[5]]),
			Start:   m[0],
			End:     m[1],
		})
	}
	return blocks
}

// ExtractToolBlocks returns the tool blocks in text, in source order.
func ExtractToolBlocks(text string) []Block {
	return extract(toolBlockRe, text)
}

// ExtractAgentBlocks returns the delegation blocks in text, in source order.
func ExtractAgentBlocks(text string) []Block {
	return extract(agentBlockRe, text)
}

// ReplaceBlocks splices replacement texts into the original positions of the
// given blocks. len(replacements) must equal len(blocks); blocks must be in
// source order as returned by the extractors.
func ReplaceBlocks(text string, blocks []Block, replacements []string) string {
	if len(blocks) == 0 {
		return text
	}
	var b strings.Builder
	prev := 0
	for i, blk := range blocks {
		b.WriteString(text[prev:blk.Start])
		b.WriteString(replacements[i])
		prev = blk.End
	}
	b.WriteString(text[prev:])
	return b.String()
}

// StripBlocks removes the given blocks from text entirely, collapsing the
// whitespace runs they leave behind.
func StripBlocks(text string, blocks []Block) string {
	if len(blocks) == 0 {
		return text
	}
	replacements := make([]string, len(blocks))
	stripped := ReplaceBlocks(text, blocks, replacements)
	stripped = regexp.MustCompile(`\n{3,}`).ReplaceAllString(stripped, "\n\n")
	return strings.TrimSpace(stripped)
}

// StripAllBlocks removes every tool and delegation block from text.
func StripAllBlocks(text string) string {
	text = StripBlocks(text, ExtractToolBlocks(text))
	return StripBlocks(text, ExtractAgentBlocks(text))
}
