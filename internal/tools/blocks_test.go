package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractToolBlocks(t *testing.T) {
	text := "intro\n<<<tool.read\nmain.go\n>>>\nmiddle\n<<<TOOL.Grep\n{\"pattern\": \"foo\"}\n>>>\ntail"

	blocks := ExtractToolBlocks(text)
	require.Len(t, blocks, 2)

	assert.Equal(t, "read", blocks[0].Name)
	assert.Equal(t, "main.go", blocks[0].Payload)
	assert.Equal(t, "grep", blocks[1].Name)
	assert.Equal(t, `{"pattern": "foo"}`, blocks[1].Payload)
	assert.Less(t, blocks[0].Start, blocks[1].Start)
}

func TestExtractToolBlocksCRLF(t *testing.T) {
	text := "<<<tool.exec \r\nls -la\r\n>>>"

	blocks := ExtractToolBlocks(text)
	require.Len(t, blocks, 1)
	assert.Equal(t, "exec", blocks[0].Name)
	assert.Equal(t, "ls -la", blocks[0].Payload)
}

func TestExtractAgentBlocksDisjointNamespace(t *testing.T) {
	text := "<<<agent.reviewer\ncheck this diff\n>>>\n<<<tool.read\nfile\n>>>"

	agents := ExtractAgentBlocks(text)
	require.Len(t, agents, 1)
	assert.Equal(t, "reviewer", agents[0].Name)

	tools := ExtractToolBlocks(text)
	require.Len(t, tools, 1)
	assert.Equal(t, "read", tools[0].Name)
}

func TestReplaceBlocksPreservesOrder(t *testing.T) {
	text := "a <<<tool.read\none\n>>> b <<<tool.read\ntwo\n>>> c"
	blocks := ExtractToolBlocks(text)
	require.Len(t, blocks, 2)

	out := ReplaceBlocks(text, blocks, []string{"FIRST", "SECOND"})
	assert.Equal(t, "a FIRST b SECOND c", out)
}

func TestStripAllBlocks(t *testing.T) {
	text := "before\n\n<<<tool.read\nfile\n>>>\n\n<<<agent.helper\ndo it\n>>>\n\nafter"

	out := StripAllBlocks(text)
	assert.Equal(t, "before\n\nafter", out)
	assert.NotContains(t, out, "<<<")
}

func TestExtractToolBlocksIgnoresUnterminated(t *testing.T) {
	text := "<<<tool.read\nno closing fence"
	assert.Empty(t, ExtractToolBlocks(text))
}

func TestTerminatorMustStartALine(t *testing.T) {
	// A >>> embedded mid-line belongs to the payload.
	text := "<<<tool.exec\necho 'a >>> b'\ndone\n>>>"

	blocks := ExtractToolBlocks(text)
	require.Len(t, blocks, 1)
	assert.Equal(t, "echo 'a >>> b'\ndone", blocks[0].Payload)

	// Indented terminators still close the block.
	indented := "<<<tool.read\nfile\n  >>>"
	require.Len(t, ExtractToolBlocks(indented), 1)
}
