package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentBlock_TextJSON(t *testing.T) {
	blk := TextBlock("hello")

	data, err := json.Marshal(blk)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"text","text":"hello"}`, string(data))

	var back ContentBlock
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, blk, back)
}

func TestContentBlock_ToolUseJSON(t *testing.T) {
	blk := ToolUseBlock("toolu_1", "read_file", json.RawMessage(`{"path":"README.md"}`))

	data, err := json.Marshal(blk)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"tool_use","id":"toolu_1","name":"read_file","input":{"path":"README.md"}}`, string(data))

	var back ContentBlock
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, "toolu_1", back.ID)
	assert.Equal(t, "read_file", back.Name)
	assert.JSONEq(t, `{"path":"README.md"}`, string(back.Input))
}

func TestContentBlock_ToolResultJSON(t *testing.T) {
	blk := ToolResultBlock("toolu_1", "file contents", true)

	data, err := json.Marshal(blk)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"tool_result","tool_use_id":"toolu_1","content":"file contents","is_error":true}`, string(data))
}

func TestContentBlock_RoundTripStable(t *testing.T) {
	// Persisting and reloading a block list preserves its JSON encoding.
	blocks := []ContentBlock{
		TextBlock("let me read that"),
		ToolUseBlock("t1", "read_file", json.RawMessage(`{"path":"a.txt"}`)),
	}

	first, err := json.Marshal(blocks)
	require.NoError(t, err)

	var decoded []ContentBlock
	require.NoError(t, json.Unmarshal(first, &decoded))
	second, err := json.Marshal(decoded)
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
}

func TestMessage_Text(t *testing.T) {
	msg := Message{
		Role: RoleAssistant,
		Blocks: []ContentBlock{
			TextBlock("part one "),
			ToolUseBlock("t1", "bash", json.RawMessage(`{"command":"ls"}`)),
			TextBlock("part two"),
		},
	}
	assert.Equal(t, "part one part two", msg.Text())
}

func TestMessage_ToolUses(t *testing.T) {
	msg := Message{
		Role: RoleAssistant,
		Blocks: []ContentBlock{
			TextBlock("ok"),
			ToolUseBlock("t1", "bash", nil),
			ToolUseBlock("t2", "glob", nil),
		},
	}

	uses := msg.ToolUses()
	require.Len(t, uses, 2)
	assert.Equal(t, "t1", uses[0].ID)
	assert.Equal(t, "t2", uses[1].ID)
}

func TestMessage_FlattenText(t *testing.T) {
	msg := Message{
		Role: RoleUser,
		Blocks: []ContentBlock{
			ToolResultBlock("t1", "result text", false),
			TextBlock("user text"),
		},
	}
	assert.Equal(t, "result text\nuser text", msg.FlattenText())
}

func TestSubAgentProfile_AllowDeny(t *testing.T) {
	p := &SubAgentProfile{
		Name:         "reviewer",
		AllowedTools: []string{"read_file", "glob"},
		DeniedTools:  []string{"bash"},
	}

	assert.True(t, p.Allows("read_file"))
	assert.False(t, p.Allows("bash"))
	assert.True(t, p.Denies("bash"))
	assert.False(t, p.Denies("glob"))

	var nilProfile *SubAgentProfile
	assert.False(t, nilProfile.Allows("read_file"))
	assert.False(t, nilProfile.Denies("bash"))
}

func TestMCPOrigin(t *testing.T) {
	origin := MCPOrigin("slow")
	assert.Equal(t, "mcp:slow", origin)
	assert.Equal(t, "slow", MCPServerOf(origin))
	assert.Equal(t, "", MCPServerOf(OriginBuiltin))
}

func TestUsage_Add(t *testing.T) {
	u := Usage{InputTokens: 10, OutputTokens: 5}
	u.Add(Usage{InputTokens: 3, OutputTokens: 2})
	assert.Equal(t, Usage{InputTokens: 13, OutputTokens: 7}, u)
}
