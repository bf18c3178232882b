package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ContentBlock is one typed fragment of a chat message. Exactly one of the
// per-kind field groups is populated, selected by Type.
type ContentBlock struct {
	Type      string
	Text      string
	ID        string
	Name      string
	Input     map[string]any
	ToolUseID string
	Content   string
}

func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

func ToolUseBlock(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

func ToolResultBlock(toolUseID, content string) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content}
}

// MarshalJSON emits only the fields that belong to the block's kind so the
// wire payload stays minimal. Absent fields are omitted, never null.
func (b ContentBlock) MarshalJSON() ([]byte, error) {
	switch b.Type {
	case BlockText:
		return json.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{b.Type, b.Text})
	case BlockToolUse:
		input := b.Input
		if input == nil {
			input = map[string]any{}
		}
		return json.Marshal(struct {
			Type  string         `json:"type"`
			ID    string         `json:"id"`
			Name  string         `json:"name"`
			Input map[string]any `json:"input"`
		}{b.Type, b.ID, b.Name, input})
	case BlockToolResult:
		return json.Marshal(struct {
			Type      string `json:"type"`
			ToolUseID string `json:"tool_use_id"`
			Content   string `json:"content"`
		}{b.Type, b.ToolUseID, b.Content})
	default:
		return nil, fmt.Errorf("unsupported content block type: %q", b.Type)
	}
}

func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type      string         `json:"type"`
		Text      string         `json:"text"`
		ID        string         `json:"id"`
		Name      string         `json:"name"`
		Input     map[string]any `json:"input"`
		ToolUseID string         `json:"tool_use_id"`
		Content   string         `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*b = ContentBlock{
		Type:      raw.Type,
		Text:      raw.Text,
		ID:        raw.ID,
		Name:      raw.Name,
		Input:     raw.Input,
		ToolUseID: raw.ToolUseID,
		Content:   raw.Content,
	}
	return nil
}

// Message is an immutable chat message; the loop builds new messages rather
// than mutating stored ones.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

func NewMessage(role Role, blocks ...ContentBlock) Message {
	content := make([]ContentBlock, len(blocks))
	copy(content, blocks)
	return Message{Role: role, Content: content}
}

func UserText(text string) Message {
	return NewMessage(RoleUser, TextBlock(text))
}

// Text returns the concatenated text blocks of the message, trimmed.
func (m Message) Text() string {
	var builder strings.Builder
	for _, block := range m.Content {
		if block.Type != BlockText {
			continue
		}
		builder.WriteString(block.Text)
	}
	return strings.TrimSpace(builder.String())
}

// ToolUses returns the tool_use blocks in the order the backend emitted them.
func (m Message) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, block := range m.Content {
		if block.Type == BlockToolUse {
			uses = append(uses, block)
		}
	}
	return uses
}

// TextBlocks returns the non-empty text blocks of the message.
func (m Message) TextBlocks() []ContentBlock {
	var blocks []ContentBlock
	for _, block := range m.Content {
		if block.Type == BlockText && block.Text != "" {
			blocks = append(blocks, block)
		}
	}
	return blocks
}
