package openaicompat

import (
	"encoding/base64"
	"encoding/json"

	minitime "github.com/minitime/minitime"
)

// buildBody converts a neutral ChatRequest into the OpenAI wire format.
// System messages stay in the messages array as role:"system".
func buildBody(req minitime.ChatRequest, model string) chatRequest {
	var msgs []message

	for _, m := range req.Messages {
		switch {
		case m.Role == minitime.RoleAssistant && len(m.ToolCalls) > 0:
			var tcs []toolCallRequest
			for _, tc := range m.ToolCalls {
				tcs = append(tcs, toolCallRequest{
					ID:   tc.ID,
					Type: "function",
					Function: functionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			msg := message{Role: "assistant", ToolCalls: tcs}
			if text := m.Content.PlainText(); text != "" {
				msg.Content = text
			}
			msgs = append(msgs, msg)

		case m.Role == minitime.RoleTool:
			msgs = append(msgs, message{
				Role:       "tool",
				Content:    m.Content.PlainText(),
				ToolCallID: m.ToolCallID,
			})

		case m.Content.IsMultipart():
			msgs = append(msgs, message{
				Role:    string(m.Role),
				Content: buildBlocks(m.Content.Parts),
			})

		default:
			msgs = append(msgs, message{
				Role:    string(m.Role),
				Content: m.Content.Text,
			})
		}
	}

	out := chatRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if len(req.Tools) > 0 {
		out.Tools = buildToolDefs(req.Tools)
	}
	return out
}

// buildBlocks converts multipart content to OpenAI content blocks.
// File parts arrive already parsed upstream, so their text travels as a
// text block labeled with the filename.
func buildBlocks(parts []minitime.Part) []contentBlock {
	var blocks []contentBlock
	for _, p := range parts {
		switch p.Kind {
		case minitime.PartText:
			blocks = append(blocks, contentBlock{Type: "text", Text: p.Text})
		case minitime.PartImage:
			blocks = append(blocks, contentBlock{
				Type:     "image_url",
				ImageURL: &imageURL{URL: p.DataURI},
			})
		case minitime.PartAudio:
			blocks = append(blocks, contentBlock{
				Type: "input_audio",
				InputAudio: &inputAudio{
					Data:   base64.StdEncoding.EncodeToString(p.Data),
					Format: p.Format,
				},
			})
		case minitime.PartFile:
			blocks = append(blocks, contentBlock{
				Type: "text",
				Text: "[file: " + p.Name + "]\n" + p.Text,
			})
		}
	}
	return blocks
}

// buildToolDefs converts tool definitions to the OpenAI tool format.
func buildToolDefs(tools []minitime.ToolDefinition) []tool {
	out := make([]tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, tool{
			Type: "function",
			Function: function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
