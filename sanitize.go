package minitime

// SanitizeHistory removes trailing assistant messages whose tool-call
// requests are not all satisfied by tool-results. Calls to tools outside
// the registry are the caller's responsibility, so a trailing assistant
// message whose unsatisfied calls are all external is preserved.
//
// The scan walks backward and keeps popping until the tail is complete,
// so a partial turn that produced several dangling messages is fully
// truncated.
func SanitizeHistory(messages []Message, isInternal func(toolName string) bool) []Message {
	answered := make(map[string]bool)
	for _, m := range messages {
		if m.Role == RoleTool && m.ToolCallID != "" {
			answered[m.ToolCallID] = true
		}
	}

	clean := append([]Message(nil), messages...)
	for len(clean) > 0 {
		last := clean[len(clean)-1]
		if last.Role != RoleAssistant || len(last.ToolCalls) == 0 {
			break
		}
		pendingInternal := false
		incomplete := false
		for _, tc := range last.ToolCalls {
			if answered[tc.ID] {
				continue
			}
			incomplete = true
			if isInternal == nil || isInternal(tc.Name) {
				pendingInternal = true
			}
		}
		if !incomplete {
			break
		}
		if !pendingInternal {
			// Every unsatisfied call is external: the caller owes the
			// results, keep the message.
			break
		}
		clean = clean[:len(clean)-1]
	}
	return clean
}

// StripOldMultimodal replaces binary parts of every user message except
// the last one with textual placeholders. Binary blobs only travel to
// the model on the turn they were uploaded.
func StripOldMultimodal(messages []Message) []Message {
	lastUser := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			lastUser = i
			break
		}
	}

	out := append([]Message(nil), messages...)
	for i := range out {
		if i == lastUser || out[i].Role != RoleUser || !out[i].Content.IsMultipart() {
			continue
		}
		out[i].Content = Plain(out[i].Content.PlainText())
	}
	return out
}

// UnansweredInternalCalls returns the pending internal tool calls of the
// thread's trailing assistant message, if any. Used by the session
// repair routine after cancellation.
func UnansweredInternalCalls(messages []Message, isInternal func(toolName string) bool) []ToolCall {
	if len(messages) == 0 {
		return nil
	}
	answered := make(map[string]bool)
	for _, m := range messages {
		if m.Role == RoleTool && m.ToolCallID != "" {
			answered[m.ToolCallID] = true
		}
	}
	last := messages[len(messages)-1]
	if last.Role != RoleAssistant || len(last.ToolCalls) == 0 {
		return nil
	}
	var pending []ToolCall
	for _, tc := range last.ToolCalls {
		if answered[tc.ID] {
			continue
		}
		if isInternal == nil || isInternal(tc.Name) {
			pending = append(pending, tc)
		}
	}
	return pending
}
