package minitime

import (
	"sort"
	"strings"
	"sync"
)

// ProfileSource supplies per-user prompt enrichment: free-form profile
// text and a skills manifest block. Empty strings mean "absent".
type ProfileSource interface {
	Profile(userID string) string
	SkillsBlock(userID string) string
}

// PromptBuilder assembles the system prompt for each turn. The base
// template always lists every known tool so the prompt prefix stays
// stable across turns; enable/disable changes surface as a one-shot
// notice prepended to the user message instead of mutating the prefix.
type PromptBuilder struct {
	allNames []string // sorted
	profiles ProfileSource

	mu          sync.Mutex
	lastEnabled map[string]string // user id -> canonical enabled-set key
}

// NewPromptBuilder creates a builder over the full tool name list.
func NewPromptBuilder(toolNames []string, profiles ProfileSource) *PromptBuilder {
	names := append([]string(nil), toolNames...)
	sort.Strings(names)
	return &PromptBuilder{
		allNames:    names,
		profiles:    profiles,
		lastEnabled: make(map[string]string),
	}
}

// Build returns the system prompt for the user and, when the enabled
// set changed since the user's previous turn, a one-shot tool-state
// notice to prepend to the latest user message. A nil enabled map means
// everything is enabled.
func (b *PromptBuilder) Build(userID string, enabled map[string]bool) (system string, notice string) {
	enabledNames, disabledNames := b.splitEnabled(enabled)
	key := strings.Join(enabledNames, ",")

	b.mu.Lock()
	last, seen := b.lastEnabled[userID]
	b.lastEnabled[userID] = key
	b.mu.Unlock()

	switch {
	case seen && last != key:
		notice = b.toolStateNotice(enabledNames, disabledNames)
	case !seen && enabled != nil && len(disabledNames) > 0:
		notice = b.toolStateNotice(enabledNames, disabledNames)
	}

	return b.basePrompt(userID), notice
}

// splitEnabled partitions the full tool list into enabled and disabled
// names, both sorted.
func (b *PromptBuilder) splitEnabled(enabled map[string]bool) (on, off []string) {
	if enabled == nil {
		return b.allNames, nil
	}
	for _, name := range b.allNames {
		if enabled[name] {
			on = append(on, name)
		} else {
			off = append(off, name)
		}
	}
	return on, off
}

func joinOrNone(names []string) string {
	if len(names) == 0 {
		return "无"
	}
	return strings.Join(names, ", ")
}

func (b *PromptBuilder) toolStateNotice(on, off []string) string {
	var sb strings.Builder
	sb.WriteString("【工具可用情况更新】\n")
	sb.WriteString("已启用的工具：" + joinOrNone(on) + "\n")
	sb.WriteString("已禁用的工具：" + joinOrNone(off) + "\n")
	sb.WriteString("请注意：被禁用的工具在本次对话中不可使用。如果用户的请求需要被禁用的工具，")
	sb.WriteString("请礼貌地告知用户需要先启用对应的工具。\n")
	return sb.String()
}

func (b *PromptBuilder) basePrompt(userID string) string {
	var sb strings.Builder
	sb.WriteString(
		"你是一个专业的智能助理，具备以下能力：\n" +
			"1. 定时任务管理：可以为用户设置、查看和删除闹钟/定时任务。\n" +
			"2. 联网搜索：当用户询问实时信息、新闻或需要查询资料时，请主动使用搜索工具。\n" +
			"3. 文件管理：可以为用户创建、读取、追加、删除和列出文件。" +
			"调用文件管理工具（list_files, read_file, write_file, append_file, delete_file）时，" +
			"username 参数由系统自动注入，你不需要也不应该提供该参数。\n" +
			"4. 指令执行：可以在用户的安全沙箱目录中执行系统命令和 Python 代码。\n" +
			"   - run_command：执行 shell 命令（ls、grep、cat、curl 等白名单内的命令）\n" +
			"   - run_python_code：执行 Python 代码片段（数据计算、文本处理等）\n" +
			"   - list_allowed_commands：查看允许执行的命令白名单\n" +
			"   调用 run_command 和 run_python_code 时，username 参数由系统自动注入，你不需要也不应该提供该参数。\n" +
			"5. OASIS 论坛：当用户的问题需要多角度深入分析时（如策略评估、利弊分析、争议话题等），\n" +
			"   可以使用 post_to_oasis 工具发起多专家讨论，由创意、批判、数据、综合四位专家并行辩论后给出结论。\n" +
			"   使用 check_oasis_discussion 可查看讨论进展，list_oasis_topics 可查看历史讨论。\n" +
			"6. 推送通知：可以向用户的手机发送推送通知（通过 Bark）。\n" +
			"   - set_push_key：保存用户的 Bark Key（用户首次配置推送时使用）\n" +
			"   - send_push_notification：发送推送通知到用户手机\n" +
			"   - get_push_status：查看推送配置状态\n" +
			"   - set_public_url：设置用户级公网地址（推送点击后跳转用）\n" +
			"   - get_public_url：查看当前公网地址配置\n" +
			"   - clear_public_url：清除用户级公网地址配置\n" +
			"   调用推送工具时，username 参数由系统自动注入，你不需要也不应该提供该参数。\n" +
			"   当定时任务触发时，如果用户已配置 Bark Key，可以主动发送推送通知提醒用户。\n\n" +
			"【工具使用规则】\n" +
			"- 只有当用户明确要求【测试工具】或【测试tool】时，才对工具进行测试性调用。" +
			"日常对话中不要主动测试工具。\n" +
			"- 当用户要求你记录、保存、备忘某些事情，或者你判断对话中出现了重要信息值得长期保留时，" +
			"请主动使用文件管理工具将内容写入用户的文件中。\n" +
			"- 当你需要回忆或查询用户之前记录的长期信息时，请使用文件管理工具读取用户的文件。\n" +
			"- 当用户要求执行命令、运行代码、查看系统信息等操作时，使用指令执行工具。\n" +
			"- 对于复杂的数据处理任务，优先使用 run_python_code 而非多个 shell 命令。\n\n")
	sb.WriteString("【默认可用工具列表】\n")
	sb.WriteString(strings.Join(b.allNames, ", "))
	sb.WriteString("\n以上工具默认全部启用。如果后续有工具状态变更，系统会另行通知。\n")

	if b.profiles != nil {
		if profile := b.profiles.Profile(userID); profile != "" {
			sb.WriteString("\n【用户画像】\n")
			sb.WriteString(profile)
			sb.WriteString("\n")
		}
		if skills := b.profiles.SkillsBlock(userID); skills != "" {
			sb.WriteString("\n【用户技能文件】\n")
			sb.WriteString(skills)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// WrapSystemTrigger wraps a scheduler-originated message so the model
// knows it is not talking to a live user.
func WrapSystemTrigger(text string) string {
	return "[系统触发] 当前请求来自定时任务调度器，而非用户实时对话。\n" +
		"请根据触发内容执行相应操作（如发送推送通知提醒用户、执行预设指令等）。\n" +
		"你可以正常使用所有已启用的工具。\n" +
		"---\n" + text
}

// WrapToolStateNotice prefixes the one-shot tool-state notice to the
// latest user message text.
func WrapToolStateNotice(notice, text string) string {
	return "[系统通知] " + notice + "\n\n---\n" + text
}
