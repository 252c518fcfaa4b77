package agent

import (
	"strings"

	"github.com/haasonsaas/valet/pkg/models"
)

// truncationSuffix marks a tool result that was cut to fit the
// context budget.
const truncationSuffix = "\n[...truncated]"

// charsPerToken is the approximation used for all token accounting.
// Precise tokenization is deliberately not required.
const charsPerToken = 4

// messageOverhead approximates the per-message serialization cost
// (role, framing) in characters.
const messageOverhead = 20

// forceTrimKeep is how many non-system messages survive a force trim.
const forceTrimKeep = 5

// ContextManager keeps a conversation inside the model's context
// window. It operates on per-request message lists and holds no shared
// state. Three defenses, applied in order: per-result truncation at
// append time, a preemptive history trim before each LLM call, and a
// force trim during overflow recovery.
type ContextManager struct {
	cfg ReactLoopConfig
}

// NewContextManager creates a context manager for one loop run.
func NewContextManager(cfg ReactLoopConfig) *ContextManager {
	cfg.sanitize()
	return &ContextManager{cfg: cfg}
}

// maxToolResultChars is the per-result cap: the configured share of
// the context window, bounded by the absolute character cap.
func (cm *ContextManager) maxToolResultChars() int {
	shareChars := int(float64(cm.cfg.ContextTokenLimit) * cm.cfg.MaxToolResultShare * charsPerToken)
	if shareChars < cm.cfg.MaxToolResultChars {
		return shareChars
	}
	return cm.cfg.MaxToolResultChars
}

// TruncateToolResult cuts an oversized tool result at the cap,
// preferring a newline boundary when one exists in the second half of
// the cut, and appends the truncation marker.
func (cm *ContextManager) TruncateToolResult(result string) string {
	maxChars := cm.maxToolResultChars()
	if len(result) <= maxChars {
		return result
	}

	cut := result[:maxChars]
	if pos := strings.LastIndexByte(cut, '\n'); pos > maxChars/2 {
		cut = cut[:pos]
	}
	return cut + truncationSuffix
}

// EstimateTokens approximates the token count of a message list.
func (cm *ContextManager) EstimateTokens(messages []models.Message) int {
	chars := 0
	for i := range messages {
		m := &messages[i]
		chars += len(m.Content) + messageOverhead
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name) + len(tc.Arguments)
		}
	}
	return chars / charsPerToken
}

// TrimIfNeeded applies the preemptive trim: when the estimate exceeds
// the trim threshold, keep all system messages plus the last
// MaxHistoryMessages non-system messages, repairing the pairing
// invariant at the cut. Returns the (possibly shorter) list.
func (cm *ContextManager) TrimIfNeeded(messages []models.Message) []models.Message {
	threshold := int(float64(cm.cfg.ContextTokenLimit) * cm.cfg.ContextTrimThreshold)
	if cm.EstimateTokens(messages) <= threshold {
		return messages
	}
	return cm.keepRecent(messages, cm.cfg.MaxHistoryMessages)
}

// ForceTrim is the last-resort defense during overflow recovery: keep
// system messages plus the last five non-system messages, pairing
// repaired. A trailing assistant turn with unsatisfied tool calls is
// dropped as well.
func (cm *ContextManager) ForceTrim(messages []models.Message) []models.Message {
	return cm.keepRecent(messages, forceTrimKeep)
}

// TruncateAllToolResults rewrites every tool message with the
// per-result cap. Used between overflow recovery steps.
func (cm *ContextManager) TruncateAllToolResults(messages []models.Message) []models.Message {
	for i := range messages {
		if messages[i].Role == models.RoleTool {
			messages[i].Content = cm.TruncateToolResult(messages[i].Content)
		}
	}
	return messages
}

func (cm *ContextManager) keepRecent(messages []models.Message, keep int) []models.Message {
	var system []models.Message
	var rest []models.Message
	for _, m := range messages {
		if m.Role == models.RoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}
	if len(rest) > keep {
		rest = rest[len(rest)-keep:]
	}
	rest = repairPairing(rest)
	return append(system, rest...)
}

// repairPairing removes orphans created by a cut: tool messages whose
// assistant turn was dropped, and assistant turns whose tool calls no
// longer have a full set of tool messages. Runs to a fixpoint since
// dropping an assistant turn can orphan its remaining tool messages.
func repairPairing(messages []models.Message) []models.Message {
	for {
		next := dropOrphans(messages)
		if len(next) == len(messages) {
			return next
		}
		messages = next
	}
}

func dropOrphans(messages []models.Message) []models.Message {
	// Tool call ids announced by kept assistant messages.
	announced := make(map[string]bool)
	// Tool call ids answered by kept tool messages.
	answered := make(map[string]bool)
	for i := range messages {
		switch messages[i].Role {
		case models.RoleAssistant:
			for _, tc := range messages[i].ToolCalls {
				announced[tc.ID] = true
			}
		case models.RoleTool:
			answered[messages[i].ToolCallID] = true
		}
	}

	out := messages[:0:0]
	for i := range messages {
		m := messages[i]
		switch m.Role {
		case models.RoleTool:
			if !announced[m.ToolCallID] {
				continue
			}
		case models.RoleAssistant:
			unsatisfied := false
			for _, tc := range m.ToolCalls {
				if !answered[tc.ID] {
					unsatisfied = true
					break
				}
			}
			if unsatisfied {
				continue
			}
		}
		out = append(out, m)
	}
	return out
}
