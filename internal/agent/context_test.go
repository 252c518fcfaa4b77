package agent

import (
	"strings"
	"testing"

	"github.com/haasonsaas/valet/pkg/models"
)

func smallContextConfig() ReactLoopConfig {
	cfg := DefaultReactLoopConfig()
	cfg.ContextTokenLimit = 1000
	cfg.MaxToolResultShare = 0.5
	cfg.MaxToolResultChars = 100_000
	cfg.MaxHistoryMessages = 4
	return cfg
}

func TestContextManager_TruncateToolResult(t *testing.T) {
	cm := NewContextManager(smallContextConfig())
	// Cap: 1000 * 0.5 * 4 = 2000 chars.

	short := strings.Repeat("a", 100)
	if got := cm.TruncateToolResult(short); got != short {
		t.Error("short result must pass through unchanged")
	}

	long := strings.Repeat("a", 3000)
	got := cm.TruncateToolResult(long)
	if !strings.HasSuffix(got, truncationSuffix) {
		t.Error("truncated result missing marker")
	}
	if len(got) > 2000+len(truncationSuffix) {
		t.Errorf("truncated length = %d", len(got))
	}
}

func TestContextManager_TruncatePrefersNewlineBoundary(t *testing.T) {
	cm := NewContextManager(smallContextConfig())

	// A newline in the second half of the cut window: truncation should
	// land there rather than mid-line.
	line1 := strings.Repeat("a", 1500)
	long := line1 + "\n" + strings.Repeat("b", 1500)
	got := cm.TruncateToolResult(long)
	want := line1 + truncationSuffix
	if got != want {
		t.Errorf("cut at %d chars, want newline boundary at %d", len(got)-len(truncationSuffix), len(line1))
	}

	// A newline only in the first half is ignored; hard cut applies.
	long = strings.Repeat("c", 100) + "\n" + strings.Repeat("d", 3000)
	got = cm.TruncateToolResult(long)
	if len(got) != 2000+len(truncationSuffix) {
		t.Errorf("hard cut length = %d, want %d", len(got), 2000+len(truncationSuffix))
	}
}

func TestContextManager_TrimIfNeededNoOpUnderThreshold(t *testing.T) {
	cm := NewContextManager(smallContextConfig())
	messages := []models.Message{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "hello"},
	}
	got := cm.TrimIfNeeded(messages)
	if len(got) != 2 {
		t.Errorf("trimmed %d messages under threshold", 2-len(got))
	}
}

func TestContextManager_TrimKeepsSystemAndRecent(t *testing.T) {
	cm := NewContextManager(smallContextConfig())

	big := strings.Repeat("x", 1000)
	messages := []models.Message{{Role: models.RoleSystem, Content: "persona"}}
	for i := 0; i < 10; i++ {
		messages = append(messages,
			models.Message{Role: models.RoleUser, Content: big},
			models.Message{Role: models.RoleAssistant, Content: big},
		)
	}

	got := cm.TrimIfNeeded(messages)
	if got[0].Role != models.RoleSystem {
		t.Error("system message must survive the trim")
	}
	// MaxHistoryMessages=4 non-system messages plus the system message.
	if len(got) != 5 {
		t.Errorf("messages after trim = %d, want 5", len(got))
	}
	if got[len(got)-1].Content != big || got[len(got)-1].Role != models.RoleAssistant {
		t.Error("trim must keep the newest messages")
	}
}

func TestContextManager_TrimRepairsToolPairing(t *testing.T) {
	cfg := smallContextConfig()
	cfg.MaxHistoryMessages = 2
	cm := NewContextManager(cfg)

	big := strings.Repeat("x", 2000)
	messages := []models.Message{
		{Role: models.RoleUser, Content: big},
		{Role: models.RoleUser, Content: big},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1", Name: "search"}}},
		{Role: models.RoleTool, ToolCallID: "c1", Content: big},
		{Role: models.RoleAssistant, Content: big},
	}

	got := cm.TrimIfNeeded(messages)
	for _, m := range got {
		if m.Role == models.RoleTool {
			// Its assistant turn was cut; the orphan must be gone.
			t.Fatalf("orphaned tool message survived: %+v", m)
		}
	}
}

func TestContextManager_ForceTrim(t *testing.T) {
	cm := NewContextManager(smallContextConfig())

	var messages []models.Message
	messages = append(messages, models.Message{Role: models.RoleSystem, Content: "persona"})
	for i := 0; i < 20; i++ {
		messages = append(messages, models.Message{Role: models.RoleUser, Content: "msg"})
	}

	got := cm.ForceTrim(messages)
	if len(got) != forceTrimKeep+1 {
		t.Errorf("messages after force trim = %d, want %d", len(got), forceTrimKeep+1)
	}
	if got[0].Role != models.RoleSystem {
		t.Error("system message must survive force trim")
	}
}

func TestContextManager_ForceTrimDropsUnsatisfiedAssistantTurn(t *testing.T) {
	cm := NewContextManager(smallContextConfig())

	messages := []models.Message{
		{Role: models.RoleUser, Content: "go"},
		// Tool call with no tool message yet: overflow hit mid-turn.
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1", Name: "search"}}},
	}
	got := cm.ForceTrim(messages)
	for _, m := range got {
		if m.Role == models.RoleAssistant && len(m.ToolCalls) > 0 {
			t.Fatal("assistant turn with unanswered tool calls survived")
		}
	}
}

func TestContextManager_TruncateAllToolResults(t *testing.T) {
	cm := NewContextManager(smallContextConfig())

	big := strings.Repeat("x", 5000)
	messages := []models.Message{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1", Name: "search"}}},
		{Role: models.RoleTool, ToolCallID: "c1", Content: big},
		{Role: models.RoleUser, Content: big},
	}

	got := cm.TruncateAllToolResults(messages)
	if !strings.HasSuffix(got[1].Content, truncationSuffix) {
		t.Error("tool result not truncated")
	}
	if got[2].Content != big {
		t.Error("non-tool message must not be touched")
	}
}

func TestRepairPairing_Fixpoint(t *testing.T) {
	// Dropping the partial assistant turn orphans its remaining tool
	// message, which must then be dropped too.
	messages := []models.Message{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "c1", Name: "a"},
			{ID: "c2", Name: "b"},
		}},
		{Role: models.RoleTool, ToolCallID: "c1", Content: "only half"},
	}
	got := repairPairing(messages)
	if len(got) != 0 {
		t.Errorf("messages after repair = %d, want 0", len(got))
	}
}

func TestContextManager_EstimateTokens(t *testing.T) {
	cm := NewContextManager(smallContextConfig())
	messages := []models.Message{
		{Role: models.RoleUser, Content: strings.Repeat("a", 380)},
	}
	// (380 + 20 overhead) / 4 chars per token.
	if got := cm.EstimateTokens(messages); got != 100 {
		t.Errorf("estimate = %d, want 100", got)
	}
}
