package compaction

import (
	"fmt"
	"strings"
	"testing"

	"github.com/batalabs/loopd/internal/domain"
	"github.com/batalabs/loopd/internal/provider"
)

// fakeProvider satisfies provider.Provider for summarisation calls.
type fakeProvider struct {
	summary   string
	err       error
	calls     int
	lastInput string
}

func (f *fakeProvider) StreamChat(model string, maxTokens int, temperature float64, system string,
	history []domain.TranscriptMessage, tools []provider.ToolSpec, onDelta func(string)) ([]domain.ContentBlock, []domain.ContentBlock, string, error) {
	panic("not used")
}

func (f *fakeProvider) CreateMessage(model string, maxTokens int, temperature float64, messages []domain.TranscriptMessage) (string, error) {
	f.calls++
	if len(messages) > 0 {
		f.lastInput = messages[0].Content
	}
	return f.summary, f.err
}

func (f *fakeProvider) Name() string { return "fake" }

func textMsg(role, text string) domain.TranscriptMessage {
	return domain.TranscriptMessage{Role: role, Content: text}
}

func toolUseMsg(id, name string) domain.TranscriptMessage {
	return domain.TranscriptMessage{Role: "assistant", Blocks: []domain.ContentBlock{
		{Type: "text", Text: "running a tool"},
		{Type: "tool_use", ToolUseID: id, ToolName: name, ToolInput: map[string]any{"path": "x"}},
	}}
}

func toolResultMsg(id, result string) domain.TranscriptMessage {
	return domain.TranscriptMessage{Role: "user", Blocks: []domain.ContentBlock{
		{Type: "tool_result", ToolUseID: id, ToolResult: result},
	}}
}

func TestEstimateTokens(t *testing.T) {
	t.Run("string content divides by four", func(t *testing.T) {
		msgs := []domain.TranscriptMessage{textMsg("user", strings.Repeat("a", 400))}
		if got := EstimateTokens(msgs); got != 100 {
			t.Errorf("EstimateTokens = %d, want 100", got)
		}
	})

	t.Run("counts tool_use name and input", func(t *testing.T) {
		msgs := []domain.TranscriptMessage{{
			Role: "assistant",
			Blocks: []domain.ContentBlock{
				{Type: "tool_use", ToolName: "bash", ToolInput: map[string]any{"command": "ls"}},
			},
		}}
		// "bash" (4) + `{"command":"ls"}` (16) = 20 chars -> 5 tokens
		if got := EstimateTokens(msgs); got != 5 {
			t.Errorf("EstimateTokens = %d, want 5", got)
		}
	})

	t.Run("counts tool_result text", func(t *testing.T) {
		msgs := []domain.TranscriptMessage{toolResultMsg("id", strings.Repeat("b", 80))}
		if got := EstimateTokens(msgs); got != 20 {
			t.Errorf("EstimateTokens = %d, want 20", got)
		}
	})

	t.Run("empty transcript is zero", func(t *testing.T) {
		if got := EstimateTokens(nil); got != 0 {
			t.Errorf("EstimateTokens = %d, want 0", got)
		}
	})
}

func TestNoneStrategy(t *testing.T) {
	msgs := []domain.TranscriptMessage{textMsg("user", "hi")}
	got := NoneStrategy{}.MaybeCompact(msgs)
	if len(got) != 1 || got[0].Content != "hi" {
		t.Errorf("NoneStrategy changed the transcript: %+v", got)
	}
}

// bigTranscript builds a transcript that exceeds a small threshold: a seed
// user message, many padded exchanges, and a tail.
func bigTranscript(n int) []domain.TranscriptMessage {
	msgs := []domain.TranscriptMessage{textMsg("user", "seed request: audit the repo")}
	for i := 0; i < n; i++ {
		msgs = append(msgs,
			textMsg("assistant", fmt.Sprintf("step %d: %s", i, strings.Repeat("x", 400))),
			textMsg("user", fmt.Sprintf("continue %d: %s", i, strings.Repeat("y", 400))),
		)
	}
	return msgs
}

func TestSummarizeStrategy(t *testing.T) {
	t.Run("below threshold is untouched", func(t *testing.T) {
		prov := &fakeProvider{summary: "unused"}
		s := NewSummarizeStrategy(prov, "model", 1_000_000, 6)
		msgs := bigTranscript(5)
		got := s.MaybeCompact(msgs)
		if len(got) != len(msgs) {
			t.Errorf("len = %d, want %d", len(got), len(msgs))
		}
		if prov.calls != 0 {
			t.Errorf("provider called %d times, want 0", prov.calls)
		}
	})

	t.Run("compacts and preserves seed, summary, and tail", func(t *testing.T) {
		prov := &fakeProvider{summary: "the user asked for an audit; steps 0-9 ran"}
		s := NewSummarizeStrategy(prov, "model", 100, 6)
		msgs := bigTranscript(10)
		got := s.MaybeCompact(msgs)

		if len(got) >= len(msgs) {
			t.Fatalf("no compaction: %d -> %d", len(msgs), len(got))
		}
		first := got[0]
		if first.Role != "user" {
			t.Errorf("first role = %q, want user", first.Role)
		}
		if !strings.Contains(first.Content, "seed request: audit the repo") {
			t.Error("seed text lost")
		}
		if !strings.Contains(first.Content, "[CONTEXT SUMMARY]") ||
			!strings.Contains(first.Content, "[END CONTEXT SUMMARY]") ||
			!strings.Contains(first.Content, prov.summary) {
			t.Errorf("summary block missing from %q", first.Content)
		}
		// The protected tail is carried unchanged at the end.
		tail := msgs[len(msgs)-6:]
		gotTail := got[len(got)-6:]
		for i := range tail {
			if tail[i].Content != gotTail[i].Content || tail[i].Role != gotTail[i].Role {
				t.Errorf("tail[%d] changed: %+v vs %+v", i, tail[i], gotTail[i])
			}
		}
	})

	t.Run("result alternates strictly starting with user", func(t *testing.T) {
		prov := &fakeProvider{summary: "sum"}
		s := NewSummarizeStrategy(prov, "model", 100, 6)
		got := s.MaybeCompact(bigTranscript(10))

		if got[0].Role != "user" {
			t.Fatalf("first role = %q, want user", got[0].Role)
		}
		for i := 1; i < len(got); i++ {
			if got[i].Role == got[i-1].Role {
				t.Errorf("roles %d and %d both %q", i-1, i, got[i].Role)
			}
		}
	})

	t.Run("inserts assistant ack when tail starts with user", func(t *testing.T) {
		prov := &fakeProvider{summary: "sum"}
		s := NewSummarizeStrategy(prov, "model", 100, 5)
		// Tail of 5 over alternating assistant/user pairs starts on a user
		// message, forcing the synthetic acknowledgement.
		msgs := bigTranscript(10)
		got := s.MaybeCompact(msgs)

		if got[1].Role != "assistant" {
			t.Fatalf("second role = %q, want assistant ack", got[1].Role)
		}
		if got[1].TextContent() != "Understood. Continuing with the current task." {
			t.Errorf("ack text = %q", got[1].TextContent())
		}
	})

	t.Run("boundary never severs tool_use from its result", func(t *testing.T) {
		prov := &fakeProvider{summary: "sum"}
		s := NewSummarizeStrategy(prov, "model", 100, 3)

		msgs := []domain.TranscriptMessage{textMsg("user", "seed")}
		for i := 0; i < 6; i++ {
			msgs = append(msgs,
				textMsg("assistant", strings.Repeat("pad", 200)),
				textMsg("user", strings.Repeat("pad", 200)),
			)
		}
		// Paired tool exchange straddling the naive boundary.
		msgs = append(msgs,
			toolUseMsg("tu9", "read_file"),
			toolResultMsg("tu9", "contents"),
			textMsg("assistant", "done"),
			textMsg("user", "thanks"),
		)

		got := s.MaybeCompact(msgs)

		// Every tool_result in the output must have its tool_use present.
		uses := map[string]bool{}
		for _, m := range got {
			for _, b := range m.Blocks {
				if b.Type == "tool_use" {
					uses[b.ToolUseID] = true
				}
			}
		}
		for _, m := range got {
			for _, b := range m.Blocks {
				if b.Type == "tool_result" && !uses[b.ToolUseID] {
					t.Errorf("tool_result %s severed from its tool_use", b.ToolUseID)
				}
			}
		}
	})

	t.Run("fails open on summarisation error", func(t *testing.T) {
		prov := &fakeProvider{err: fmt.Errorf("api down")}
		s := NewSummarizeStrategy(prov, "model", 100, 6)
		msgs := bigTranscript(10)
		got := s.MaybeCompact(msgs)
		if len(got) != len(msgs) {
			t.Errorf("len = %d, want %d (unchanged on error)", len(got), len(msgs))
		}
	})

	t.Run("caps the formatted input", func(t *testing.T) {
		prov := &fakeProvider{summary: "sum"}
		s := NewSummarizeStrategy(prov, "model", 100, 6)

		msgs := []domain.TranscriptMessage{textMsg("user", "seed")}
		for i := 0; i < 10; i++ {
			msgs = append(msgs,
				textMsg("assistant", strings.Repeat("z", 30_000)),
				textMsg("user", "ok"),
			)
		}
		s.MaybeCompact(msgs)

		if prov.calls != 1 {
			t.Fatalf("provider calls = %d, want 1", prov.calls)
		}
		if len(prov.lastInput) > summaryInputCap+len(summarizePrompt)+200 {
			t.Errorf("summarisation input = %d chars, want capped near %d", len(prov.lastInput), summaryInputCap)
		}
		if !strings.Contains(prov.lastInput, "[...middle of conversation omitted for brevity...]") {
			t.Error("elision marker missing from capped input")
		}
	})
}

func TestAdjustBoundary(t *testing.T) {
	t.Run("plain assistant boundary is kept", func(t *testing.T) {
		msgs := []domain.TranscriptMessage{
			textMsg("user", "a"),
			textMsg("assistant", "b"),
			textMsg("user", "c"),
			textMsg("assistant", "d"),
		}
		if got := adjustBoundary(msgs, 1, 3); got != 3 {
			t.Errorf("adjustBoundary = %d, want 3", got)
		}
	})

	t.Run("tool_use boundary retreats", func(t *testing.T) {
		msgs := []domain.TranscriptMessage{
			textMsg("user", "a"),
			textMsg("assistant", "b"),
			toolUseMsg("tu1", "bash"),
			toolResultMsg("tu1", "out"),
		}
		if got := adjustBoundary(msgs, 1, 3); got != 2 {
			t.Errorf("adjustBoundary = %d, want 2 (retreated)", got)
		}
	})
}
