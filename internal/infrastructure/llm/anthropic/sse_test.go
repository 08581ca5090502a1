package anthropic

import (
	"context"
	"strings"
	"testing"

	llm "github.com/aibridge/aibridge/internal/infrastructure/llm"
	"go.uber.org/zap"
)

func sseStream(events ...[2]string) string {
	var b strings.Builder
	for _, e := range events {
		b.WriteString("event: " + e[0] + "\n")
		b.WriteString("data: " + e[1] + "\n\n")
	}
	return b.String()
}

func drainDeltas(t *testing.T, ch chan llm.StreamDelta) []llm.StreamDelta {
	t.Helper()
	var out []llm.StreamDelta
	for d := range ch {
		out = append(out, d)
	}
	return out
}

func TestParseSSEStream_TextOnly(t *testing.T) {
	stream := sseStream(
		[2]string{"message_start", `{"type":"message_start","message":{"model":"claude-sonnet-4-5","usage":{"input_tokens":12}}}`},
		[2]string{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`},
		[2]string{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`},
		[2]string{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`},
		[2]string{"content_block_stop", `{"type":"content_block_stop","index":0}`},
		[2]string{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}`},
		[2]string{"message_stop", `{"type":"message_stop"}`},
	)

	deltaCh := make(chan llm.StreamDelta, 16)
	resp, err := ParseSSEStream(context.Background(), strings.NewReader(stream), deltaCh, nil, zap.NewNop())
	close(deltaCh)
	if err != nil {
		t.Fatalf("ParseSSEStream: %v", err)
	}

	if resp.Content != "Hello world" {
		t.Fatalf("content = %q", resp.Content)
	}
	if resp.FinishReason != llm.FinishStop {
		t.Fatalf("finish reason = %q", resp.FinishReason)
	}
	if resp.Usage.Input != 12 || resp.Usage.Output != 5 {
		t.Fatalf("usage = %+v", resp.Usage)
	}

	deltas := drainDeltas(t, deltaCh)
	last := deltas[len(deltas)-1]
	if !last.Done || last.Usage == nil {
		t.Fatalf("terminal delta = %+v", last)
	}
}

func TestParseSSEStream_ToolUseAfterTextBlock(t *testing.T) {
	stream := sseStream(
		[2]string{"message_start", `{"type":"message_start","message":{"model":"claude-sonnet-4-5","usage":{"input_tokens":20}}}`},
		[2]string{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`},
		[2]string{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Checking the weather."}}`},
		[2]string{"content_block_stop", `{"type":"content_block_stop","index":0}`},
		[2]string{"content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_01","name":"get_weather"}}`},
		[2]string{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`},
		[2]string{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"Oslo\"}"}}`},
		[2]string{"content_block_stop", `{"type":"content_block_stop","index":1}`},
		[2]string{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":9}}`},
		[2]string{"message_stop", `{"type":"message_stop"}`},
	)

	deltaCh := make(chan llm.StreamDelta, 16)
	resp, err := ParseSSEStream(context.Background(), strings.NewReader(stream), deltaCh, nil, zap.NewNop())
	close(deltaCh)
	if err != nil {
		t.Fatalf("ParseSSEStream: %v", err)
	}

	if resp.FinishReason != llm.FinishToolCalls {
		t.Fatalf("finish reason = %q", resp.FinishReason)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v, want one", resp.ToolCalls)
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "toolu_01" || tc.Name != "get_weather" {
		t.Fatalf("tool call = %+v", tc)
	}
	if tc.Arguments["city"] != "Oslo" {
		t.Fatalf("tool call arguments = %+v", tc.Arguments)
	}

	deltas := drainDeltas(t, deltaCh)
	last := deltas[len(deltas)-1]
	if !last.Done || len(last.ToolCalls) != 1 {
		t.Fatalf("terminal delta = %+v", last)
	}
}
