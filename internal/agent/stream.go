package agent

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/cortexmind/cortex/internal/llmclient"
)

// streamWithholdMargin is the number of trailing buffer characters withheld
// from emission while scanning, so a tool-call opening marker arriving split
// across chunks is never partially emitted.
const streamWithholdMargin = 10

const (
	openTag  = "<tool>"
	closeTag = "</tool>"
	fence    = "```"
)

const spanNone = -1

// streamScanner incrementally separates visible answer text from tool-call
// spans in a token stream. Text inside a candidate span is withheld until
// the closing marker arrives; if the completed span is not actually a tool
// call it is released as ordinary content.
type streamScanner struct {
	buf        strings.Builder
	emitted    int
	scanPos    int
	openAt     int
	tagSpan    bool
	call       *ToolCall
	recognized func(string) bool
}

// newStreamScanner creates a scanner. The recognized filter enables the
// name-gated short-fence pattern; nil limits extraction to the explicit
// patterns.
func newStreamScanner(recognized func(string) bool) *streamScanner {
	return &streamScanner{openAt: spanNone, recognized: recognized}
}

// extract mirrors the executor's two-pass scan: explicit patterns first,
// then the short fence gated on recognized names.
func (s *streamScanner) extract(span string) (ToolCall, bool) {
	if call, found := ExtractToolCall(span, nil); found {
		return call, true
	}
	if s.recognized == nil {
		return ToolCall{}, false
	}
	return ExtractToolCall(span, s.recognized)
}

// scan absorbs one chunk and returns the text that is now safe to emit.
func (s *streamScanner) scan(chunk string) string {
	s.buf.WriteString(chunk)
	return s.advance(false)
}

// finish flushes the scanner at end of stream and returns any trailing
// emittable text plus the tool call, if one was found.
func (s *streamScanner) finish() (string, *ToolCall) {
	out := s.advance(true)
	return out, s.call
}

// raw returns the full accumulated model output.
func (s *streamScanner) raw() string {
	return s.buf.String()
}

// answer returns the model output with the tool-call span excised.
func (s *streamScanner) answer() string {
	text := s.buf.String()
	if s.call != nil {
		return removeSpan(text, s.call.Start, s.call.End)
	}
	return strings.TrimSpace(text)
}

func (s *streamScanner) advance(eof bool) string {
	text := s.buf.String()
	var out strings.Builder

	for {
		if s.openAt == spanNone {
			pos, isTag := earliestOpenMarker(text, s.scanPos)
			if pos < 0 {
				limit := len(text)
				if !eof {
					limit -= streamWithholdMargin
				}
				if limit > s.emitted {
					out.WriteString(text[s.emitted:limit])
					s.emitted = limit
				}
				if s.scanPos < s.emitted {
					s.scanPos = s.emitted
				}
				return out.String()
			}
			if pos > s.emitted {
				out.WriteString(text[s.emitted:pos])
				s.emitted = pos
			}
			s.openAt = pos
			s.tagSpan = isTag
		}

		closeEnd := findCloseMarker(text, s.openAt, s.tagSpan)
		if closeEnd < 0 {
			if !eof {
				return out.String()
			}
			// Unterminated span at end of stream: release it as content.
			out.WriteString(text[s.emitted:])
			s.emitted = len(text)
			s.scanPos = len(text)
			s.openAt = spanNone
			return out.String()
		}

		span := text[s.openAt:closeEnd]
		if s.call == nil {
			if call, ok := s.extract(span); ok {
				call.Start += s.openAt
				call.End += s.openAt
				s.call = &call
				// Suppress the span entirely.
				s.emitted = closeEnd
			}
		}
		s.scanPos = closeEnd
		s.openAt = spanNone
	}
}

func earliestOpenMarker(text string, from int) (int, bool) {
	if from > len(text) {
		from = len(text)
	}
	tagAt := strings.Index(text[from:], openTag)
	fenceAt := strings.Index(text[from:], fence)
	switch {
	case tagAt < 0 && fenceAt < 0:
		return -1, false
	case fenceAt < 0 || (tagAt >= 0 && tagAt <= fenceAt):
		return from + tagAt, true
	default:
		return from + fenceAt, false
	}
}

func findCloseMarker(text string, openAt int, isTag bool) int {
	if isTag {
		rel := strings.Index(text[openAt+len(openTag):], closeTag)
		if rel < 0 {
			return -1
		}
		return openAt + len(openTag) + rel + len(closeTag)
	}
	rel := strings.Index(text[openAt+len(fence):], fence)
	if rel < 0 {
		return -1
	}
	return openAt + len(fence) + rel + len(fence)
}

// AnswerStream is the streaming variant of the ANSWER protocol: it performs
// the same two passes but emits incremental tokens, never splitting a
// tool-call marker across an emission boundary.
func (e *Executor) AnswerStream(ctx context.Context, ectx *Context, act AnswerAction) <-chan StreamEvent {
	out := make(chan StreamEvent, 16)
	go e.streamAnswer(ctx, ectx, act, out)
	return out
}

func (e *Executor) streamAnswer(ctx context.Context, ectx *Context, act AnswerAction, out chan<- StreamEvent) {
	defer close(out)

	snap := ectx.Snapshot
	system := e.systemPrompt(ectx)
	window := historyWindow(snap.Working.ChatHistory, e.cfg.PromptHistoryWindow)
	pass1 := append(append([]llmclient.Message{}, window...),
		llmclient.Message{Role: llmclient.RoleUser, Content: act.Question})

	chunks, err := e.llm.GenerateStream(ctx, llmclient.Request{System: system, Messages: pass1})
	if err != nil {
		e.logger.Warn("Streaming model call failed, using fallback answer", zap.Error(err))
		e.finishStream(out, snap, act.Question, fallbackAnswer, true)
		return
	}

	scanner := newStreamScanner(e.tools.Has)
	emittedAny := false
	for chunk := range chunks {
		if chunk.Err != nil {
			e.logger.Warn("Model stream failed mid-answer", zap.Error(chunk.Err))
			if emittedAny {
				out <- ErrorEvent{Err: chunk.Err}
				return
			}
			e.finishStream(out, snap, act.Question, fallbackAnswer, true)
			return
		}
		if text := scanner.scan(chunk.Text); text != "" {
			out <- TokenEvent{Text: text}
			emittedAny = true
		}
	}

	tail, call := scanner.finish()
	if call == nil {
		answer := scanner.answer()
		if answer == "" {
			answer = fallbackAnswer
			tail = fallbackAnswer
		}
		if tail != "" {
			out <- TokenEvent{Text: tail}
		}
		e.finishStream(out, snap, act.Question, answer, false)
		return
	}
	if tail != "" {
		out <- TokenEvent{Text: tail}
	}

	out <- ToolCallEvent{Name: call.Name, Args: call.Args}

	if !e.cfg.ToolsEnabled || !e.tools.Has(call.Name) {
		e.logger.Warn("Model requested unknown or disabled tool in stream", zap.String("tool", call.Name))
		e.finishStream(out, snap, act.Question, unknownToolAnswer, true)
		return
	}
	output, err := e.tools.Invoke(ctx, call.Name, call.Args)
	if err != nil {
		e.logger.Warn("Tool invocation failed in stream", zap.String("tool", call.Name), zap.Error(err))
		e.finishStream(out, snap, act.Question, toolFailedAnswer, true)
		return
	}
	output = truncate(output, toolResultLimit)
	out <- ToolResultEvent{Name: call.Name, Result: output}

	pass2 := append(append([]llmclient.Message{}, pass1...),
		llmclient.Message{Role: llmclient.RoleModel, Content: scanner.raw()},
		llmclient.Message{
			Role:    llmclient.RoleUser,
			Content: fmt.Sprintf("Tool %s returned:\n%s\n\nUse this result to answer the original question. Do not call another tool.", call.Name, output),
		})

	final, streamed := e.streamFinalPass(ctx, out, system, pass2)
	if strings.TrimSpace(final) == "" {
		e.finishStream(out, snap, act.Question, fallbackAnswer, !streamed)
		return
	}
	e.finishStream(out, snap, act.Question, strings.TrimSpace(final), false)
}

// streamFinalPass emits the second-pass tokens verbatim and returns the
// assembled text. The second pass never contains a tool call by
// instruction, so no scanning is applied.
func (e *Executor) streamFinalPass(ctx context.Context, out chan<- StreamEvent, system string, msgs []llmclient.Message) (string, bool) {
	chunks, err := e.llm.GenerateStream(ctx, llmclient.Request{System: system, Messages: msgs})
	if err != nil {
		e.logger.Warn("Second-pass stream failed", zap.Error(err))
		return "", false
	}
	var sb strings.Builder
	streamed := false
	for chunk := range chunks {
		if chunk.Err != nil {
			e.logger.Warn("Second-pass stream failed mid-answer", zap.Error(chunk.Err))
			return sb.String(), streamed
		}
		sb.WriteString(chunk.Text)
		out <- TokenEvent{Text: chunk.Text}
		streamed = true
	}
	return sb.String(), streamed
}

// finishStream records the exchange and terminates the stream. When emit is
// set the answer has not been sent as tokens yet.
func (e *Executor) finishStream(out chan<- StreamEvent, snap *MemorySnapshot, question, answer string, emit bool) {
	if emit {
		out <- TokenEvent{Text: answer}
	}
	e.appendChat(snap, question, answer)
	out <- DoneEvent{Answer: answer}
}
