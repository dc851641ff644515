package llmclient

import "context"

// chunkBuffer sizes stream channels so producers stay slightly ahead of
// consumers without holding a large backlog.
const chunkBuffer = 16

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Message is one turn of a conversation sent to the model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request carries one generation call: a system prompt, the conversation so
// far, and per-call sampling overrides (zero values defer to the model
// tier's configuration).
type Request struct {
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature float32   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Chunk is one increment of a streamed generation. A terminal chunk carries
// either Err or nothing; the channel is closed after it.
type Chunk struct {
	Text string
	Err  error
}

// Client is the narrow interface the runtime consumes for text generation.
type Client interface {
	// Generate returns the full response text for the request.
	Generate(ctx context.Context, req Request) (string, error)

	// GenerateStream emits the response incrementally. The returned channel
	// is closed when generation finishes; a mid-stream failure is delivered
	// as a Chunk with Err set before the close.
	GenerateStream(ctx context.Context, req Request) (<-chan Chunk, error)
}
