package views

import (
	"errors"
	"sync"

	"github.com/EchoPBX/tradedesk/internal/events"
	"github.com/EchoPBX/tradedesk/internal/protocol"
	"github.com/EchoPBX/tradedesk/pkg/sdk"
	"go.uber.org/zap"
)

var ErrEmptyMessage = errors.New("views: empty chat message")

const roleAssistant = "assistant"

type ChatConfig struct {
	SessionID string `yaml:"session_id"`
}

type ChatSnapshot struct {
	SessionID  string                 `json:"session_id"`
	Messages   []protocol.ChatMessage `json:"messages"`
	Thinking   bool                   `json:"thinking"`
	Generating bool                   `json:"generating"`
}

// Chat assembles the conversation of one chat session from history replies
// and streamed assistant frames.
type Chat struct {
	base
	sessionID string

	mu         sync.Mutex
	messages   []protocol.ChatMessage
	thinking   bool
	generating bool
}

func NewChat() *Chat { return &Chat{} }

func (c *Chat) Init(ctx sdk.Context) error {
	var cfg ChatConfig
	if err := decodeConfig(ctx.Config(), &cfg); err != nil {
		return err
	}
	if cfg.SessionID == "" {
		return errors.New("chat: session_id is required")
	}
	c.ctx = ctx
	c.sessionID = cfg.SessionID

	events.SubscribeAs(ctx.Bus(), ctx.Log(), string(protocol.GetChatHistory), c.onHistory)
	events.SubscribeAs(ctx.Bus(), ctx.Log(), string(protocol.Chat), c.onReply)
	ctx.OnConnect(c.requestHistory)
	c.requestHistory()
	return nil
}

func (c *Chat) requestHistory() {
	c.mu.Lock()
	busy := c.thinking || c.generating
	c.mu.Unlock()
	if busy {
		return
	}
	c.send(protocol.GetChatHistory, protocol.ChatHistoryRequest{SessionID: c.sessionID})
}

// Ask sends a user turn and records it locally.
func (c *Chat) Ask(text, imageURL, fileURL string) error {
	if c.ctx == nil {
		return ErrNotInitialized
	}
	if text == "" && imageURL == "" && fileURL == "" {
		return ErrEmptyMessage
	}
	msg, err := sdk.NewMessage(string(protocol.Chat), protocol.ChatRequest{
		SessionID: c.sessionID,
		Message:   text,
		ImageURL:  imageURL,
		FileURL:   fileURL,
	})
	if err != nil {
		return err
	}
	// The reply may be routed before Send returns, so the turn is recorded
	// first and undone if the send fails.
	c.mu.Lock()
	at := len(c.messages)
	wasThinking, wasGenerating := c.thinking, c.generating
	c.messages = append(c.messages, protocol.ChatMessage{Role: "user", Content: text, ImageURL: imageURL, FileURL: fileURL})
	c.thinking = true
	c.generating = true
	c.mu.Unlock()

	if err := c.ctx.Sender().Send(msg); err != nil {
		c.mu.Lock()
		if at < len(c.messages) && c.messages[at].Role == "user" && c.messages[at].Content == text {
			c.messages = append(c.messages[:at], c.messages[at+1:]...)
		}
		c.thinking, c.generating = wasThinking, wasGenerating
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Chat) onHistory(r protocol.ChatHistoryReply) {
	if r.Status != protocol.StatusSuccess || r.SessionID != c.sessionID || r.History == nil {
		return
	}
	c.mu.Lock()
	c.messages = append([]protocol.ChatMessage(nil), r.History...)
	c.mu.Unlock()
}

func (c *Chat) onReply(r protocol.ChatReply) {
	if r.SessionID != c.sessionID {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if r.IsToolEvent() {
		if last := c.lastAssistant(); last != nil {
			last.ToolEvents = append(last.ToolEvents, r)
		} else {
			c.messages = append(c.messages, protocol.ChatMessage{Role: roleAssistant, Content: r.Delta, ToolEvents: []protocol.ChatReply{r}})
		}
	}

	switch r.Status {
	case protocol.StatusStreaming:
		c.thinking = false
		if last := c.lastAssistant(); last != nil {
			last.Content += r.Delta
		} else {
			c.messages = append(c.messages, protocol.ChatMessage{Role: roleAssistant, Content: r.Delta})
		}
	case protocol.StatusDone:
		c.thinking = false
		c.generating = false
		if last := c.lastAssistant(); last != nil {
			last.Content = r.Message
		} else {
			c.messages = append(c.messages, protocol.ChatMessage{Role: roleAssistant, Content: r.Message})
		}
		c.ctx.Log().Debug("assistant turn done", zap.String("session_id", c.sessionID))
	}
}

// lastAssistant returns the final message if the assistant wrote it.
func (c *Chat) lastAssistant() *protocol.ChatMessage {
	if n := len(c.messages); n > 0 && c.messages[n-1].Role == roleAssistant {
		return &c.messages[n-1]
	}
	return nil
}

func (c *Chat) Snapshot() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := make([]protocol.ChatMessage, len(c.messages))
	for i, m := range c.messages {
		m.ToolEvents = append([]protocol.ChatReply(nil), m.ToolEvents...)
		msgs[i] = m
	}
	return ChatSnapshot{
		SessionID:  c.sessionID,
		Messages:   msgs,
		Thinking:   c.thinking,
		Generating: c.generating,
	}
}

func (c *Chat) Stop() error { return nil }
