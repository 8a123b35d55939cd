// Package ai implements the optional assistant relay: scanning chat content
// for a mention trigger, keeping a bounded rolling context per conversation,
// and forwarding to a chat-completion provider.
package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/sirupsen/logrus"

	"chatcore/internal/metrics"
)

// Default retry policy for provider calls: exponential backoff with the
// same base, cap, and attempt count the router uses for outbound delivery.
const (
	defaultRetryBase  = 2 * time.Second
	defaultRetryCap   = 30 * time.Second
	defaultMaxRetries = 3
)

// DefaultMentionTrigger is the default substring that activates the relay
// in a chat message.
const DefaultMentionTrigger = "@ai"

// ContextWindow is the number of prior turns kept per conversation.
const ContextWindow = 10

// IdleEviction is how long a conversation's rolling context survives
// without activity before it is dropped.
const IdleEviction = 24 * time.Hour

// Turn is one message in a conversation's rolling context.
type Turn struct {
	Role    string // "user" or "assistant"
	Content string
}

// Provider abstracts the chat-completion backend so the relay is testable
// without network access, and so ai_enabled=false can wire in a no-op.
type Provider interface {
	ChatCompletion(ctx context.Context, turns []Turn) (string, error)
}

// noopProvider is used when the assistant relay is disabled.
type noopProvider struct{}

func (noopProvider) ChatCompletion(ctx context.Context, turns []Turn) (string, error) {
	return "", fmt.Errorf("ai: relay is disabled")
}

// OpenAIProvider implements Provider over the OpenAI chat completions API.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// NewOpenAIProvider builds a Provider backed by apiKey/model.
func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIProvider{client: &client, model: model}
}

// ChatCompletion sends turns as a conversation and returns the assistant's
// reply text.
func (p *OpenAIProvider) ChatCompletion(ctx context.Context, turns []Turn) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, t := range turns {
		if t.Role == "assistant" {
			messages = append(messages, openai.AssistantMessage(t.Content))
		} else {
			messages = append(messages, openai.UserMessage(t.Content))
		}
	}

	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    p.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("ai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("ai: empty completion response")
	}
	return resp.Choices[0].Message.Content, nil
}

// conversationKey identifies a rolling context: either a group id or a
// (private chat) user pairing, modelled uniformly as a group id since
// private chats are regular groups (see internal/group).
type conversationKey int64

// conversation is one bounded, idle-evicted rolling context.
type conversation struct {
	turns      []Turn
	lastActive time.Time
}

// Relay scans messages for the mention trigger and, when enabled,
// forwards the rolling context to a Provider and returns its reply.
type Relay struct {
	mu       sync.Mutex
	contexts map[conversationKey]*conversation

	provider Provider
	enabled  bool
	trigger  string
	deadline time.Duration
	log      *logrus.Entry
	metrics  *metrics.Registry

	retryBase  time.Duration
	retryCap   time.Duration
	maxRetries int
}

// SetMetrics attaches the metrics registry the relay should update on
// provider failure; nil disables metric updates.
func (r *Relay) SetMetrics(m *metrics.Registry) {
	r.metrics = m
}

// Config configures the Relay.
type Config struct {
	Enabled  bool
	APIKey   string
	Model    string
	Trigger  string
	Deadline time.Duration
}

// New builds a Relay. When cfg.Enabled is false, every invocation is a
// fast no-op so callers never need to branch on configuration.
func New(cfg Config, log *logrus.Entry) *Relay {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	trigger := cfg.Trigger
	if trigger == "" {
		trigger = DefaultMentionTrigger
	}
	deadline := cfg.Deadline
	if deadline <= 0 {
		deadline = 30 * time.Second
	}

	var provider Provider = noopProvider{}
	if cfg.Enabled {
		provider = NewOpenAIProvider(cfg.APIKey, cfg.Model)
	}

	return &Relay{
		contexts:   make(map[conversationKey]*conversation),
		provider:   provider,
		enabled:    cfg.Enabled,
		trigger:    trigger,
		deadline:   deadline,
		log:        log.WithField("component", "ai"),
		retryBase:  defaultRetryBase,
		retryCap:   defaultRetryCap,
		maxRetries: defaultMaxRetries,
	}
}

// Mentioned reports whether content contains the mention trigger.
func (r *Relay) Mentioned(content string) bool {
	return r.enabled && strings.Contains(strings.ToLower(content), strings.ToLower(r.trigger))
}

// Reply runs the relay for one mention: appends the message to the
// conversation's rolling context, calls the provider with a bounded
// deadline, retrying on failure with exponential backoff. On exhaustion it
// returns a graceful fallback message rather than an error, so callers can
// always post something back to the group.
func (r *Relay) Reply(ctx context.Context, groupID int64, senderUsername, content string) string {
	if !r.enabled {
		return ""
	}

	key := conversationKey(groupID)
	turns := r.appendTurn(key, Turn{Role: "user", Content: fmt.Sprintf("%s: %s", senderUsername, content)})

	reply, err := r.complete(ctx, groupID, turns)
	if err != nil {
		r.log.WithError(err).WithField("group_id", groupID).Warn("assistant relay call failed after retries")
		if r.metrics != nil {
			r.metrics.AICallErrors.Inc()
		}
		return fmt.Sprintf("@%s sorry, I couldn't come up with a reply just now.", senderUsername)
	}

	r.appendTurn(key, Turn{Role: "assistant", Content: reply})
	return fmt.Sprintf("@%s %s\n— ai", senderUsername, reply)
}

// complete calls the provider, retrying up to maxRetries times with
// exponential backoff before giving up.
func (r *Relay) complete(ctx context.Context, groupID int64, turns []Turn) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			delay := r.retryBase << uint(attempt-1)
			if delay > r.retryCap {
				delay = r.retryCap
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}

		cctx, cancel := context.WithTimeout(ctx, r.deadline)
		reply, err := r.provider.ChatCompletion(cctx, turns)
		cancel()
		if err == nil {
			return reply, nil
		}
		lastErr = err
		r.log.WithError(err).WithField("group_id", groupID).WithField("attempt", attempt).Warn("assistant relay call failed, retrying")
	}
	return "", lastErr
}

// appendTurn records a turn in the conversation's bounded ring buffer and
// returns a snapshot of the current context.
func (r *Relay) appendTurn(key conversationKey, t Turn) []Turn {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.contexts[key]
	if !ok {
		c = &conversation{}
		r.contexts[key] = c
	}
	c.turns = append(c.turns, t)
	if len(c.turns) > ContextWindow {
		c.turns = c.turns[len(c.turns)-ContextWindow:]
	}
	c.lastActive = time.Now()

	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// EvictIdle drops conversations that have had no activity for IdleEviction.
// Intended to run on a periodic ticker alongside the session sweeper.
func (r *Relay) EvictIdle() {
	cutoff := time.Now().Add(-IdleEviction)
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, c := range r.contexts {
		if c.lastActive.Before(cutoff) {
			delete(r.contexts, k)
		}
	}
}
