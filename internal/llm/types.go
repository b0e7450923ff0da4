package llm

import (
	"context"
	"net/http"
	"time"
)

// Role identifies the author of a conversation turn
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one conversation turn
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Client streams a reply for a conversation.
//
// StreamResponse returns a channel of text fragments in arrival order. The
// channel is closed when the reply is complete, the context is cancelled, or
// after a single apology fragment if the backend failed. It never reports
// errors any other way. An empty history produces a closed channel.
type Client interface {
	StreamResponse(ctx context.Context, history []Message) <-chan string
	Name() string
}

// User-facing fragments emitted in place of a reply when the backend fails
const (
	ApologyStatus      = "Sorry, I encountered an error connecting to the gateway."
	ApologyUnreachable = "Sorry, I cannot connect to the gateway. Is it running?"
	ApologyGeneric     = "Sorry, I encountered an error."
)

const fragmentBuffer = 16

// emit sends a fragment unless the consumer has gone away
func emit(ctx context.Context, out chan<- string, fragment string) bool {
	select {
	case out <- fragment:
		return true
	case <-ctx.Done():
		return false
	}
}

// newHTTPClient creates an http.Client for streaming requests
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:          4,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: timeout,
			ForceAttemptHTTP2:     true,
		},
	}
}
