package mail

import (
	"context"
	"fmt"
	"sync"

	"github.com/inboxpilot/triage-api/internal/models"
)

// ClientFactory builds a provider client bound to one owner's
// credentials.
type ClientFactory func(ownerID string) Client

// Gateway fans provider calls out to per-owner clients, caching one
// client per owner. It is the workflow's thread reader and its
// post-approval dispatcher.
type Gateway struct {
	factory ClientFactory

	mu      sync.Mutex
	clients map[string]Client
}

// NewGateway constructs a gateway around the factory.
func NewGateway(factory ClientFactory) *Gateway {
	return &Gateway{factory: factory, clients: map[string]Client{}}
}

func (g *Gateway) client(ownerID string) Client {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.clients[ownerID]; ok {
		return c
	}
	c := g.factory(ownerID)
	g.clients[ownerID] = c
	return c
}

// GetThread fetches the conversation for an owner.
func (g *Gateway) GetThread(ctx context.Context, ownerID, threadID string) (*Thread, error) {
	return g.client(ownerID).GetThread(ctx, threadID)
}

// GetMessage fetches one message for an owner.
func (g *Gateway) GetMessage(ctx context.Context, ownerID, messageID string) (*Message, error) {
	return g.client(ownerID).GetMessage(ctx, messageID)
}

// ListMessages lists an owner's messages matching the query.
func (g *Gateway) ListMessages(ctx context.Context, ownerID, query string, pageSize int) ([]MessageMeta, error) {
	return g.client(ownerID).ListMessages(ctx, query, pageSize)
}

// Send replies within the item's thread using the approved draft.
func (g *Gateway) Send(ctx context.Context, item *models.ProcessingItem) error {
	if item.DraftText == nil {
		return fmt.Errorf("item %s has no draft to send", item.ID)
	}
	to := item.Sender
	if item.ProposedTarget != nil && *item.ProposedTarget != "" {
		to = *item.ProposedTarget
	}
	return g.client(item.OwnerID).SendReply(ctx, SendRequest{
		ThreadID: item.ThreadID,
		To:       to,
		Body:     *item.DraftText,
	})
}

// File archives the message without replying.
func (g *Gateway) File(ctx context.Context, item *models.ProcessingItem) error {
	return g.client(item.OwnerID).FileMessage(ctx, item.MessageID)
}
