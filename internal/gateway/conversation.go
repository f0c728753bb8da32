package gateway

import (
	"context"
	"encoding/json"

	"github.com/loveme/daemon/internal/domain"
)

// handleUserMessage starts a turn in the background: StartTurn blocks until
// the whole turn (including nested tool calls) finishes, and its progress
// reaches clients entirely through Gateway.Broadcast, so the read loop must
// not block waiting for it (spec §5 "Cross-component calls are
// asynchronous and non-blocking where possible").
func (g *Gateway) handleUserMessage(ctx context.Context, c *client, env domain.Envelope) {
	if env.ConversationID == "" {
		c.send <- errMissing("conversationId")
		return
	}
	if env.Content == "" {
		c.send <- errMissing("content")
		return
	}

	go func() {
		if err := g.turns.StartTurn(ctx, env.ConversationID, env.Content); err != nil {
			g.Broadcast(env.ConversationID, errStorage(err))
		}
	}()
}

func (g *Gateway) handleNewConversation(c *client, env domain.Envelope) {
	conv := domain.Conversation{ID: newID(), Title: env.Content, LastMessageAt: now()}
	if err := g.conversations.Create(conv); err != nil {
		c.send <- errStorage(err)
		return
	}
	c.send <- domain.Envelope{Type: domain.TypeConversationCreated, ID: conv.ID, Content: conv.Title}
}

func (g *Gateway) handleLoadConversation(c *client, env domain.Envelope) {
	if env.ID == "" {
		c.send <- errMissing("id")
		return
	}
	conv, err := g.conversations.Load(env.ID)
	if err != nil {
		c.send <- errStorage(err)
		return
	}
	raw, err := json.Marshal(conv)
	if err != nil {
		c.send <- errStorage(err)
		return
	}
	c.send <- domain.Envelope{Type: domain.TypeConversationLoaded, ID: conv.ID, Content: string(raw)}
}

func (g *Gateway) handleDeleteConversation(c *client, env domain.Envelope) {
	if env.ID == "" {
		c.send <- errMissing("id")
		return
	}
	if err := g.conversations.Delete(env.ID); err != nil {
		c.send <- errStorage(err)
		return
	}
	c.send <- domain.Envelope{Type: domain.TypeConversationDeleted, ID: env.ID}
}

func (g *Gateway) handleListConversations(c *client) {
	summaries, err := g.conversations.ListAll()
	if err != nil {
		c.send <- errStorage(err)
		return
	}
	raw, err := json.Marshal(summaries)
	if err != nil {
		c.send <- errStorage(err)
		return
	}
	c.send <- domain.Envelope{Type: domain.TypeConversationList, Content: string(raw)}
}
