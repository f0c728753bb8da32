package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/loveme/daemon/internal/domain"
)

func (g *Gateway) handleEmailStatus(c *client) {
	if g.email == nil {
		c.send <- errInvalid("email subsystem not configured")
		return
	}

	wm, err := g.email.LoadWatermark()
	if err != nil {
		c.send <- errStorage(err)
		return
	}

	configured := true
	if _, err := g.email.LoadCredentials(); err != nil {
		var nf *domain.NotFoundError
		if errors.As(err, &nf) {
			configured = false
		} else {
			c.send <- errStorage(err)
			return
		}
	}

	c.send <- domain.Envelope{
		Type: domain.TypeEmailStatus,
		Metadata: domain.MetadataMap{
			"configured":      domain.BoolValue(configured),
			"last_seen_id":    domain.StringValue(wm.LastSeenID),
			"total_processed": domain.IntValue(int64(wm.TotalProcessed)),
		},
	}
}

// emailAuthPayload is the shape expected in the email_auth envelope's
// Content — the OAuth2 tokens an out-of-band device-code flow obtained on
// the client's behalf. The daemon itself never drives the OAuth consent
// screen (spec's email subsystem only persists and refreshes tokens,
// internal/emailpoller/gmail.go).
type emailAuthPayload struct {
	Provider     string `json:"provider"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiryUnix   int64  `json:"expiry_unix"`
	Account      string `json:"account"`
}

func (g *Gateway) handleEmailAuth(c *client, env domain.Envelope) {
	if g.email == nil {
		c.send <- errInvalid("email subsystem not configured")
		return
	}

	var p emailAuthPayload
	if err := json.Unmarshal([]byte(env.Content), &p); err != nil {
		c.send <- errInvalid("malformed email credentials: " + err.Error())
		return
	}
	if p.AccessToken == "" {
		c.send <- errMissing("access_token")
		return
	}

	creds := EmailCredentials{
		Provider:     p.Provider,
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		TokenType:    p.TokenType,
		ExpiryUnix:   p.ExpiryUnix,
		Account:      p.Account,
	}
	if err := g.email.SaveCredentials(creds); err != nil {
		c.send <- errStorage(err)
		return
	}

	// Broadcast to every connected client, not just the requester (spec
	// §4.11: "email auth completion" is in the broadcast category).
	g.hub.broadcast(domain.Envelope{
		Type: domain.TypeEmailAuthDone,
		Metadata: domain.MetadataMap{
			"account": domain.StringValue(creds.Account),
		},
	})
}

func (g *Gateway) handleEmailPoll(ctx context.Context, c *client) {
	if g.poller == nil {
		c.send <- errInvalid("email polling not configured")
		return
	}
	count, err := g.poller.PollNow(ctx)
	if err != nil {
		c.send <- errStorage(err)
		return
	}
	g.hub.broadcast(domain.Envelope{
		Type: domain.TypeEmailPollingUpdate,
		Metadata: domain.MetadataMap{
			"new_messages": domain.IntValue(int64(count)),
		},
	})
}

func (g *Gateway) handleEmailTriggerCreate(c *client, env domain.Envelope) {
	if g.email == nil {
		c.send <- errInvalid("email subsystem not configured")
		return
	}
	var rule domain.EmailTriggerRule
	if err := json.Unmarshal([]byte(env.Content), &rule); err != nil {
		c.send <- errInvalid("malformed trigger rule: " + err.Error())
		return
	}
	if rule.ID == "" {
		rule.ID = newID()
	}
	if err := g.email.CreateTriggerRule(rule); err != nil {
		c.send <- errStorage(err)
		return
	}
	c.send <- domain.Envelope{Type: domain.TypeEmailTriggerCreate, ID: rule.ID}
}

func (g *Gateway) handleEmailTriggerUpdate(c *client, env domain.Envelope) {
	if g.email == nil {
		c.send <- errInvalid("email subsystem not configured")
		return
	}
	var rule domain.EmailTriggerRule
	if err := json.Unmarshal([]byte(env.Content), &rule); err != nil {
		c.send <- errInvalid("malformed trigger rule: " + err.Error())
		return
	}
	if rule.ID == "" {
		c.send <- errMissing("id")
		return
	}
	if err := g.email.UpdateTriggerRule(rule); err != nil {
		c.send <- errStorage(err)
		return
	}
	c.send <- domain.Envelope{Type: domain.TypeEmailTriggerUpdate, ID: rule.ID}
}

func (g *Gateway) handleEmailTriggerDelete(c *client, env domain.Envelope) {
	if g.email == nil {
		c.send <- errInvalid("email subsystem not configured")
		return
	}
	if env.ID == "" {
		c.send <- errMissing("id")
		return
	}
	if err := g.email.DeleteTriggerRule(env.ID); err != nil {
		c.send <- errStorage(err)
		return
	}
	c.send <- domain.Envelope{Type: domain.TypeEmailTriggerDelete, ID: env.ID}
}

func (g *Gateway) handleEmailTriggerList(c *client) {
	if g.email == nil {
		c.send <- errInvalid("email subsystem not configured")
		return
	}
	rules, err := g.email.ListTriggerRules()
	if err != nil {
		c.send <- errStorage(err)
		return
	}
	raw, err := json.Marshal(rules)
	if err != nil {
		c.send <- errStorage(err)
		return
	}
	c.send <- domain.Envelope{Type: domain.TypeEmailTriggerList, Content: string(raw)}
}
