package emailpoller

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/wneessen/go-mail"
	"github.com/worldline-go/klient"
	"github.com/worldline-go/types"
	"golang.org/x/oauth2"

	"github.com/loveme/daemon/internal/domain"
)

// CredentialStore is the subset of internal/filestore.EmailStore the
// Gmail provider needs to load and persist OAuth2 tokens.
type CredentialStore interface {
	LoadCredentials() (CredentialsSnapshot, error)
	SaveCredentials(CredentialsSnapshot) error
}

// CredentialsSnapshot mirrors internal/filestore.EmailCredentials so this
// package doesn't import filestore directly; cmd/lovemed wires the two
// together with a small adapter.
type CredentialsSnapshot struct {
	Provider     string
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiryUnix   int64
	Account      string
}

// OAuthConfig is the minimal set of Gmail OAuth2 app credentials; the
// client id/secret are issued once via Google Cloud Console and passed in
// from config (spec §6 config surface), not stored alongside the token.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
}

func (c OAuthConfig) endpoint() oauth2.Config {
	return oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
		},
		Scopes: []string{
			"https://www.googleapis.com/auth/gmail.readonly",
			"https://www.googleapis.com/auth/gmail.send",
		},
	}
}

// persistingTokenSource wraps an oauth2.TokenSource and writes every
// refreshed token back to the credential store, so a refresh performed
// mid-poll survives a daemon restart. Grounded on the teacher's
// tokenSource.Token()-per-call idiom in
// internal/service/llm/vertex/vertex.go, generalized to persist the
// refreshed token rather than only read it (Vertex's ADC source refreshes
// transparently server-side and never needs local persistence).
type persistingTokenSource struct {
	inner oauth2.TokenSource
	store CredentialStore
	snap  CredentialsSnapshot
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := p.inner.Token()
	if err != nil {
		return nil, err
	}
	if tok.AccessToken != p.snap.AccessToken {
		p.snap.AccessToken = tok.AccessToken
		if tok.RefreshToken != "" {
			p.snap.RefreshToken = tok.RefreshToken
		}
		p.snap.TokenType = tok.TokenType
		p.snap.ExpiryUnix = tok.Expiry.Unix()
		if err := p.store.SaveCredentials(p.snap); err != nil {
			slog.Error("emailpoller: failed to persist refreshed token", "error", err)
		}
	}
	return tok, nil
}

// GmailProvider implements Provider against the Gmail REST API (read);
// sending goes through MailSender, which shares its token source. The wire format of
// the underlying HTTP calls is intentionally thin: the daemon only needs
// "list message ids since a time" and "fetch one message", not a general
// Gmail client.
type GmailProvider struct {
	account     string
	tokenSource oauth2.TokenSource
	client      *klient.Client
}

// NewGmailProvider builds a provider from persisted credentials and app
// OAuth2 config. proxy may be empty.
func NewGmailProvider(store CredentialStore, cfg OAuthConfig, proxy string) (*GmailProvider, error) {
	snap, err := store.LoadCredentials()
	if err != nil {
		return nil, fmt.Errorf("emailpoller: load credentials: %w", err)
	}

	oc := cfg.endpoint()
	base := oc.TokenSource(context.Background(), &oauth2.Token{
		AccessToken:  snap.AccessToken,
		RefreshToken: snap.RefreshToken,
		TokenType:    snap.TokenType,
		Expiry:       time.Unix(snap.ExpiryUnix, 0),
	})

	klientOpts := []klient.OptionClientFn{
		klient.WithBaseURL("https://gmail.googleapis.com"),
		klient.WithLogger(slog.Default()),
	}
	if proxy != "" {
		klientOpts = append(klientOpts, klient.WithProxy(proxy))
	}

	client, err := klient.New(klientOpts...)
	if err != nil {
		return nil, fmt.Errorf("emailpoller: create http client: %w", err)
	}

	return &GmailProvider{
		account:     snap.Account,
		tokenSource: &persistingTokenSource{inner: base, store: store, snap: snap},
		client:      client,
	}, nil
}

type gmailListResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// ListSince queries Gmail's messages.list with an "after:" search query
// derived from since, oldest-first within the returned page (Gmail
// returns newest-first, so the caller-visible order is reversed here to
// match Provider's documented contract).
func (g *GmailProvider) ListSince(ctx context.Context, since time.Time, max int) ([]MessageSummary, error) {
	token, err := g.tokenSource.Token()
	if err != nil {
		return nil, fmt.Errorf("emailpoller: get access token: %w", err)
	}

	url := fmt.Sprintf("/gmail/v1/users/me/messages?q=after:%d&maxResults=%d", since.Unix(), max)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	var listed gmailListResponse
	if err := g.client.Do(req, func(r *http.Response) error {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		if r.StatusCode >= 300 {
			return fmt.Errorf("gmail list: status %d: %s", r.StatusCode, string(body))
		}
		return json.Unmarshal(body, &listed)
	}); err != nil {
		return nil, err
	}

	summaries := make([]MessageSummary, 0, len(listed.Messages))
	for i := len(listed.Messages) - 1; i >= 0; i-- {
		summaries = append(summaries, MessageSummary{ID: listed.Messages[i].ID})
	}
	return summaries, nil
}

type gmailMessage struct {
	ID           string   `json:"id"`
	ThreadID     string   `json:"threadId"`
	LabelIDs     []string `json:"labelIds"`
	InternalDate string   `json:"internalDate"`
	Payload      struct {
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
		Body struct {
			Data string `json:"data"`
		} `json:"body"`
		Parts []struct {
			MimeType string `json:"mimeType"`
			Body     struct {
				Data string `json:"data"`
			} `json:"body"`
		} `json:"parts"`
	} `json:"payload"`
}

// Fetch retrieves and flattens one Gmail message into domain.Email. MIME
// multipart walking beyond a single level of plain-text parts is out of
// scope (spec §1 excludes the raw wire format beyond what the polling
// loop requires); the bridge only needs a readable body, not a faithful
// MIME reproduction.
func (g *GmailProvider) Fetch(ctx context.Context, id string) (domain.Email, error) {
	token, err := g.tokenSource.Token()
	if err != nil {
		return domain.Email{}, fmt.Errorf("emailpoller: get access token: %w", err)
	}

	url := fmt.Sprintf("/gmail/v1/users/me/messages/%s?format=full", id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.Email{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	var msg gmailMessage
	if err := g.client.Do(req, func(r *http.Response) error {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		if r.StatusCode >= 300 {
			return fmt.Errorf("gmail fetch: status %d: %s", r.StatusCode, string(body))
		}
		return json.Unmarshal(body, &msg)
	}); err != nil {
		return domain.Email{}, err
	}

	email := domain.Email{
		ProviderID: msg.ID,
		ThreadID:   msg.ThreadID,
		Labels:     msg.LabelIDs,
	}
	for _, h := range msg.Payload.Headers {
		switch h.Name {
		case "From":
			email.From = h.Value
		case "Subject":
			email.Subject = h.Value
		}
	}
	email.Body = decodeBody(msg.Payload.Body.Data)
	if email.Body == "" {
		for _, part := range msg.Payload.Parts {
			if part.MimeType == "text/plain" {
				email.Body = decodeBody(part.Body.Data)
				break
			}
		}
	}
	if ms, err := strconv.ParseInt(msg.InternalDate, 10, 64); err == nil {
		email.ReceivedAt = types.NewTime(time.UnixMilli(ms))
	}
	return email, nil
}

// MailSender implements toolrouter.Sender by relaying outbound mail
// through Gmail's SMTP endpoint with XOAUTH2, authenticated with the same
// token source used for reading. Grounded on the teacher's
// internal/service/workflow/nodes/email.go go-mail wiring, generalized
// from static SMTP username/password config to an OAuth2 bearer token.
type MailSender struct {
	account     string
	tokenSource oauth2.TokenSource
}

// NewMailSender reuses the token source already obtained for reading mail.
func NewMailSender(g *GmailProvider) *MailSender {
	return &MailSender{account: g.account, tokenSource: g.tokenSource}
}

func (m *MailSender) SendEmail(ctx context.Context, to []string, subject, body string) error {
	token, err := m.tokenSource.Token()
	if err != nil {
		return fmt.Errorf("emailpoller: get access token: %w", err)
	}

	msg := mail.NewMsg()
	if err := msg.From(m.account); err != nil {
		return fmt.Errorf("emailpoller: set from: %w", err)
	}
	if err := msg.To(to...); err != nil {
		return fmt.Errorf("emailpoller: set to: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.ContentType("text/plain"), body)

	client, err := mail.NewClient("smtp.gmail.com",
		mail.WithPort(587),
		mail.WithTimeout(30*time.Second),
		mail.WithTLSConfig(&tls.Config{ServerName: "smtp.gmail.com"}),
		mail.WithTLSPolicy(mail.TLSMandatory),
		mail.WithSMTPAuth(mail.SMTPAuthXOAUTH2),
		mail.WithUsername(m.account),
		mail.WithPassword(token.AccessToken),
	)
	if err != nil {
		return fmt.Errorf("emailpoller: create smtp client: %w", err)
	}

	if err := client.DialAndSend(msg); err != nil {
		return fmt.Errorf("emailpoller: send: %w", err)
	}
	return nil
}

func decodeBody(data string) string {
	if data == "" {
		return ""
	}
	decoded, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(data)
	if err != nil {
		return ""
	}
	return string(decoded)
}
