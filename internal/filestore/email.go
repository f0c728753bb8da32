package filestore

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/loveme/daemon/internal/crypto"
	"github.com/loveme/daemon/internal/domain"
)

// EmailStore persists everything the email poller and bridge own: the
// polling watermark, provider credentials, thread->conversation mappings,
// and trigger rules (spec §4.7/§4.8). Each concern is its own top-level
// file under Home, per spec §6.
type EmailStore struct {
	home *Home
	mu   sync.Mutex

	// credKey, when set, wraps AccessToken/RefreshToken in email.json with
	// internal/crypto's AES-256-GCM before they touch disk. Left nil when
	// the daemon has no credential_key configured, in which case tokens
	// are stored plaintext under the 0600 file mode below (spec's own
	// requirement, not a substitute for encryption but the floor when
	// none is configured).
	credKey []byte
}

// NewEmailStore wraps home for email-subsystem persistence. credKey may be
// nil, in which case email.json's tokens are stored in plaintext.
func NewEmailStore(home *Home, credKey []byte) *EmailStore {
	return &EmailStore{home: home, credKey: credKey}
}

// LoadWatermark returns the zero Watermark (not an error) if none has been
// persisted yet — a daemon's first poll has nothing to resume from.
func (s *EmailStore) LoadWatermark() (domain.Watermark, error) {
	var wm domain.Watermark
	if err := readJSON(s.home.EmailStateFile(), &wm); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.Watermark{}, nil
		}
		return domain.Watermark{}, err
	}
	return wm, nil
}

// SaveWatermark persists the poller's position after a successful poll.
func (s *EmailStore) SaveWatermark(wm domain.Watermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.home.EmailStateFile(), wm)
}

// EmailCredentials is the on-disk shape of email.json: provider-agnostic
// OAuth2 token storage, refreshed in place by the poller's token source.
type EmailCredentials struct {
	Provider     string `json:"provider"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiryUnix   int64  `json:"expiry_unix"`
	Account      string `json:"account"`
}

// LoadCredentials reads email.json and decrypts AccessToken/RefreshToken
// if credKey is set. Returns *domain.NotFoundError if the daemon has not
// completed the OAuth device flow yet.
func (s *EmailStore) LoadCredentials() (EmailCredentials, error) {
	var c EmailCredentials
	if err := readJSON(s.home.EmailCredentialsFile(), &c); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return EmailCredentials{}, &domain.NotFoundError{Kind: "email_credentials", ID: "email.json"}
		}
		return EmailCredentials{}, err
	}

	if s.credKey == nil {
		return c, nil
	}
	var err error
	if c.AccessToken, err = crypto.Decrypt(c.AccessToken, s.credKey); err != nil {
		return EmailCredentials{}, fmt.Errorf("decrypt access_token: %w", err)
	}
	if c.RefreshToken, err = crypto.Decrypt(c.RefreshToken, s.credKey); err != nil {
		return EmailCredentials{}, fmt.Errorf("decrypt refresh_token: %w", err)
	}
	return c, nil
}

// SaveCredentials persists refreshed or newly obtained OAuth tokens,
// encrypting AccessToken/RefreshToken with credKey when configured.
// email.json holds bearer-equivalent secrets, so its mode is set to 0600
// explicitly after the atomic write rather than left to the temp file's
// creation mode.
func (s *EmailStore) SaveCredentials(c EmailCredentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.credKey != nil {
		var err error
		if c.AccessToken, err = crypto.Encrypt(c.AccessToken, s.credKey); err != nil {
			return fmt.Errorf("encrypt access_token: %w", err)
		}
		if c.RefreshToken, err = crypto.Encrypt(c.RefreshToken, s.credKey); err != nil {
			return fmt.Errorf("encrypt refresh_token: %w", err)
		}
	}

	if err := writeJSONAtomic(s.home.EmailCredentialsFile(), c); err != nil {
		return err
	}
	return os.Chmod(s.home.EmailCredentialsFile(), 0o600)
}

// threadMappingFile is the on-disk shape of email-threads.json: a flat
// list, small enough in practice to rewrite wholesale on every update
// rather than warranting one-file-per-mapping.
type threadMappingFile struct {
	Mappings []domain.ThreadMapping `json:"mappings"`
}

// ResolveThread returns the conversation id mapped to providerThreadID, if
// any has been recorded.
func (s *EmailStore) ResolveThread(providerThreadID string) (string, bool, error) {
	var f threadMappingFile
	if err := readJSON(s.home.EmailThreadsFile(), &f); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	for _, m := range f.Mappings {
		if m.ThreadID == providerThreadID {
			return m.ConversationID, true, nil
		}
	}
	return "", false, nil
}

// BindThread records a new providerThreadID -> conversationID mapping, or
// replaces the existing one if the mapping already exists (idempotent
// rebind, matching the bridge's "first email in a thread creates the
// conversation" invariant from spec §4.8).
func (s *EmailStore) BindThread(mapping domain.ThreadMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var f threadMappingFile
	if err := readJSON(s.home.EmailThreadsFile(), &f); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	replaced := false
	for i, m := range f.Mappings {
		if m.ThreadID == mapping.ThreadID {
			f.Mappings[i] = mapping
			replaced = true
			break
		}
	}
	if !replaced {
		f.Mappings = append(f.Mappings, mapping)
	}
	return writeJSONAtomic(s.home.EmailThreadsFile(), f)
}

// triggerRuleFile is the on-disk shape of email-triggers.json.
type triggerRuleFile struct {
	Rules []domain.EmailTriggerRule `json:"rules"`
}

// ListTriggerRules returns every persisted email trigger rule.
func (s *EmailStore) ListTriggerRules() ([]domain.EmailTriggerRule, error) {
	var f triggerRuleFile
	if err := readJSON(s.home.EmailTriggersFile(), &f); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return f.Rules, nil
}

// CreateTriggerRule appends a new rule. Returns *domain.ConflictError if
// rule.ID collides with an existing rule.
func (s *EmailStore) CreateTriggerRule(rule domain.EmailTriggerRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var f triggerRuleFile
	if err := readJSON(s.home.EmailTriggersFile(), &f); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	for _, r := range f.Rules {
		if r.ID == rule.ID {
			return &domain.ConflictError{Kind: "email_trigger_rule", ID: rule.ID}
		}
	}
	f.Rules = append(f.Rules, rule)
	return writeJSONAtomic(s.home.EmailTriggersFile(), f)
}

// UpdateTriggerRule replaces an existing rule in place. Returns
// *domain.NotFoundError if rule.ID is unknown.
func (s *EmailStore) UpdateTriggerRule(rule domain.EmailTriggerRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var f triggerRuleFile
	if err := readJSON(s.home.EmailTriggersFile(), &f); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &domain.NotFoundError{Kind: "email_trigger_rule", ID: rule.ID}
		}
		return err
	}
	for i, r := range f.Rules {
		if r.ID == rule.ID {
			f.Rules[i] = rule
			return writeJSONAtomic(s.home.EmailTriggersFile(), f)
		}
	}
	return &domain.NotFoundError{Kind: "email_trigger_rule", ID: rule.ID}
}

// DeleteTriggerRule removes rule id. Returns *domain.NotFoundError if
// unknown.
func (s *EmailStore) DeleteTriggerRule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var f triggerRuleFile
	if err := readJSON(s.home.EmailTriggersFile(), &f); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &domain.NotFoundError{Kind: "email_trigger_rule", ID: id}
		}
		return err
	}
	for i, r := range f.Rules {
		if r.ID == id {
			f.Rules = append(f.Rules[:i], f.Rules[i+1:]...)
			return writeJSONAtomic(s.home.EmailTriggersFile(), f)
		}
	}
	return &domain.NotFoundError{Kind: "email_trigger_rule", ID: id}
}
