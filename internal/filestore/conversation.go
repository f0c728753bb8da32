package filestore

import (
	"errors"
	"os"
	"sort"
	"sync"

	"github.com/loveme/daemon/internal/domain"
)

// ConversationStore persists Conversation records under
// Home.ConversationsDir(), one file per conversation (spec §4.9).
//
// AddMessage needs read-modify-write, so writes are serialized per
// conversation id rather than globally — two different conversations can
// append concurrently without contending on the same lock, matching the
// Turn Coordinator's one-goroutine-per-active-turn concurrency model.
type ConversationStore struct {
	home *Home

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewConversationStore wraps home for conversation persistence.
func NewConversationStore(home *Home) *ConversationStore {
	return &ConversationStore{home: home, locks: make(map[string]*sync.Mutex)}
}

func (s *ConversationStore) lockFor(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	return m
}

// Create persists a brand new, empty-or-seeded conversation. Returns
// *domain.ConflictError if id already exists.
func (s *ConversationStore) Create(conv domain.Conversation) error {
	m := s.lockFor(conv.ID)
	m.Lock()
	defer m.Unlock()

	path := s.home.ConversationFile(conv.ID)
	if exists(path) {
		return &domain.ConflictError{Kind: "conversation", ID: conv.ID}
	}
	return writeJSONAtomic(path, conv)
}

// Load reads a conversation's full message log.
func (s *ConversationStore) Load(id string) (domain.Conversation, error) {
	var conv domain.Conversation
	if err := readJSON(s.home.ConversationFile(id), &conv); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.Conversation{}, &domain.NotFoundError{Kind: "conversation", ID: id}
		}
		return domain.Conversation{}, err
	}
	return conv, nil
}

// AddMessage appends msg to the conversation and bumps LastMessageAt,
// read-modify-write under the conversation's own lock so concurrent
// appends (e.g. a streamed assistant turn racing an inbound email bridge
// message) never clobber one another.
func (s *ConversationStore) AddMessage(id string, msg domain.StoredMessage) (domain.Conversation, error) {
	m := s.lockFor(id)
	m.Lock()
	defer m.Unlock()

	conv, err := s.Load(id)
	if err != nil {
		return domain.Conversation{}, err
	}

	conv.Messages = append(conv.Messages, msg)
	conv.LastMessageAt = msg.At

	if err := writeJSONAtomic(s.home.ConversationFile(id), conv); err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}

// ListAll returns every conversation's summary projection, sorted by
// LastMessageAt descending (most recently active first).
func (s *ConversationStore) ListAll() ([]domain.ConversationSummary, error) {
	ids, err := listJSONIDs(s.home.ConversationsDir())
	if err != nil {
		return nil, err
	}

	summaries := make([]domain.ConversationSummary, 0, len(ids))
	for _, id := range ids {
		conv, err := s.Load(id)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, conv.ToSummary())
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastMessageAt.Time.After(summaries[j].LastMessageAt.Time)
	})
	return summaries, nil
}

// Delete removes a conversation's persisted record.
func (s *ConversationStore) Delete(id string) error {
	m := s.lockFor(id)
	m.Lock()
	defer m.Unlock()

	path := s.home.ConversationFile(id)
	if !exists(path) {
		return &domain.NotFoundError{Kind: "conversation", ID: id}
	}
	return os.Remove(path)
}
