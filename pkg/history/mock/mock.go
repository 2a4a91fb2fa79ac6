// Package mock provides an in-memory test double for history.Store.
//
// Persisted calls are kept in memory and served back by the read methods, so
// tests can verify both what was written and that reads reflect writes.
package mock

import (
	"context"
	"sort"
	"sync"

	"github.com/MrWong99/voxbridge/pkg/history"
)

// PersistCall records a single invocation of Store.Persist.
type PersistCall struct {
	// Conv is the conversation passed to Persist.
	Conv history.Conversation

	// Messages is a copy of the messages passed to Persist.
	Messages []history.Message
}

// Store is a mock implementation of history.Store.
type Store struct {
	mu sync.Mutex

	// PersistErr, if non-nil, is returned by Persist without recording the
	// conversation.
	PersistErr error

	// ReadErr, if non-nil, is returned by every read method.
	ReadErr error

	// PersistCalls records every call to Persist in order.
	PersistCalls []PersistCall

	conversations map[string]history.Conversation
	messages      map[string][]history.Message
}

// Persist records the call and stores the conversation in memory.
func (s *Store) Persist(_ context.Context, conv history.Conversation, messages []history.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PersistErr != nil {
		return s.PersistErr
	}
	cp := make([]history.Message, len(messages))
	copy(cp, messages)
	s.PersistCalls = append(s.PersistCalls, PersistCall{Conv: conv, Messages: cp})
	if s.conversations == nil {
		s.conversations = make(map[string]history.Conversation)
		s.messages = make(map[string][]history.Message)
	}
	key := conv.Tenant + "\x00" + conv.CallID
	s.conversations[key] = conv
	s.messages[key] = cp
	return nil
}

// Conversation returns a previously persisted conversation.
func (s *Store) Conversation(_ context.Context, tenant, callID string) (*history.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ReadErr != nil {
		return nil, s.ReadErr
	}
	conv, ok := s.conversations[tenant+"\x00"+callID]
	if !ok {
		return nil, history.ErrNotFound
	}
	return &conv, nil
}

// Messages returns the transcript of a previously persisted conversation.
func (s *Store) Messages(_ context.Context, tenant, callID string) ([]history.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ReadErr != nil {
		return nil, s.ReadErr
	}
	msgs, ok := s.messages[tenant+"\x00"+callID]
	if !ok {
		return []history.Message{}, nil
	}
	out := make([]history.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// List returns the tenant's persisted conversations, newest first.
func (s *Store) List(_ context.Context, tenant string, opts history.QueryOpts) ([]history.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ReadErr != nil {
		return nil, s.ReadErr
	}
	var out []history.Conversation
	for _, conv := range s.conversations {
		if conv.Tenant != tenant {
			continue
		}
		if opts.SecretaryID != "" && conv.SecretaryID != opts.SecretaryID {
			continue
		}
		if !opts.After.IsZero() && !conv.StartedAt.After(opts.After) {
			continue
		}
		if !opts.Before.IsZero() && !conv.StartedAt.Before(opts.Before) {
			continue
		}
		out = append(out, conv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	if out == nil {
		out = []history.Conversation{}
	}
	return out, nil
}

// Reset clears all recorded calls and stored conversations. Thread-safe.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PersistCalls = nil
	s.conversations = nil
	s.messages = nil
}

// Ensure Store implements history.Store at compile time.
var _ history.Store = (*Store)(nil)
