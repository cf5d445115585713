package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/quantumflow/querypilot/internal/models"
)

// ErrProtocolInconsistency means a conversation holds tool calls that were
// never answered, or tool results that answer nothing
var ErrProtocolInconsistency = errors.New("invalid chat history")

// ValidateHistory checks that every assistant tool call is followed by
// exactly one tool message carrying its id, before the next non-tool message.
func ValidateHistory(msgs []models.Message) error {
	pending := map[string]bool{}

	unanswered := func() error {
		ids := make([]string, 0, len(pending))
		for id := range pending {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return fmt.Errorf("%w: tool_calls without a ToolMessage: %v", ErrProtocolInconsistency, ids)
	}

	for i, m := range msgs {
		if m.Role == models.RoleTool {
			if !pending[m.ToolCallID] {
				return fmt.Errorf("%w: message %d answers unknown tool call %q", ErrProtocolInconsistency, i, m.ToolCallID)
			}
			delete(pending, m.ToolCallID)
			continue
		}

		if len(pending) > 0 {
			return unanswered()
		}
		for _, tc := range m.ToolCalls {
			pending[tc.ID] = true
		}
	}

	if len(pending) > 0 {
		return unanswered()
	}
	return nil
}

// threadLocks serializes turns within a thread while letting threads run in parallel
type threadLocks struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

type threadLock struct {
	sem  chan struct{}
	refs int
}

func newThreadLocks() *threadLocks {
	return &threadLocks{locks: make(map[string]*threadLock)}
}

// acquire blocks until the thread is free or ctx ends
func (l *threadLocks) acquire(ctx context.Context, threadID string) (func(), error) {
	l.mu.Lock()
	tl, ok := l.locks[threadID]
	if !ok {
		tl = &threadLock{sem: make(chan struct{}, 1)}
		l.locks[threadID] = tl
	}
	tl.refs++
	l.mu.Unlock()

	select {
	case tl.sem <- struct{}{}:
		return func() {
			<-tl.sem
			l.release(threadID, tl)
		}, nil
	case <-ctx.Done():
		l.release(threadID, tl)
		return nil, ctx.Err()
	}
}

func (l *threadLocks) release(threadID string, tl *threadLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tl.refs--
	if tl.refs == 0 {
		delete(l.locks, threadID)
	}
}
