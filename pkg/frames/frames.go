// Package frames identifies execution contexts (a document and each embedded
// sub-document) and tracks which child contexts are currently live.
package frames

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ContextRef is an opaque reference to an execution context.
// The zero value refers to the current context.
type ContextRef string

// Current is the reference a context uses for itself.
const Current ContextRef = ""

// NewContextRef returns a fresh, globally unique context reference.
func NewContextRef() ContextRef {
	return ContextRef(uuid.NewString())
}

// IsCurrent reports whether r refers to the current context.
func (r ContextRef) IsCurrent() bool {
	return r == Current
}

func (r ContextRef) String() string {
	if r == Current {
		return "<current>"
	}
	return string(r)
}

// Enumerator lists the child contexts that are live right now.
// Every call returns a fresh snapshot; callers must not cache the result.
type Enumerator interface {
	ListLiveChildContexts() []ContextRef
}

// EnumeratorFunc adapts a plain function to the Enumerator interface.
type EnumeratorFunc func() []ContextRef

// ListLiveChildContexts calls f.
func (f EnumeratorFunc) ListLiveChildContexts() []ContextRef {
	return f()
}

// Tracker records the child contexts embedded in one context, in attach order.
type Tracker struct {
	mu       sync.RWMutex
	children []ContextRef
	index    map[ContextRef]struct{}
	logger   *zap.Logger
}

// NewTracker creates an empty tracker. A nil logger disables logging.
func NewTracker(logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		index:  make(map[ContextRef]struct{}),
		logger: logger,
	}
}

// Attach marks ref as a live child. Attaching the current context or an
// already attached child is a no-op and returns false.
func (t *Tracker) Attach(ref ContextRef) bool {
	if ref.IsCurrent() {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.index[ref]; ok {
		return false
	}
	t.index[ref] = struct{}{}
	t.children = append(t.children, ref)

	t.logger.Debug("Child context attached",
		zap.String("context_ref", string(ref)),
		zap.Int("child_count", len(t.children)))
	return true
}

// Detach removes ref from the live set. Returns false if ref was not attached.
func (t *Tracker) Detach(ref ContextRef) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.index[ref]; !ok {
		return false
	}
	delete(t.index, ref)
	for i, child := range t.children {
		if child == ref {
			t.children = append(t.children[:i], t.children[i+1:]...)
			break
		}
	}

	t.logger.Debug("Child context detached",
		zap.String("context_ref", string(ref)),
		zap.Int("child_count", len(t.children)))
	return true
}

// IsLive reports whether ref is currently attached.
func (t *Tracker) IsLive(ref ContextRef) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.index[ref]
	return ok
}

// ListLiveChildContexts returns a copy of the live children in attach order.
func (t *Tracker) ListLiveChildContexts() []ContextRef {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snapshot := make([]ContextRef, len(t.children))
	copy(snapshot, t.children)
	return snapshot
}

// Len returns the number of live children.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.children)
}
