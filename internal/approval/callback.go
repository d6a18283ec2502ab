package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agentcore/internal/bus"
)

// Callback is the front-end fallback consulted when no policy rule
// settles a request.
type Callback interface {
	RequestApproval(ctx context.Context, req Request) (Decision, error)
}

// CallbackFunc adapts a function to Callback.
type CallbackFunc func(ctx context.Context, req Request) (Decision, error)

func (f CallbackFunc) RequestApproval(ctx context.Context, req Request) (Decision, error) {
	return f(ctx, req)
}

// DenyAll refuses every request. Restricted sub-agents without a parent
// callback use it.
type DenyAll struct{}

func (DenyAll) RequestApproval(context.Context, Request) (Decision, error) {
	return Deny, nil
}

// Static answers every request with the same decision. Headless runs use
// it.
type Static Decision

func (s Static) RequestApproval(context.Context, Request) (Decision, error) {
	return Decision(s), nil
}

// PendingRequest is published on bus.TopicApprovalRequested.
type PendingRequest struct {
	ID        string    `json:"id"`
	Request   Request   `json:"request"`
	CreatedAt time.Time `json:"createdAt"`
}

// ResolvedRequest is published on bus.TopicApprovalResolved.
type ResolvedRequest struct {
	ID       string   `json:"id"`
	Tool     string   `json:"tool"`
	Decision Decision `json:"decision"`
}

// Interactive hands requests to a human through the bus and blocks until
// Respond is called or the context ends, which counts as DENY.
type Interactive struct {
	bus *bus.Bus

	mu      sync.Mutex
	pending map[string]chan Decision
}

func NewInteractive(eventBus *bus.Bus) *Interactive {
	return &Interactive{
		bus:     eventBus,
		pending: make(map[string]chan Decision),
	}
}

func (in *Interactive) RequestApproval(ctx context.Context, req Request) (Decision, error) {
	id := uuid.NewString()
	ch := make(chan Decision, 1)
	in.mu.Lock()
	in.pending[id] = ch
	in.mu.Unlock()
	defer in.cleanup(id)

	if in.bus != nil {
		in.bus.Publish(bus.TopicApprovalRequested, PendingRequest{ID: id, Request: req, CreatedAt: time.Now().UTC()})
	}

	select {
	case d := <-ch:
		in.resolved(id, req.Tool, d)
		return d, nil
	case <-ctx.Done():
		in.resolved(id, req.Tool, Deny)
		return Deny, nil
	}
}

// Respond delivers a decision for a pending request.
func (in *Interactive) Respond(id string, d Decision) error {
	if !d.Valid() {
		return fmt.Errorf("invalid decision %q", d)
	}
	in.mu.Lock()
	ch, ok := in.pending[id]
	in.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending approval: %s", id)
	}
	// Non-blocking send (channel is buffered with size 1)
	select {
	case ch <- d:
	default:
	}
	return nil
}

// Pending lists ids awaiting a response.
func (in *Interactive) Pending() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]string, 0, len(in.pending))
	for id := range in.pending {
		out = append(out, id)
	}
	return out
}

func (in *Interactive) resolved(id, tool string, d Decision) {
	if in.bus != nil {
		in.bus.Publish(bus.TopicApprovalResolved, ResolvedRequest{ID: id, Tool: tool, Decision: d})
	}
}

func (in *Interactive) cleanup(id string) {
	in.mu.Lock()
	delete(in.pending, id)
	in.mu.Unlock()
}
