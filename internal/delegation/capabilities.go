// Package delegation lets an agent hand a task to a freshly spawned or
// existing agent and block until it completes, times out or is blocked.
package delegation

import (
	"github.com/basket/agentcore/internal/approval"
	"github.com/basket/agentcore/internal/tools"
)

// DelegateToolName is removed from every delegate's tool set.
const DelegateToolName = "delegate"

// Capabilities is what an agent may do: its tools and the engine that
// approves their calls.
type Capabilities struct {
	Tools     *tools.Registry
	Approvals *approval.Engine
}

// Restrict derives a sub-agent's capabilities from its parent's. The
// delegate tool is dropped and the approval engine gets a fresh session
// cache. A parent without an approval callback yields a sub-agent whose
// fallback denies every call.
func Restrict(parent Capabilities) Capabilities {
	var reg *tools.Registry
	if parent.Tools != nil {
		reg = parent.Tools.Without(DelegateToolName)
	} else {
		reg, _ = tools.NewRegistry()
	}
	var engine *approval.Engine
	switch {
	case parent.Approvals == nil:
		engine = approval.NewEngine(nil, approval.DenyAll{}, approval.Options{})
	case parent.Approvals.HasCallback():
		engine = parent.Approvals.Derive(parent.Approvals.Callback())
	default:
		engine = parent.Approvals.Derive(approval.DenyAll{})
	}
	return Capabilities{Tools: reg, Approvals: engine}
}

// Executor binds the capabilities into a tool executor.
func (c Capabilities) Executor(opts tools.ExecutorOptions) *tools.Executor {
	return tools.NewExecutor(c.Tools, c.Approvals, opts)
}
