package resources

import (
	"context"

	"github.com/proposalhub/apibridge/internal/bridge"
	"github.com/proposalhub/apibridge/internal/transport"
)

// WorkflowsResource is the registry name of the workflows facade.
const WorkflowsResource = "workflows"

// OpStats is the operation name of the aggregate workflow stats read.
const OpStats = "stats"

// Workflow tracks an RFP through its review stages.
type Workflow struct {
	ID         string `json:"id,omitempty"`
	Name       string `json:"name"`
	RFPID      string `json:"rfp_id,omitempty"`
	Stage      string `json:"stage"`
	Status     string `json:"status"`
	AssigneeID string `json:"assignee_id,omitempty"`
	DueDate    string `json:"due_date,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
	UpdatedAt  string `json:"updated_at,omitempty"`
}

// WorkflowStats aggregates workflows by stage and status.
type WorkflowStats struct {
	Total    int            `json:"total"`
	ByStage  map[string]int `json:"by_stage"`
	ByStatus map[string]int `json:"by_status"`
	Overdue  int            `json:"overdue"`
}

// Workflows is the workflows facade.
type Workflows struct {
	*bridge.Facade[Workflow]
}

// NewWorkflows builds a standalone workflows facade.
func NewWorkflows(t transport.Transport, opts ...bridge.Option) (*Workflows, error) {
	f, err := bridge.New[Workflow](WorkflowsResource, t, opts...)
	if err != nil {
		return nil, err
	}
	return &Workflows{Facade: f}, nil
}

// Stats returns the aggregate workflow statistics. The read is cached and
// coalesced like a list. It shadows the facade's Stats; use Facade.Stats
// for cache and coordinator counters.
func (w *Workflows) Stats(ctx context.Context) (WorkflowStats, error) {
	stats, err := bridge.Invoke[WorkflowStats](ctx, w.Facade, bridge.Call{
		Name:       OpStats,
		Path:       "/stats",
		Idempotent: true,
	})
	if err != nil {
		return WorkflowStats{}, err
	}
	if stats.ByStage == nil {
		stats.ByStage = map[string]int{}
	}
	if stats.ByStatus == nil {
		stats.ByStatus = map[string]int{}
	}
	return stats, nil
}
