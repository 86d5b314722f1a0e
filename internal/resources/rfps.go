package resources

import (
	"context"
	"net/url"

	"github.com/proposalhub/apibridge/internal/bridge"
	"github.com/proposalhub/apibridge/internal/transport"
	"github.com/proposalhub/apibridge/pkg/errors"
)

// RFPsResource is the registry name of the RFPs facade.
const RFPsResource = "rfps"

// OpRelationships is the operation name of the relationships read.
const OpRelationships = "relationships"

// RFP is a request for proposal.
type RFP struct {
	ID        string  `json:"id,omitempty"`
	Title     string  `json:"title"`
	Client    string  `json:"client,omitempty"`
	Status    string  `json:"status"`
	TeamID    string  `json:"team_id,omitempty"`
	OwnerID   string  `json:"owner_id,omitempty"`
	DueDate   string  `json:"due_date,omitempty"`
	Value     float64 `json:"value,omitempty"`
	CreatedAt string  `json:"created_at,omitempty"`
	UpdatedAt string  `json:"updated_at,omitempty"`
}

// Relationships lists the records linked to an RFP.
type Relationships struct {
	RFPID     string   `json:"rfp_id"`
	Workflows []string `json:"workflows"`
	Proposals []string `json:"proposals"`
	Related   []string `json:"related_rfps"`
}

// RFPs is the RFPs facade.
type RFPs struct {
	*bridge.Facade[RFP]
}

// NewRFPs builds a standalone RFPs facade.
func NewRFPs(t transport.Transport, opts ...bridge.Option) (*RFPs, error) {
	f, err := bridge.New[RFP](RFPsResource, t, opts...)
	if err != nil {
		return nil, err
	}
	return &RFPs{Facade: f}, nil
}

// Relationships returns the records linked to the RFP with id. The read is
// cached per id and dropped whenever an RFP is written.
func (r *RFPs) Relationships(ctx context.Context, id string) (Relationships, error) {
	call := bridge.Call{
		Name:       OpRelationships,
		Path:       "/" + url.PathEscape(id) + "/relationships",
		Idempotent: true,
	}
	if id == "" {
		call.Reject = errors.Validation("rfps id is required")
	}

	rel, err := bridge.Invoke[Relationships](ctx, r.Facade, call)
	if err != nil {
		return Relationships{}, err
	}
	if rel.RFPID == "" {
		rel.RFPID = id
	}
	return rel, nil
}
