// Package noderegistry answers whether a VPN node id is known to the control plane.
package noderegistry

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/fx"
)

// Registry is implemented by the node CRUD collaborator.
type Registry interface {
	Exists(ctx context.Context, nodeID uuid.UUID) (bool, error)
}

var Module = fx.Module("noderegistry",
	fx.Provide(func() Registry { return AllowAll{} }),
)

// AllowAll accepts every node id.
type AllowAll struct{}

func (AllowAll) Exists(context.Context, uuid.UUID) (bool, error) {
	return true, nil
}

// Static knows a fixed set of nodes.
type Static map[uuid.UUID]struct{}

func NewStatic(ids ...uuid.UUID) Static {
	out := make(Static, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func (s Static) Exists(_ context.Context, nodeID uuid.UUID) (bool, error) {
	_, ok := s[nodeID]
	return ok, nil
}
