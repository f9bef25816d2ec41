package stage

import (
	"context"

	"beatbridge/internal/inventory"
)

// Handler describes the contract the workflow manager needs from each phase.
type Handler interface {
	Prepare(context.Context, *inventory.Item) error
	Execute(context.Context, *inventory.Item) error
	HealthCheck(context.Context) Health
}
