package tenants

import (
	"context"
)

// Directory lists the tenants that should be streamed at startup.
type Directory interface {
	// ListActive returns active tenant records in directory order.
	ListActive(ctx context.Context) ([]Record, error)
}
