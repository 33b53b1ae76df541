package shared

import "context"

// Capability identifies one guarded action. Typed constants replace dynamic
// permission-string lookups so a missing grant fails compilation, not runtime.
type Capability string

// Testing module capabilities.
const (
	CapRequestCreate Capability = "testing.request.create"
	CapRequestAccept Capability = "testing.request.accept"
	CapRequestCancel Capability = "testing.request.cancel"
	CapRequestReturn Capability = "testing.request.return"
	CapRequestView   Capability = "testing.request.view"
	CapResultRecord  Capability = "testing.result.record"
	CapStockView     Capability = "testing.stock.view"
)

// Administration capabilities.
const (
	CapRBACManage Capability = "admin.rbac.manage"
)

// TestingScopes lists all capabilities of the testing module.
func TestingScopes() []Capability {
	return []Capability{
		CapRequestCreate,
		CapRequestAccept,
		CapRequestCancel,
		CapRequestReturn,
		CapRequestView,
		CapResultRecord,
		CapStockView,
	}
}

// Actor identifies the caller of a lifecycle operation.
type Actor struct {
	ID           int64
	HomeLocation int64
}

// CapabilityOracle answers whether an actor may perform a guarded action.
type CapabilityOracle interface {
	HasCapability(ctx context.Context, actor Actor, cap Capability) (bool, error)
}
