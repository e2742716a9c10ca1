package consts

// Reserved pool identifiers of the control database. Tenant and global pools
// use non-negative ids, so these can never collide with a dynamically
// assigned pool.
const (
	ControlWritePoolID = -1
	ControlReadPoolID  = -2
)

// DefaultRouterMaxAttempts bounds how often the router re-enters a checkout
// when a pool vanished underneath it or a replica counter could not be read.
const DefaultRouterMaxAttempts = 10

// IsControlPool reports whether id is one of the reserved control database pools.
func IsControlPool(id int) bool {
	return id == ControlWritePoolID || id == ControlReadPoolID
}
