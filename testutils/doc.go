// Package testutils provides testing utilities for the tenantdb project.
//
// Integration tests talk to a real PostgreSQL server described by
// config-test.toml in the project root (same format as config.toml):
//
//	[control_db.write]
//	url = "postgres://localhost:5432/tenantdb_test"
//	user = "postgres"
//
// Example usage:
//
//	import "github.com/migadu/tenantdb/testutils"
//
//	func TestMyFunction(t *testing.T) {
//		ep := testutils.ControlEndpoint(t) // skips in -short mode
//		conn := testutils.Connect(t, ep)
//		// Use conn in your tests...
//	}
package testutils
