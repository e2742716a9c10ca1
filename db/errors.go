package db

import "errors"

// Sentinel errors for control database operations
var (
	// ErrPoolNotFound indicates that no pool definition exists for an id
	ErrPoolNotFound = errors.New("pool definition not found")

	// ErrClusterNotFound indicates that a cluster is not defined
	ErrClusterNotFound = errors.New("cluster not found")

	// ErrPoolInUse indicates that a pool definition is still referenced by a cluster
	ErrPoolInUse = errors.New("pool definition is still referenced")

	// ErrInvalidSchemaName indicates that a schema name cannot be used as an identifier
	ErrInvalidSchemaName = errors.New("invalid schema name")
)
