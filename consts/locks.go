package consts

// MigrationAdvisoryLockID is a unique integer used for a PostgreSQL advisory lock
// to ensure that only one tenantdb instance or admin tool runs control database
// migrations at a time.
const MigrationAdvisoryLockID = 42734582
