package settings

// DB-backed runtime policy keys.
const (
	// DuplicationFactorKey overrides how many dispatch rounds each allocated account gets.
	DuplicationFactorKey = "VIEW_DUPLICATION_FACTOR"
	// ImportAutoAssignProxyKey disables the allocator fallback for import items
	// once the supplied proxy list is exhausted when set to false.
	ImportAutoAssignProxyKey = "IMPORT_AUTO_ASSIGN_PROXY"
	// DefaultImportAutoAssignProxy keeps the allocator fallback on.
	DefaultImportAutoAssignProxy = true
)

// Import batch retention.
const (
	// ImportRetentionDaysKey is how long finished import batches are kept; 0 keeps them forever.
	ImportRetentionDaysKey = "IMPORT_RETENTION_DAYS"
	// DefaultImportRetentionDays applies when the setting is absent and keeps every batch.
	DefaultImportRetentionDays = 0
)
