package errors

// ============================================================================
// Queue Errors
// ============================================================================

var (
	// ErrNoProcessorAvailable is returned when no registered processor can
	// handle a downloadable's location scheme
	ErrNoProcessorAvailable = New(DomainQueue, "no_processor", false,
		"No processor available for downloadable")

	// ErrQueueInactive is returned when work is submitted to a stopped queue
	ErrQueueInactive = New(DomainQueue, "inactive", false,
		"Download queue is not active")

	// ErrInvalidDownloadable is returned when a downloadable cannot be tracked
	ErrInvalidDownloadable = New(DomainQueue, "invalid_downloadable", false,
		"Invalid downloadable")

	// ErrMirrorsExhausted is returned when the mirror policy has no further
	// selection for a resource
	ErrMirrorsExhausted = New(DomainQueue, "mirrors_exhausted", false,
		"All mirrors exhausted")
)

// ============================================================================
// Processor Errors
// ============================================================================

var (
	// ErrCannotProcess is returned when a processor is handed a downloadable
	// it did not produce
	ErrCannotProcess = New(DomainProcessor, "cannot_process", false,
		"Processor cannot handle downloadable")

	// ErrProcessorInactive is returned when a paused or stopped processor is
	// asked to start a transfer
	ErrProcessorInactive = New(DomainProcessor, "inactive", true,
		"Processor is not active")

	// ErrInvalidParameters is returned when a transfer request is malformed
	ErrInvalidParameters = New(DomainProcessor, "invalid_parameters", false,
		"Invalid transfer parameters")

	// ErrDownloadFailed is a generic transfer failure, recoverable by retry
	ErrDownloadFailed = New(DomainProcessor, "download_failed", true,
		"Download failed")

	// ErrUnsupportedType is returned for location schemes no processor knows
	ErrUnsupportedType = New(DomainProcessor, "unsupported_type", false,
		"Unsupported location type")
)

// ============================================================================
// Mirror Policy Errors
// ============================================================================

var (
	// ErrNoMirrors is returned when a resource carries no mirrors at all
	ErrNoMirrors = New(DomainMirror, "no_mirrors", false,
		"Resource has no mirrors")

	// ErrAllMirrorsExhausted is returned when every mirror has consumed its
	// retry budget
	ErrAllMirrorsExhausted = New(DomainMirror, "all_exhausted", false,
		"All mirrors have exhausted their retry budget")

	// ErrCannotGenerateDownloadable is returned when no mirror of a resource
	// yields a materializable downloadable
	ErrCannotGenerateDownloadable = New(DomainMirror, "cannot_generate_downloadable", false,
		"Cannot generate downloadable for any mirror")

	// ErrInvalidPolicyConfiguration is returned for nonsensical policy setup
	ErrInvalidPolicyConfiguration = New(DomainMirror, "invalid_configuration", false,
		"Invalid mirror policy configuration")
)

// ============================================================================
// Network Errors
// ============================================================================

var (
	// ErrConnectionFailed is returned when the transport cannot connect
	ErrConnectionFailed = New(DomainNetwork, "connection_failed", true,
		"Connection failed")

	// ErrTimeout is returned when a transfer times out
	ErrTimeout = New(DomainNetwork, "timeout", true,
		"Request timed out")

	// ErrInvalidURL is returned for unparseable mirror locations
	ErrInvalidURL = New(DomainNetwork, "invalid_url", false,
		"Invalid URL")

	// ErrDownloadCancelled is returned when a transfer is cancelled by the caller
	ErrDownloadCancelled = New(DomainNetwork, "cancelled", false,
		"Download cancelled")

	// ErrNoNetwork is returned when no route to the mirror exists
	ErrNoNetwork = New(DomainNetwork, "no_network", true,
		"Network unavailable")
)

// ServerError builds a network error for an HTTP-level failure status. The
// status is baked into the message; the mirror policy arbitrates whether
// another mirror gets a shot, so even 4xx responses stay retryable.
func ServerError(statusCode int, message string) *Error {
	return New(DomainNetwork, "server", true,
		message).WithMessagef("server returned %d: %s", statusCode, message)
}

// ============================================================================
// Cache Errors
// ============================================================================

var (
	// ErrFileAlreadyExists is returned when a target path is occupied
	ErrFileAlreadyExists = New(DomainCache, "file_exists", true,
		"File already exists")

	// ErrCannotGenerateLocalPath is returned after too many naming collisions
	ErrCannotGenerateLocalPath = New(DomainCache, "cannot_generate_path", true,
		"Cannot generate unique local path")

	// ErrCacheStorage is a generic local store failure
	ErrCacheStorage = New(DomainCache, "storage", true,
		"Cache storage error")

	// ErrCacheDatabase is returned when the local-file record store fails
	ErrCacheDatabase = New(DomainCache, "database", true,
		"Cache database error")

	// ErrFileNotFound is returned when a recorded file is missing on disk
	ErrFileNotFound = New(DomainCache, "file_not_found", false,
		"File not found")

	// ErrPermissionDenied is returned when the cache roots are not writable
	ErrPermissionDenied = New(DomainCache, "permission_denied", false,
		"Permission denied")
)

// ============================================================================
// Filesystem Errors
// ============================================================================

var (
	// ErrCannotCreateDirectory is returned when a cache subtree cannot be made
	ErrCannotCreateDirectory = New(DomainFilesystem, "cannot_create_directory", true,
		"Cannot create directory")

	// ErrCannotMoveFile is returned when a temp file cannot be renamed into place
	ErrCannotMoveFile = New(DomainFilesystem, "cannot_move_file", true,
		"Cannot move file")

	// ErrCannotDelete is returned when cleanup cannot remove a file
	ErrCannotDelete = New(DomainFilesystem, "cannot_delete", true,
		"Cannot delete file")

	// ErrInsufficientSpace is returned when the volume is full
	ErrInsufficientSpace = New(DomainFilesystem, "insufficient_space", false,
		"Insufficient disk space")

	// ErrCorrupted is returned when a stored file fails basic sanity checks
	ErrCorrupted = New(DomainFilesystem, "corrupted", true,
		"File corrupted")

	// ErrAccessDenied is returned for filesystem permission failures
	ErrAccessDenied = New(DomainFilesystem, "access_denied", false,
		"Access denied")
)

// ============================================================================
// Cloud Asset Errors
// ============================================================================

var (
	// ErrNoAssetData is returned when a fetched record carries no asset payload
	ErrNoAssetData = New(DomainCloud, "no_asset_data", true,
		"Record has no asset data")

	// ErrNoRecord is returned when the service answers without the record
	ErrNoRecord = New(DomainCloud, "no_record", true,
		"No record in response")

	// ErrInvalidRecordID is returned for unparseable cloud locations
	ErrInvalidRecordID = New(DomainCloud, "invalid_record_id", false,
		"Invalid record identifier")

	// ErrCloudUnavailable is returned when the asset service is down
	ErrCloudUnavailable = New(DomainCloud, "unavailable", true,
		"Cloud asset service unavailable")

	// ErrQuotaExceeded is returned when the service rate limit trips
	ErrQuotaExceeded = New(DomainCloud, "quota_exceeded", true,
		"Service quota exceeded")

	// ErrRecordNotFound is returned when the record does not exist
	ErrRecordNotFound = New(DomainCloud, "not_found", false,
		"Record not found")
)

// ============================================================================
// Database Errors
// ============================================================================

var (
	// ErrDatabaseConnection is returned when the database cannot be opened
	ErrDatabaseConnection = New(DomainDatabase, "connection_failed", false,
		"Database connection failed")

	// ErrDatabaseQuery is returned when a query fails
	ErrDatabaseQuery = New(DomainDatabase, "query_failed", true,
		"Database query failed")

	// ErrDatabaseTransaction is returned when a transaction fails
	ErrDatabaseTransaction = New(DomainDatabase, "transaction_failed", true,
		"Database transaction failed")
)
