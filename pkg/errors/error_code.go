package errors

// ErrorCode represents a unique error code for identifying different error types.
type ErrorCode int

const (
	// General errors (1-99)
	ErrCodeUnknown ErrorCode = 1

	// Configuration errors (100-199)
	ErrCodeInvalidParameter      ErrorCode = 100
	ErrCodeInvalidConfiguration  ErrorCode = 101
	ErrCodeInvalidPnLSource      ErrorCode = 102
	ErrCodeInvalidFeeConvention  ErrorCode = 103
	ErrCodeInvalidVersion        ErrorCode = 104
	ErrCodeVersionNotFound       ErrorCode = 105
	ErrCodeMissingParameter      ErrorCode = 106
	ErrCodeUnsupportedDriver     ErrorCode = 107
	ErrCodeUnsupportedPriceFeed  ErrorCode = 108
	ErrCodeInvalidSchedule       ErrorCode = 109
	ErrCodeUnsupportedFileFormat ErrorCode = 110

	// Data anomalies (200-299)
	ErrCodeDataNotFound        ErrorCode = 200
	ErrCodeUnmatchedSell       ErrorCode = 201
	ErrCodeNonPositiveQuantity ErrorCode = 202
	ErrCodeInvalidPrice        ErrorCode = 203
	ErrCodeNegativeFee         ErrorCode = 204
	ErrCodeDuplicateEvent      ErrorCode = 205
	ErrCodeEventNotFilled      ErrorCode = 206
	ErrCodeInstrumentMismatch  ErrorCode = 207
	ErrCodeEventOutOfOrder     ErrorCode = 208
	ErrCodeMissingPrice        ErrorCode = 209
	ErrCodeMissingLegacyPnL    ErrorCode = 210
	ErrCodeInvalidEvent        ErrorCode = 211

	// Consistency violations (300-399)
	ErrCodeNegativeLot         ErrorCode = 300
	ErrCodeDuplicateAllocation ErrorCode = 301
	ErrCodeOverAllocated       ErrorCode = 302
	ErrCodeVersionConflict     ErrorCode = 303
	ErrCodeFeeOverApportioned  ErrorCode = 304

	// Storage errors (400-499)
	ErrCodeQueryFailed         ErrorCode = 400
	ErrCodeLedgerWriteFailed   ErrorCode = 401
	ErrCodeSchemaIncompatible  ErrorCode = 402
	ErrCodeEventStoreFailed    ErrorCode = 403
	ErrCodeStoreNotInitialized ErrorCode = 404
	ErrCodeExportFailed        ErrorCode = 405

	// Price feed errors (500-599)
	ErrCodePriceFeedFailed  ErrorCode = 500
	ErrCodePriceFeedTimeout ErrorCode = 501
)
