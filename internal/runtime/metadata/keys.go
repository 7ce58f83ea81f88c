package metadata

// Header keys reserved by courier. Applications should not reuse them for
// their own headers.
const (
	// KeyMessageType carries the stable type name used to demultiplex records.
	KeyMessageType = "courier_type"

	// KeyRuntimeType carries the producing runtime's type name for diagnostics.
	KeyRuntimeType = "courier_runtime_type"

	// KeyContentType names the codec used for the payload.
	KeyContentType = "content_type"

	// KeyCorrelationID tracks related messages across services.
	KeyCorrelationID = "correlation_id"

	// KeyOutboxRecordID links a dispatched message back to its outbound row.
	KeyOutboxRecordID = "courier_outbox_id"

	// KeyPartitionKey mirrors the record key for transports without native keys.
	KeyPartitionKey = "partition_key"
)
