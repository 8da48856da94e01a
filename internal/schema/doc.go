// Package schema defines the records exchanged between the local store, the
// sync engine and the sync server: Spaces, Nodes, SyncServers and the access
// grants that bind them.
//
// Timestamps
//
// Every timestamp is carried with millisecond precision. Stores persist them
// as unix milliseconds and the wire protocol exchanges watermarks the same way,
// so a value read back from either side compares equal to the value written.
// Use Millis and FromMillis at storage boundaries and Truncate before comparing
// a freshly generated time against a stored one.
//
// Errors
//
// The sync engine, the provisioning service and the HTTP layers all report
// failures by wrapping one of the sentinel errors declared in errors.go.
// Callers classify them with errors.Is or with IsRetryable and
// IsUserActionRequired.
package schema
