package schema

import "errors"

// Sentinel errors shared by the store, the sync engine and the servers.
var (
	// ErrInvalidArgument indicates caller input that can never succeed as given:
	// a missing user id, malformed space data or a reserved space name.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrPreconditionFailed indicates the system is not in a state that allows
	// the operation, such as no running official sync server or a space that
	// has not been bound to a sync server yet.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrTransactionFailure indicates a transaction could not start, timed out
	// or failed to commit. Nothing from the transaction was persisted.
	ErrTransactionFailure = errors.New("transaction failed")

	// ErrNetwork indicates the remote sync endpoint or provisioning API could
	// not be reached or answered with a server-side failure.
	ErrNetwork = errors.New("remote endpoint unavailable")

	// ErrDecryption indicates ciphertext could not be decrypted with the space
	// password, or decrypted to something that is not valid JSON.
	ErrDecryption = errors.New("decryption failed")

	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates a missing, invalid or revoked access token.
	ErrUnauthorized = errors.New("unauthorized")
)

// IsRetryable reports whether repeating the same operation later may succeed
// without any user involvement.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrTransactionFailure)
}

// IsUserActionRequired reports whether the error can only be resolved by the
// user, e.g. by entering the right space password or rebinding the space.
func IsUserActionRequired(err error) bool {
	return errors.Is(err, ErrDecryption) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrPreconditionFailed)
}
