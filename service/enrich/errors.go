package enrich

import "errors"

var (
	// ErrMalformedBalanceData means the balance snapshots of a transaction are
	// inconsistent. The whole transaction is reported as failed.
	ErrMalformedBalanceData = errors.New("malformed balance data")

	// ErrIndexOutOfRange means an instruction referenced an account index past
	// the end of the account-key table. Only that instruction is skipped.
	ErrIndexOutOfRange = errors.New("index out of range")

	// ErrAssembly means the classifier produced more than one event variant.
	ErrAssembly = errors.New("assembly error")
)
