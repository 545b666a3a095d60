package storage

import "errors"

var (
	// ErrAccountNotFound is returned when a wallet account does not exist
	ErrAccountNotFound = errors.New("wallet account not found")

	// ErrLotNotFound is returned when a top-up lot does not exist
	ErrLotNotFound = errors.New("top-up lot not found")

	// ErrSourceKeyConflict is returned when a payment source key is already
	// bound to a different user
	ErrSourceKeyConflict = errors.New("source key belongs to another user")

	// ErrAnomalyNotFound is returned when a settlement anomaly does not exist
	ErrAnomalyNotFound = errors.New("settlement anomaly not found")

	// ErrConcurrentUpdate is returned when a locked row changed underneath a
	// debit, which means the locking contract was broken
	ErrConcurrentUpdate = errors.New("ledger row changed during debit")
)
