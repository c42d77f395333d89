package exception

import "errors"

var (
	ErrLedgerInsufficientCapacity = errors.New("ledger: insufficient capacity")
	ErrLedgerUnknownReservation   = errors.New("ledger: reservation not found")
	ErrLedgerReservationExpired   = errors.New("ledger: reservation expired")
	ErrLedgerAlreadyCommitted     = errors.New("ledger: intent already committed")
	ErrLedgerAlreadyReleased      = errors.New("ledger: reservation already released")
	ErrLedgerQtyMismatch          = errors.New("ledger: fill exceeds reserved quantity")
	ErrLedgerInvalidQty           = errors.New("ledger: quantity must be > 0")
)
