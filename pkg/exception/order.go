package exception

import "errors"

var (
	ErrOrderDuplicateIntent    = errors.New("order: intent already executing")
	ErrOrderUnknownIntent      = errors.New("order: intent not found")
	ErrOrderInvalidTransition  = errors.New("order: invalid state transition")
	ErrOrderCancelAfterConfirm = errors.New("order: cancel rejected after confirmation")
	ErrOrderCancelAmbiguous    = errors.New("order: cancel rejected while submission unresolved")
	ErrOrderCanceled           = errors.New("order: canceled")
	ErrOrderDeadlineExceeded   = errors.New("order: deadline exceeded")
	ErrOrderNilVenue           = errors.New("order: nil venue client")
	ErrOrderNilLedger          = errors.New("order: nil ledger")
	ErrOrderQueueFull          = errors.New("order: submission queue full")
	ErrOrderCoordinatorClosed  = errors.New("order: coordinator closed")
)
