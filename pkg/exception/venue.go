package exception

import "errors"

var (
	ErrVenueRejected        = errors.New("venue: transaction rejected")
	ErrVenueQuoteStatus     = errors.New("venue: quote request failed")
	ErrVenueSwapStatus      = errors.New("venue: swap build failed")
	ErrVenueDecodeTx        = errors.New("venue: decode transaction")
	ErrVenueSignTx          = errors.New("venue: sign transaction")
	ErrVenueUnknownReceipt  = errors.New("venue: receipt not found")
	ErrVenueUnknownMint     = errors.New("venue: instrument has no mint address")
	ErrVenueMissingSigner   = errors.New("venue: missing wallet private key")
	ErrVenueScriptExhausted = errors.New("venue: sim script exhausted")
)
