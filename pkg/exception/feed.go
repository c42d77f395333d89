package exception

import "errors"

var (
	ErrFeedClosed          = errors.New("feed: closed")
	ErrFeedDecodeFrame     = errors.New("feed: decode frame")
	ErrFeedUnknownSymbol   = errors.New("feed: unknown symbol")
	ErrFeedSubscribeFailed = errors.New("feed: subscribe failed")
)
