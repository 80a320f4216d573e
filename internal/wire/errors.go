package wire

import "errors"

// Sentinel decode errors (spec §7, §4.1). ErrNeedMore is not a failure: it
// tells the caller to buffer more bytes before retrying.
var (
	ErrNeedMore      = errors.New("wire: need more data")
	ErrFrameTooLarge = errors.New("wire: frame exceeds size cap")
	ErrShortField    = errors.New("wire: short field")
	ErrNegativeLen   = errors.New("wire: negative length-prefixed field")
)

// MaxFrameSize is the implementation cap referenced in spec §4.1. Frames
// whose declared length exceeds this are rejected before any allocation
// sized off the declared length occurs.
const MaxFrameSize = 16 * 1024 * 1024
