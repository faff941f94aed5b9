package wire

import "errors"

var (
	ErrDecode          = errors.New("wire: decode")
	ErrEncode          = errors.New("wire: encode")
	ErrUnknownType     = errors.New("wire: unknown data structure type")
	ErrFrameTooLarge   = errors.New("wire: frame too large")
	ErrVersion         = errors.New("wire: unsupported version")
	ErrNegotiated      = errors.New("wire: format already negotiated")
	ErrSizeMismatch    = errors.New("wire: marshalled size differs from the computed one")
	ErrBadMagic        = errors.New("wire: bad magic")
	ErrBooleanOverflow = errors.New("wire: boolean stream too long")
)
