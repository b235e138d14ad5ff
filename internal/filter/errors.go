package filter

import "errors"

// ErrInvalidFilter indicates a subscription filter pattern failed to compile
// as a regular expression.
var ErrInvalidFilter = errors.New("invalid subscription filter")
