package workflow

import (
	"errors"
)

var (
	// ErrCombinationTaken means another storefront in the channel already holds the index.
	ErrCombinationTaken = errors.New("combination already granted to another storefront")
	// ErrStorefrontHasProduct means the one-per-storefront policy forbids a second grant.
	ErrStorefrontHasProduct = errors.New("storefront already holds a combination of this product")
	ErrLockNotObtained      = errors.New("could not obtain allocation lock")
	ErrRunCancelled         = errors.New("run cancelled")
)
