package decoder

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNotApplicable is returned for logs that are not Swap events.
// Callers skip these silently.
var ErrNotApplicable = errors.New("decoder: not a swap log")

// DecodeError means a Swap log could not be parsed. It affects one event.
type DecodeError struct {
	TxHash   common.Hash
	LogIndex uint
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s-%d: %v", e.TxHash.Hex(), e.LogIndex, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// MetadataError means pair or token metadata could not be resolved.
// Nothing is cached, so the next event for the same address retries.
type MetadataError struct {
	Address common.Address
	Method  string
	Err     error
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("metadata %s.%s: %v", e.Address.Hex(), e.Method, e.Err)
}

func (e *MetadataError) Unwrap() error { return e.Err }
