package ledger

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/moltbunker/escrowd/pkg/types"
)

var (
	// ErrOverflow is returned when a credit would exceed 2^256-1.
	ErrOverflow = errors.New("arithmetic overflow")
	// ErrUnderflow is returned when a debit exceeds the balance.
	ErrUnderflow = errors.New("arithmetic underflow")
)

// ArithmeticError describes a rejected checked operation on a bucket entry.
type ArithmeticError struct {
	Bucket  string
	Op      string
	Key     string
	Balance *uint256.Int
	Amount  *uint256.Int
	Err     error
}

func (e *ArithmeticError) Error() string {
	return fmt.Sprintf("%s %s %s: balance %s, amount %s: %v",
		e.Bucket, e.Op, e.Key, types.FormatAmount(e.Balance), types.FormatAmount(e.Amount), e.Err)
}

func (e *ArithmeticError) Unwrap() error {
	return e.Err
}
