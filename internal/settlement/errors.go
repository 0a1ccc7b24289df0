package settlement

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/moltbunker/escrowd/internal/ledger"
	"github.com/moltbunker/escrowd/internal/records"
	"github.com/moltbunker/escrowd/pkg/types"
)

// Authorization errors
var (
	ErrNotRouter    = errors.New("caller is not the router")
	ErrNotManager   = errors.New("caller is not the manager")
	ErrNotFulfiller = errors.New("caller is not a registered fulfiller")
)

// Not-found errors
var (
	ErrServiceNotFound = errors.New("service not found")
	ErrRecordNotFound  = errors.New("record not found")
	ErrServiceMismatch = errors.New("record belongs to another service")
)

// Request errors
var (
	ErrInvalidTokenAddress = errors.New("invalid token address")
	ErrInvalidSwapAmount   = errors.New("invalid swap amount")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidRecipient    = errors.New("invalid recipient")
	ErrInvalidServiceRef   = errors.New("invalid service reference")
	ErrTokenNotWhitelisted = errors.New("token not whitelisted")
)

// State-conflict errors
var (
	ErrAlreadyRegistered           = errors.New("fulfillment already registered")
	ErrUnsupportedStatus           = errors.New("unsupported fulfillment status")
	ErrRecordNotRefundable         = errors.New("record is not refundable")
	ErrRecordNotSettled            = errors.New("record has not settled successfully")
	ErrRecordAlreadySwapped        = errors.New("record has already been swapped")
	ErrNoRefunds                   = errors.New("no refunds authorized")
	ErrNoBalanceToRelease          = errors.New("no balance to release")
	ErrNoFeesToWithdraw            = errors.New("no fees to withdraw")
	ErrInsufficientCombinedBalance = errors.New("insufficient combined balance")
	ErrInsufficientBalance         = errors.New("insufficient balance")
	ErrCapabilityDisabled          = errors.New("capability not enabled")
)

// Arithmetic-safety errors
var (
	ErrRefundsTooBig = errors.New("refund exceeds authorized balance")
)

// External-call errors
var (
	ErrAggregatorCallFailed = errors.New("aggregator call failed")
	ErrPartialSettlement    = errors.New("operation partially settled")
)

// PartialSettlementError reports an operation whose first custody legs were
// final before a later leg failed. The ledger keeps the settled legs and
// rolls back the rest; the operation's events cover only what settled.
type PartialSettlementError struct {
	Op      string
	Settled []string
	Failed  string
	Err     error
}

func (e *PartialSettlementError) Error() string {
	return fmt.Sprintf("%s: %v after %s settled; %s failed: %v",
		e.Op, ErrPartialSettlement, strings.Join(e.Settled, ", "), e.Failed, e.Err)
}

func (e *PartialSettlementError) Unwrap() []error {
	return []error{ErrPartialSettlement, e.Err}
}

func isPartial(err error) bool {
	var p *PartialSettlementError
	return errors.As(err, &p)
}

// AuthorizationError reports a caller that does not hold the required role.
type AuthorizationError struct {
	Role   string
	Caller common.Address
	Err    error
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%v: %s required, caller %s", e.Err, e.Role, e.Caller.Hex())
}

func (e *AuthorizationError) Unwrap() error {
	return e.Err
}

// BalanceError reports a balance precondition failure with the amounts involved.
type BalanceError struct {
	Err       error
	Component string
	Requested *uint256.Int
	Available *uint256.Int
}

func (e *BalanceError) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("%v (%s): requested %s, available %s",
			e.Err, e.Component, types.FormatAmount(e.Requested), types.FormatAmount(e.Available))
	}
	return fmt.Sprintf("%v: requested %s, available %s",
		e.Err, types.FormatAmount(e.Requested), types.FormatAmount(e.Available))
}

func (e *BalanceError) Unwrap() error {
	return e.Err
}

// AggregatorCallError wraps a failed external exchange invocation.
type AggregatorCallError struct {
	Target common.Address
	Err    error
}

func (e *AggregatorCallError) Error() string {
	return fmt.Sprintf("%v: target %s: %v", ErrAggregatorCallFailed, e.Target.Hex(), e.Err)
}

func (e *AggregatorCallError) Unwrap() []error {
	return []error{ErrAggregatorCallFailed, e.Err}
}

// CapabilityError reports an operation gated behind a disabled capability.
type CapabilityError struct {
	Capability string
	Version    Version
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%v: %s is not available in %s", ErrCapabilityDisabled, e.Capability, e.Version)
}

func (e *CapabilityError) Unwrap() error {
	return ErrCapabilityDisabled
}

// ErrorClass groups errors by how a caller should react to them.
type ErrorClass string

const (
	ClassNone            ErrorClass = ""
	ClassAuthorization   ErrorClass = "authorization"
	ClassNotFound        ErrorClass = "not_found"
	ClassInvalidArgument ErrorClass = "invalid_argument"
	ClassStateConflict   ErrorClass = "state_conflict"
	ClassArithmetic      ErrorClass = "arithmetic"
	ClassExternalCall    ErrorClass = "external_call"
	ClassPartial         ErrorClass = "partial_settlement"
	ClassInternal        ErrorClass = "internal"
)

// Retryable reports whether the same call may succeed later without changes.
func (c ErrorClass) Retryable() bool {
	return c == ClassStateConflict || c == ClassExternalCall
}

// Classify maps an error returned by the engine to its class.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrPartialSettlement):
		return ClassPartial
	case errors.Is(err, ErrAggregatorCallFailed):
		return ClassExternalCall
	case errors.Is(err, ErrNotRouter), errors.Is(err, ErrNotManager), errors.Is(err, ErrNotFulfiller):
		return ClassAuthorization
	case errors.Is(err, ErrServiceNotFound), errors.Is(err, ErrRecordNotFound), errors.Is(err, records.ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrRefundsTooBig), errors.Is(err, ledger.ErrOverflow), errors.Is(err, ledger.ErrUnderflow):
		return ClassArithmetic
	case errors.Is(err, ErrInvalidTokenAddress), errors.Is(err, ErrInvalidSwapAmount),
		errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidRecipient),
		errors.Is(err, ErrInvalidServiceRef), errors.Is(err, ErrTokenNotWhitelisted),
		errors.Is(err, ErrServiceMismatch):
		return ClassInvalidArgument
	case errors.Is(err, ErrAlreadyRegistered), errors.Is(err, ErrUnsupportedStatus),
		errors.Is(err, ErrRecordNotRefundable), errors.Is(err, ErrRecordNotSettled),
		errors.Is(err, ErrRecordAlreadySwapped), errors.Is(err, records.ErrAlreadySwapped),
		errors.Is(err, ErrNoRefunds), errors.Is(err, ErrNoBalanceToRelease),
		errors.Is(err, ErrNoFeesToWithdraw), errors.Is(err, ErrInsufficientCombinedBalance),
		errors.Is(err, ErrInsufficientBalance), errors.Is(err, ErrCapabilityDisabled),
		errors.Is(err, records.ErrInvalidTransition):
		return ClassStateConflict
	default:
		return ClassInternal
	}
}
