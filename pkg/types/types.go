package types

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// NativeAsset is the asset identifier used for the chain's native currency.
var NativeAsset = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

// ServiceID identifies a registered service.
type ServiceID uint64

// String returns the decimal form of the service id
func (s ServiceID) String() string {
	return strconv.FormatUint(uint64(s), 10)
}

// ParseServiceID parses a decimal service id.
func ParseServiceID(s string) (ServiceID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid service id %q: %w", s, err)
	}
	return ServiceID(v), nil
}

// RecordID identifies a fulfillment record. Ids start at 1; zero means "no record".
type RecordID uint64

// String returns the decimal form of the record id
func (r RecordID) String() string {
	return strconv.FormatUint(uint64(r), 10)
}

// ParseRecordID parses a decimal record id.
func ParseRecordID(s string) (RecordID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid record id %q: %w", s, err)
	}
	return RecordID(v), nil
}

// IsNative reports whether asset is the native currency marker.
func IsNative(asset common.Address) bool {
	return asset == NativeAsset
}

// ParseAsset parses a hex address or the keyword "native".
func ParseAsset(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "native") {
		return NativeAsset, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid asset %q", s)
	}
	return common.HexToAddress(s), nil
}

// IsNullAsset reports whether asset is the zero address.
func IsNullAsset(asset common.Address) bool {
	return asset == (common.Address{})
}

// Service is a registered (fulfiller, beneficiary, fee rate) triple.
// The settlement core only reads services; the registry owns them.
type Service struct {
	ID             ServiceID      `json:"id" yaml:"id"`
	Fulfiller      common.Address `json:"fulfiller" yaml:"fulfiller"`
	Beneficiary    common.Address `json:"beneficiary" yaml:"beneficiary"`
	FeeBasisPoints uint16         `json:"fee_bps" yaml:"fee_bps"`
}

// MaxBasisPoints is 100%.
const MaxBasisPoints = 10000
