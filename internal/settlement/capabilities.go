package settlement

import "fmt"

// Version names a release of the settlement feature set.
type Version string

const (
	// V1 covers deposits, fulfillment registration, refunds and withdrawals.
	V1 Version = "v1"
	// V1_1 adds swap settlement of pooled balances.
	V1_1 Version = "v1.1"
	// V1_2 adds the fulfiller aggregate ledger and fulfill-and-swap.
	V1_2 Version = "v1.2"
)

// Capabilities lists the optional operations an engine exposes.
type Capabilities struct {
	Version     Version
	Swap        bool
	Aggregation bool
}

// CapabilitiesFor returns the capability set of a version.
func CapabilitiesFor(v Version) (Capabilities, error) {
	switch v {
	case V1:
		return Capabilities{Version: V1}, nil
	case V1_1:
		return Capabilities{Version: V1_1, Swap: true}, nil
	case V1_2, "":
		return Capabilities{Version: V1_2, Swap: true, Aggregation: true}, nil
	default:
		return Capabilities{}, fmt.Errorf("unknown settlement version %q", v)
	}
}

func (c Capabilities) requireSwap() error {
	if !c.Swap {
		return &CapabilityError{Capability: "swap settlement", Version: c.Version}
	}
	return nil
}

func (c Capabilities) requireAggregation() error {
	if !c.Aggregation {
		return &CapabilityError{Capability: "fulfiller aggregation", Version: c.Version}
	}
	return nil
}
