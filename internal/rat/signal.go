package rat

import "github.com/pingsantohq/cellguard/pkg/types"

// RSRP bounds in dBm. Readings at or below InvalidRSRP, or above MaxRSRP,
// are treated as missing.
const (
	InvalidRSRP   = -140
	MaxRSRP       = -44
	InvalidNRRSRP = -140
	MaxNRRSRP     = -44
)

// Lower bounds (dBm) for levels 1..4.
var (
	lteRSRPThresholds = [4]int{-115, -105, -95, -85}
	nrRSRPThresholds  = [4]int{-110, -90, -80, -65}
)

// LteSignalLevel maps an LTE RSRP reading onto 0..4.
func LteSignalLevel(rsrp int) types.SignalLevel {
	if rsrp <= InvalidRSRP || rsrp > MaxRSRP {
		return types.SignalLevelInvalid
	}
	return bucket(rsrp, lteRSRPThresholds)
}

// NrSignalLevel maps an NR SS-RSRP reading onto 0..4.
func NrSignalLevel(rsrp int) types.SignalLevel {
	if rsrp <= InvalidNRRSRP || rsrp > MaxNRRSRP {
		return types.SignalLevelInvalid
	}
	return bucket(rsrp, nrRSRPThresholds)
}

func bucket(rsrp int, thresholds [4]int) types.SignalLevel {
	level := types.SignalLevelNone
	for i, threshold := range thresholds {
		if rsrp >= threshold {
			level = types.SignalLevel(i + 1)
		}
	}
	return level
}

// CurrentRat derives the active RAT class. A 5G NSA or SA configuration
// wins over the serving cell's network type.
func CurrentRat(config types.NRConfig, network types.NetworkType) types.RatClass {
	switch config {
	case types.NRConfigNSA, types.NRConfigSA:
		return types.Rat5G
	}
	return network.Class()
}

type Decision int

const (
	DecisionNone Decision = iota
	DecisionSwitchToNR
	DecisionSwitchToLTE
)

func (d Decision) String() string {
	switch d {
	case DecisionSwitchToNR:
		return "switch_to_nr"
	case DecisionSwitchToLTE:
		return "switch_to_lte"
	default:
		return "none"
	}
}

// Target is the RAT class a decision hands over to.
func (d Decision) Target() types.RatClass {
	switch d {
	case DecisionSwitchToNR:
		return types.Rat5G
	case DecisionSwitchToLTE:
		return types.Rat4G
	default:
		return types.RatUnknown
	}
}

// Decide applies the hysteresis rule. Falling back to LTE needs NR at
// level 0 while LTE is at 1..4; moving up to NR only needs a valid NR
// reading that does not meet that fallback condition.
func Decide(current types.RatClass, lte, nr types.SignalLevel) Decision {
	nrLostLteUsable := nr == types.SignalLevelNone && lte >= 1 && lte <= types.SignalLevelGreat
	switch current {
	case types.Rat4G:
		if nr.Valid() && !nrLostLteUsable {
			return DecisionSwitchToNR
		}
	case types.Rat5G:
		if lte.Valid() && nrLostLteUsable {
			return DecisionSwitchToLTE
		}
	}
	return DecisionNone
}
