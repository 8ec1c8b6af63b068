package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RadioID identifies a logical phone/subscription slot.
type RadioID int

func (id RadioID) String() string {
	return strconv.Itoa(int(id))
}

// ParseRadioID parses the decimal form produced by String.
func ParseRadioID(s string) (RadioID, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse radio id %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("radio id %d must not be negative", n)
	}
	return RadioID(n), nil
}

// Radio metadata keys.
const (
	MetaSignalLevel = "SIGNAL_LEVEL"
	MetaRAT         = "RAT"
	MetaCellInfo    = "CELL_INFO"
	MetaAPNName     = "APN_NAME"
	MetaAPNType     = "APN_TYPE"
	MetaReasonCode  = "REASON_CODE"
	MetaErrorCode   = "ERROR_CODE"
)

type ServiceState int

const (
	StateInService ServiceState = iota
	StateOutOfService
	StateEmergencyOnly
	StatePowerOff
)

var serviceStateNames = map[ServiceState]string{
	StateInService:     "in_service",
	StateOutOfService:  "out_of_service",
	StateEmergencyOnly: "emergency_only",
	StatePowerOff:      "power_off",
}

func (s ServiceState) String() string {
	if name, ok := serviceStateNames[s]; ok {
		return name
	}
	return "unknown"
}

func ParseServiceState(s string) (ServiceState, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	for state, name := range serviceStateNames {
		if name == normalized {
			return state, nil
		}
	}
	return 0, fmt.Errorf("unknown service state %q", s)
}

type EventKind int

const (
	KindDataStall EventKind = iota + 1
	KindSetupError
	KindServiceStateChanged
)

func (k EventKind) String() string {
	switch k {
	case KindDataStall:
		return "data_stall"
	case KindSetupError:
		return "setup_error"
	case KindServiceStateChanged:
		return "service_state_changed"
	default:
		return "unknown"
	}
}

// ReliabilityEvent is produced by telemetry sources and consumed once by a
// reliability monitor. ServiceState is only meaningful for
// KindServiceStateChanged.
type ReliabilityEvent struct {
	Kind         EventKind
	RadioID      RadioID
	Timestamp    time.Time
	Metadata     map[string]string
	ServiceState ServiceState
}

func NewDataStall(id RadioID, ts time.Time, metadata map[string]string) ReliabilityEvent {
	return ReliabilityEvent{Kind: KindDataStall, RadioID: id, Timestamp: ts, Metadata: copyMetadata(metadata)}
}

func NewSetupError(id RadioID, ts time.Time, metadata map[string]string) ReliabilityEvent {
	return ReliabilityEvent{Kind: KindSetupError, RadioID: id, Timestamp: ts, Metadata: copyMetadata(metadata)}
}

func NewServiceStateChanged(id RadioID, ts time.Time, state ServiceState) ReliabilityEvent {
	return ReliabilityEvent{Kind: KindServiceStateChanged, RadioID: id, Timestamp: ts, ServiceState: state}
}

func copyMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// RatClass is the generation class of a radio access technology.
type RatClass string

const (
	Rat2G      RatClass = "2G"
	Rat3G      RatClass = "3G"
	Rat4G      RatClass = "4G"
	Rat5G      RatClass = "5G"
	RatUnknown RatClass = "UNKNOWN"
)

// NRConfig is the active 5G configuration of a radio.
type NRConfig string

const (
	NRConfigNone NRConfig = "NONE"
	NRConfigNSA  NRConfig = "NSA"
	NRConfigSA   NRConfig = "SA"
)

// NetworkType mirrors the data network type codes reported by the serving cell.
type NetworkType int

const (
	NetworkUnknown NetworkType = iota
	NetworkGPRS
	NetworkEDGE
	NetworkUMTS
	NetworkCDMA
	NetworkEVDO0
	NetworkEVDOA
	Network1xRTT
	NetworkHSDPA
	NetworkHSUPA
	NetworkHSPA
	NetworkIDEN
	NetworkEVDOB
	NetworkLTE
	NetworkEHRPD
	NetworkHSPAP
	NetworkGSM
	NetworkTDSCDMA
	NetworkIWLAN
	NetworkLTECA
	NetworkNR
)

// Class maps a network type onto its generation.
func (t NetworkType) Class() RatClass {
	switch t {
	case NetworkGPRS, NetworkGSM, NetworkEDGE, NetworkCDMA, Network1xRTT, NetworkIDEN:
		return Rat2G
	case NetworkUMTS, NetworkEVDO0, NetworkEVDOA, NetworkHSDPA, NetworkHSUPA, NetworkHSPA,
		NetworkEVDOB, NetworkEHRPD, NetworkHSPAP, NetworkTDSCDMA:
		return Rat3G
	case NetworkLTE, NetworkIWLAN, NetworkLTECA:
		return Rat4G
	case NetworkNR:
		return Rat5G
	default:
		return RatUnknown
	}
}

// SignalLevel is a discrete signal bucket in 0..4, or SignalLevelInvalid.
type SignalLevel int

const (
	SignalLevelInvalid SignalLevel = -1
	SignalLevelNone    SignalLevel = 0
	SignalLevelGreat   SignalLevel = 4
)

func (l SignalLevel) Valid() bool {
	return l >= SignalLevelNone && l <= SignalLevelGreat
}
