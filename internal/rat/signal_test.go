package rat

import (
	"testing"

	"github.com/pingsantohq/cellguard/pkg/types"
)

func TestSignalLevelClampsOutOfRange(t *testing.T) {
	for _, rsrp := range []int{-141, -140, -43, 10} {
		if got := LteSignalLevel(rsrp); got != types.SignalLevelInvalid {
			t.Fatalf("lte rsrp %d: expected invalid got %d", rsrp, got)
		}
		if got := NrSignalLevel(rsrp); got != types.SignalLevelInvalid {
			t.Fatalf("nr rsrp %d: expected invalid got %d", rsrp, got)
		}
	}
}

func TestLteSignalLevelBuckets(t *testing.T) {
	cases := map[int]types.SignalLevel{
		-139: 0,
		-116: 0,
		-115: 1,
		-106: 1,
		-105: 2,
		-95:  3,
		-86:  3,
		-85:  4,
		-44:  4,
	}
	for rsrp, want := range cases {
		if got := LteSignalLevel(rsrp); got != want {
			t.Fatalf("lte rsrp %d: expected %d got %d", rsrp, want, got)
		}
	}
}

func TestNrSignalLevelBuckets(t *testing.T) {
	cases := map[int]types.SignalLevel{
		-120: 0,
		-110: 1,
		-91:  1,
		-90:  2,
		-80:  3,
		-65:  4,
		-50:  4,
	}
	for rsrp, want := range cases {
		if got := NrSignalLevel(rsrp); got != want {
			t.Fatalf("nr rsrp %d: expected %d got %d", rsrp, want, got)
		}
	}
}

func TestCurrentRat(t *testing.T) {
	cases := []struct {
		config  types.NRConfig
		network types.NetworkType
		want    types.RatClass
	}{
		{types.NRConfigNSA, types.NetworkLTE, types.Rat5G},
		{types.NRConfigSA, types.NetworkUnknown, types.Rat5G},
		{types.NRConfigNone, types.NetworkLTE, types.Rat4G},
		{types.NRConfigNone, types.NetworkHSPA, types.Rat3G},
		{types.NRConfigNone, types.NetworkEDGE, types.Rat2G},
		{types.NRConfigNone, types.NetworkNR, types.Rat5G},
		{types.NRConfig(""), types.NetworkUnknown, types.RatUnknown},
	}
	for _, tc := range cases {
		if got := CurrentRat(tc.config, tc.network); got != tc.want {
			t.Fatalf("config %q network %d: expected %s got %s", tc.config, tc.network, tc.want, got)
		}
	}
}

func TestDecideTable(t *testing.T) {
	cases := []struct {
		name    string
		current types.RatClass
		lte, nr types.SignalLevel
		want    Decision
	}{
		{"4G strong NR", types.Rat4G, 2, 3, DecisionSwitchToNR},
		{"4G both weak", types.Rat4G, 1, 0, DecisionNone},
		{"4G NR invalid", types.Rat4G, 4, types.SignalLevelInvalid, DecisionNone},
		{"4G NR zero LTE invalid", types.Rat4G, types.SignalLevelInvalid, 0, DecisionSwitchToNR},
		{"4G NR zero LTE zero", types.Rat4G, 0, 0, DecisionSwitchToNR},
		{"5G NR lost LTE usable", types.Rat5G, 3, 0, DecisionSwitchToLTE},
		{"5G LTE zero", types.Rat5G, 0, 0, DecisionNone},
		{"5G LTE invalid", types.Rat5G, types.SignalLevelInvalid, 0, DecisionNone},
		{"5G NR borderline", types.Rat5G, 4, 1, DecisionNone},
		{"3G never switches", types.Rat3G, 4, 4, DecisionNone},
		{"unknown never switches", types.RatUnknown, 4, 4, DecisionNone},
	}
	for _, tc := range cases {
		if got := Decide(tc.current, tc.lte, tc.nr); got != tc.want {
			t.Fatalf("%s: expected %s got %s", tc.name, tc.want, got)
		}
	}
}

func TestDecisionTarget(t *testing.T) {
	if DecisionSwitchToNR.Target() != types.Rat5G || DecisionSwitchToLTE.Target() != types.Rat4G || DecisionNone.Target() != types.RatUnknown {
		t.Fatalf("unexpected decision targets")
	}
}
