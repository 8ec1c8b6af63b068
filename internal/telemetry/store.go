// Package telemetry caches the latest radio readings pushed by producers
// and answers the queries the monitor and the RAT engine make.
package telemetry

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/pingsantohq/cellguard/internal/rat"
	"github.com/pingsantohq/cellguard/pkg/types"
)

// Unavailable is reported for RSRP readings that have never been supplied.
const Unavailable = math.MaxInt32

// Sample is a partial update. Nil fields keep their previous value.
type Sample struct {
	LteRsrp      *int               `json:"lte_rsrp,omitempty"`
	NrRsrp       *int               `json:"nr_rsrp,omitempty"`
	NetworkType  *types.NetworkType `json:"network_type,omitempty"`
	NRConfig     *types.NRConfig    `json:"nr_config,omitempty"`
	AirplaneMode *bool              `json:"airplane_mode,omitempty"`
	SimReady     *bool              `json:"sim_ready,omitempty"`
	DataBlocked  *bool              `json:"data_blocked,omitempty"`
	CellInfo     *string            `json:"cell_info,omitempty"`
	StallCleared bool               `json:"stall_cleared,omitempty"`
}

// RadioState is the cached view of one radio.
type RadioState struct {
	RadioID      types.RadioID     `json:"radio_id"`
	LteRsrp      int               `json:"lte_rsrp"`
	NrRsrp       int               `json:"nr_rsrp"`
	NetworkType  types.NetworkType `json:"network_type"`
	NRConfig     types.NRConfig    `json:"nr_config"`
	AirplaneMode bool              `json:"airplane_mode"`
	SimReady     bool              `json:"sim_ready"`
	DataBlocked  bool              `json:"data_blocked"`
	CellInfo     string            `json:"cell_info,omitempty"`
	StallSince   time.Time         `json:"stall_since,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
	RequestedRat types.RatClass    `json:"requested_rat,omitempty"`
	RequestedAt  time.Time         `json:"requested_at,omitempty"`
}

func newRadioState(radio types.RadioID) *RadioState {
	return &RadioState{
		RadioID:     radio,
		LteRsrp:     Unavailable,
		NrRsrp:      Unavailable,
		NetworkType: types.NetworkUnknown,
		NRConfig:    types.NRConfigNone,
	}
}

type Option func(*Store)

func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	radios map[types.RadioID]*RadioState
	now    func() time.Time
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		radios: make(map[types.RadioID]*RadioState),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Update applies a sample and returns the resulting state.
func (s *Store) Update(radio types.RadioID, sample Sample) RadioState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.radios[radio]
	if !ok {
		st = newRadioState(radio)
		s.radios[radio] = st
	}
	if sample.LteRsrp != nil {
		st.LteRsrp = *sample.LteRsrp
	}
	if sample.NrRsrp != nil {
		st.NrRsrp = *sample.NrRsrp
	}
	if sample.NetworkType != nil {
		st.NetworkType = *sample.NetworkType
	}
	if sample.NRConfig != nil {
		st.NRConfig = *sample.NRConfig
	}
	if sample.AirplaneMode != nil {
		st.AirplaneMode = *sample.AirplaneMode
	}
	if sample.SimReady != nil {
		st.SimReady = *sample.SimReady
	}
	if sample.DataBlocked != nil {
		st.DataBlocked = *sample.DataBlocked
	}
	if sample.CellInfo != nil {
		st.CellInfo = *sample.CellInfo
	}
	if sample.StallCleared {
		st.StallSince = time.Time{}
	}
	st.UpdatedAt = s.now().UTC()
	return *st
}

// MarkDataStall starts the stall clock unless one is already running.
func (s *Store) MarkDataStall(radio types.RadioID, ts time.Time) {
	if ts.IsZero() {
		ts = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.radios[radio]
	if !ok {
		st = newRadioState(radio)
		s.radios[radio] = st
	}
	if st.StallSince.IsZero() {
		st.StallSince = ts.UTC()
	}
}

func (s *Store) State(radio types.RadioID) (RadioState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.radios[radio]
	if !ok {
		return RadioState{}, false
	}
	return *st, true
}

// FetchRadioMetadata reports signal level, RAT and cell info. Radios that
// have never been updated have no metadata.
func (s *Store) FetchRadioMetadata(radio types.RadioID) (map[string]string, bool) {
	st, ok := s.State(radio)
	if !ok || st.UpdatedAt.IsZero() {
		return nil, false
	}
	current := rat.CurrentRat(st.NRConfig, st.NetworkType)
	level := rat.LteSignalLevel(st.LteRsrp)
	if current == types.Rat5G {
		level = rat.NrSignalLevel(st.NrRsrp)
	}
	meta := map[string]string{
		types.MetaSignalLevel: strconv.Itoa(int(level)),
		types.MetaRAT:         string(current),
	}
	if st.CellInfo != "" {
		meta[types.MetaCellInfo] = st.CellInfo
	}
	return meta, true
}

func (s *Store) IsAirplaneMode(radio types.RadioID) bool {
	st, _ := s.State(radio)
	return st.AirplaneMode
}

func (s *Store) IsSimReady(radio types.RadioID) bool {
	st, _ := s.State(radio)
	return st.SimReady
}

func (s *Store) IsDataConnectionBlocked(radio types.RadioID) bool {
	st, _ := s.State(radio)
	return st.DataBlocked
}

func (s *Store) CurrentStallDuration(radio types.RadioID) time.Duration {
	st, ok := s.State(radio)
	if !ok || st.StallSince.IsZero() {
		return 0
	}
	d := s.now().Sub(st.StallSince)
	if d < 0 {
		return 0
	}
	return d
}

func (s *Store) ReadLteRsrp(radio types.RadioID) int {
	st, ok := s.State(radio)
	if !ok {
		return Unavailable
	}
	return st.LteRsrp
}

func (s *Store) ReadNrRsrp(radio types.RadioID) int {
	st, ok := s.State(radio)
	if !ok {
		return Unavailable
	}
	return st.NrRsrp
}

func (s *Store) ReadServingNetworkType(radio types.RadioID) types.NetworkType {
	st, ok := s.State(radio)
	if !ok {
		return types.NetworkUnknown
	}
	return st.NetworkType
}

func (s *Store) Read5GConfigType(radio types.RadioID) types.NRConfig {
	st, ok := s.State(radio)
	if !ok {
		return types.NRConfigNone
	}
	return st.NRConfig
}

// IssueHandover leaves a handover request for the radio's producer, which
// picks it up from the next state read.
func (s *Store) IssueHandover(_ context.Context, radio types.RadioID, target types.RatClass) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.radios[radio]
	if !ok {
		st = newRadioState(radio)
		s.radios[radio] = st
	}
	st.RequestedRat = target
	st.RequestedAt = s.now().UTC()
	return nil
}
