// Package ensemble routes incoming UDP/EDI payloads and ETI-NA transport
// stream PIDs to per-stream decode pipelines, and fires basic-ready,
// complete, and subchannel-change events as the underlying FIC parsers
// converge on a full ensemble picture. Grounded on
// original_source/src/ensemble_manager.cpp's EnsembleManager, adapted
// from its single instance/single-target C++ shape into a routed,
// multi-stream Go manager (SPEC_FULL.md's "ensemble manager generalized
// to multi-stream routing" note).
package ensemble

import (
	"sort"

	"go.uber.org/zap"

	"github.com/k-danil/dvbdab/pkg/edi"
	"github.com/k-danil/dvbdab/pkg/fic"
	"github.com/k-danil/dvbdab/pkg/udpext"
)

const noSubchannel = 0xFF

// StreamKey identifies one logical DAB stream: either an (IP, port) EDI
// destination, or an ETI-NA transport-stream PID (IP left zero).
type StreamKey struct {
	IP   uint32
	Port uint16
	PID  uint16
	IsPID bool
}

// SubchannelChange describes one service's sub-channel assignment moving
// from Old to New; noSubchannel (0xFF) marks a service that just
// appeared or just disappeared.
type SubchannelChange struct {
	SID uint32
	Old uint8
	New uint8
}

// BasicReadyFunc is invoked once, the first time a stream's FIC parser
// reports enough information to begin audio decoding.
type BasicReadyFunc func(key StreamKey, ens fic.DABEnsemble)

// CompleteFunc is invoked each time a stream's FIC parser becomes
// complete (every service labelled); if completeness is later lost, it
// fires again when it is regained.
type CompleteFunc func(key StreamKey, ens fic.DABEnsemble)

// SubchannelChangeFunc is invoked after completion whenever the
// service-to-subchannel mapping changes.
type SubchannelChangeFunc func(key StreamKey, changes []SubchannelChange)

// ETIFunc is invoked for every ETI-NI frame synthesized from EDI, and for
// every ETI-NI frame recovered from an ETI-NA PID once that stream has
// reached basic-ready.
type ETIFunc func(key StreamKey, frame []byte, dflc int)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger attaches a diagnostic logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithBasicReadyCallback registers the basic-ready event handler.
func WithBasicReadyCallback(f BasicReadyFunc) Option {
	return func(m *Manager) { m.onBasicReady = f }
}

// WithCompleteCallback registers the complete event handler.
func WithCompleteCallback(f CompleteFunc) Option {
	return func(m *Manager) { m.onComplete = f }
}

// WithSubchannelChangeCallback registers the post-completion change
// handler.
func WithSubchannelChangeCallback(f SubchannelChangeFunc) Option {
	return func(m *Manager) { m.onSubchannelChange = f }
}

// WithETICallback registers the ETI-NI frame handler (see ETIFunc).
func WithETICallback(f ETIFunc) Option {
	return func(m *Manager) { m.onETI = f }
}

type ediStream struct {
	key    StreamKey
	mgr    *Manager
	parser *edi.Parser
	fic    *fic.Parser
}

func (s *ediStream) OnETIFrame(frame []byte, dflc int) {
	s.fic.ProcessFrame(frame)
	s.mgr.dispatch(s.key, frame, dflc, s.fic)
}

type etinaStream struct {
	fic *fic.Parser
}

// Manager routes EDI datagrams and ETI-NA PIDs to per-stream decode
// pipelines and de-duplicates lifecycle events per stream. The ETI-NA
// byte-recovery pipeline (pkg/etina) lives upstream, typically in the
// scanner that owns the transport-stream PID; Manager only consumes its
// already-synthesized ETI-NI frames.
type Manager struct {
	log *zap.Logger

	onBasicReady       BasicReadyFunc
	onComplete         CompleteFunc
	onSubchannelChange SubchannelChangeFunc
	onETI              ETIFunc

	ediStreams   map[StreamKey]*ediStream
	etinaStreams map[uint16]*etinaStream

	basicReady map[StreamKey]bool
	complete   map[StreamKey]bool
	lastSubch  map[StreamKey]map[uint32]uint8
}

// New builds an empty Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		log:          zap.NewNop(),
		ediStreams:   make(map[StreamKey]*ediStream),
		etinaStreams: make(map[uint16]*etinaStream),
		basicReady:   make(map[StreamKey]bool),
		complete:     make(map[StreamKey]bool),
		lastSubch:    make(map[StreamKey]map[uint32]uint8),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Reset discards all per-stream state.
func (m *Manager) Reset() {
	m.ediStreams = make(map[StreamKey]*ediStream)
	m.etinaStreams = make(map[uint16]*etinaStream)
	m.basicReady = make(map[StreamKey]bool)
	m.complete = make(map[StreamKey]bool)
	m.lastSubch = make(map[StreamKey]map[uint32]uint8)
}

func (m *Manager) getEDIStream(key StreamKey) *ediStream {
	if s, ok := m.ediStreams[key]; ok {
		return s
	}
	s := &ediStream{key: key, fic: fic.New()}
	s.mgr = m
	s.parser = edi.New(s)
	m.ediStreams[key] = s
	return s
}

// ProcessUDP feeds one EDI payload (a PF or AF packet) already extracted
// from a UDP datagram destined for dstIP:dstPort.
func (m *Manager) ProcessUDP(dstIP uint32, dstPort uint16, payload []byte) {
	key := StreamKey{IP: dstIP, Port: dstPort}
	m.getEDIStream(key).parser.Feed(payload)
}

// ProcessIPPacket extracts the destination and UDP payload from a raw
// IPv4 datagram and routes it via ProcessUDP.
func (m *Manager) ProcessIPPacket(ipPacket []byte) {
	d, ok := udpext.Extract(ipPacket)
	if !ok || len(d.Payload) == 0 {
		return
	}
	m.ProcessUDP(d.DstIP, d.DstPort, d.Payload)
}

// ProcessETIFrame feeds a directly-recovered ETI-NI frame (from an
// ETI-NA transport-stream PID) associated with pid.
func (m *Manager) ProcessETIFrame(pid uint16, frame []byte) {
	key := StreamKey{PID: pid, IsPID: true}
	s, ok := m.etinaStreams[pid]
	if !ok {
		s = &etinaStream{fic: fic.New()}
		m.etinaStreams[pid] = s
	}
	s.fic.ProcessFrame(frame)
	m.dispatch(key, frame, 0, s.fic)
}

// dispatch runs the basic-ready and complete gates before firing onETI.
// For an ETI-NA stream (key.IsPID) onETI fires only once the stream has
// reached basic-ready, so a downstream audio consumer that only wires the
// ETI callback never sees its ETI bytes before it can see the ensemble
// those bytes belong to. EDI streams pass every frame to onETI.
func (m *Manager) dispatch(key StreamKey, frame []byte, dflc int, f *fic.Parser) {
	if f.IsBasicReady() && !m.basicReady[key] {
		m.basicReady[key] = true
		if m.onBasicReady != nil {
			m.onBasicReady(key, f.Ensemble())
		}
	}

	if f.IsComplete() {
		if !m.complete[key] {
			m.complete[key] = true
			ens := f.Ensemble()
			m.lastSubch[key] = subchannelMap(ens)
			if m.onComplete != nil {
				m.onComplete(key, ens)
			}
		} else {
			m.checkSubchannelChanges(key, f.Ensemble())
		}
	} else {
		// f.IsComplete() is deliberately non-sticky (see DESIGN.md's
		// pkg/fic entry): a late-arriving, not-yet-labelled service
		// drops completeness until it too settles. Clearing the flag
		// here lets that later re-completion re-fire onComplete instead
		// of being silently swallowed, per spec.md §9's open question on
		// late-arriving services.
		m.complete[key] = false
	}

	if m.onETI != nil && (!key.IsPID || m.basicReady[key]) {
		m.onETI(key, frame, dflc)
	}
}

func subchannelMap(ens fic.DABEnsemble) map[uint32]uint8 {
	out := make(map[uint32]uint8, len(ens.Services))
	for _, s := range ens.Services {
		out[s.SID] = uint8(s.SubchannelID)
	}
	return out
}

func (m *Manager) checkSubchannelChanges(key StreamKey, ens fic.DABEnsemble) {
	prev := m.lastSubch[key]
	if prev == nil {
		prev = make(map[uint32]uint8)
	}
	current := subchannelMap(ens)

	var changes []SubchannelChange
	for sid, newSubch := range current {
		if oldSubch, ok := prev[sid]; !ok {
			changes = append(changes, SubchannelChange{SID: sid, Old: noSubchannel, New: newSubch})
		} else if oldSubch != newSubch {
			changes = append(changes, SubchannelChange{SID: sid, Old: oldSubch, New: newSubch})
		}
	}
	for sid, oldSubch := range prev {
		if _, ok := current[sid]; !ok {
			changes = append(changes, SubchannelChange{SID: sid, Old: oldSubch, New: noSubchannel})
		}
	}
	if len(changes) == 0 {
		return
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].SID < changes[j].SID })
	m.lastSubch[key] = current
	if m.onSubchannelChange != nil {
		m.onSubchannelChange(key, changes)
	}
}

// IsComplete reports whether key's stream has reached completeness.
func (m *Manager) IsComplete(key StreamKey) bool {
	return m.complete[key]
}

// AllComplete reports whether every known stream has reached
// completeness. Returns false if no streams exist yet.
func (m *Manager) AllComplete() bool {
	if len(m.ediStreams) == 0 && len(m.etinaStreams) == 0 {
		return false
	}
	for key := range m.ediStreams {
		if !m.complete[key] {
			return false
		}
	}
	for pid := range m.etinaStreams {
		if !m.complete[(StreamKey{PID: pid, IsPID: true})] {
			return false
		}
	}
	return true
}
