// Package scanner auto-detects DAB ensembles inside a raw MPEG transport
// stream: it classifies each PID as MPE, an ETI-NA candidate, or neither,
// feeds the matching decode pipeline, and reports discovered ensembles as
// they converge. Grounded on original_source/src/ts_scanner.cpp's
// TsScanner::Impl, translated from its std::array<PidState,8192>/map
// bookkeeping into a Go map of lazily-created per-PID state and from its
// chrono::steady_clock timing into the standard time package.
package scanner

import (
	"time"

	"go.uber.org/zap"

	"github.com/k-danil/dvbdab/pkg/ensemble"
	"github.com/k-danil/dvbdab/pkg/etina"
	"github.com/k-danil/dvbdab/pkg/fic"
	"github.com/k-danil/dvbdab/pkg/mpe"
	"github.com/k-danil/dvbdab/pkg/tsframer"
)

const (
	etinaPacketThreshold = 100
	defaultTimeout       = 500 * time.Millisecond
	earlyExitAfter       = 1 * time.Second
)

// DiscoveredService is one published service inside a DiscoveredEnsemble.
type DiscoveredService struct {
	SID          uint32
	Label        string
	BitrateKbps  int
	SubchannelID uint8
	DABPlus      bool
}

// EtiNaDetectionInfo records the bit-recovery parameters an ETI-NA PID
// was found at, for diagnostics.
type EtiNaDetectionInfo struct {
	PID           uint16
	PaddingBytes  int
	SyncBitOffset int
	Inverted      bool
}

// DiscoveredEnsemble is one autodetected ensemble, from either an MPE/EDI
// stream (IP, Port set) or an ETI-NA PID (PID set, IsETINA true).
type DiscoveredEnsemble struct {
	IP       uint32
	Port     uint16
	PID      uint16
	EID      uint16
	Label    string
	Services []DiscoveredService

	IsETINA   bool
	ETINAInfo EtiNaDetectionInfo
}

func toDiscovered(key ensemble.StreamKey, pid uint16, ens fic.DABEnsemble) DiscoveredEnsemble {
	de := DiscoveredEnsemble{IP: key.IP, Port: key.Port, PID: pid, EID: ens.EID, Label: ens.Label}
	for _, s := range ens.Services {
		de.Services = append(de.Services, DiscoveredService{
			SID: s.SID, Label: s.Label, BitrateKbps: s.BitrateKbps,
			SubchannelID: uint8(s.SubchannelID), DABPlus: s.DABPlus,
		})
	}
	return de
}

func toDiscoveredETINA(pid uint16, ens fic.DABEnsemble, info EtiNaDetectionInfo) DiscoveredEnsemble {
	de := toDiscovered(ensemble.StreamKey{}, pid, ens)
	de.IsETINA = true
	de.ETINAInfo = info
	return de
}

type pidState struct {
	checked bool
	isMPE   bool
	mpeAcc  *mpe.Accumulator

	packetCount int
	pusiCount   int

	etinaChecked            bool
	etinaCandidate          bool
	etinaStreaming          bool
	etinaDetectionReported  bool
	etinaPipeline           *etina.Pipeline
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithLogger attaches a diagnostic logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scanner) { s.log = l }
}

// WithTimeout overrides the default 500ms overall scan timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Scanner) { s.timeout = d }
}

// Scanner classifies transport-stream PIDs and feeds discovered DAB
// content to an ensemble manager until it converges or times out.
type Scanner struct {
	log     *zap.Logger
	timeout time.Duration

	framer *tsframer.Framer
	mgr    *ensemble.Manager

	pids       map[uint16]*pidState
	mpePIDs    []uint16
	etinaPIDs  []uint16

	streamPIDMap map[ensemble.StreamKey]uint16

	resultsMap          map[ensemble.StreamKey]DiscoveredEnsemble
	etinaEnsembles      map[uint16]DiscoveredEnsemble
	etinaResults        []EtiNaDetectionInfo
	etinaDetectionByPID map[uint16]EtiNaDetectionInfo

	totalPackets int
	started      bool
	startTime    time.Time
	done         bool
}

// New builds an idle Scanner.
func New(opts ...Option) *Scanner {
	s := &Scanner{
		log:                 zap.NewNop(),
		timeout:             defaultTimeout,
		pids:                make(map[uint16]*pidState),
		streamPIDMap:        make(map[ensemble.StreamKey]uint16),
		resultsMap:          make(map[ensemble.StreamKey]DiscoveredEnsemble),
		etinaEnsembles:      make(map[uint16]DiscoveredEnsemble),
		etinaDetectionByPID: make(map[uint16]EtiNaDetectionInfo),
	}
	s.mgr = ensemble.New(
		ensemble.WithBasicReadyCallback(func(key ensemble.StreamKey, ens fic.DABEnsemble) {
			if key.IsPID {
				return
			}
			s.resultsMap[key] = toDiscovered(key, s.streamPIDMap[key], ens)
		}),
		ensemble.WithCompleteCallback(func(key ensemble.StreamKey, ens fic.DABEnsemble) {
			if key.IsPID {
				info := s.etinaDetectionByPID[key.PID]
				s.etinaEnsembles[key.PID] = toDiscoveredETINA(key.PID, ens, info)
				return
			}
			s.resultsMap[key] = toDiscovered(key, s.streamPIDMap[key], ens)
		}),
	)
	s.framer = tsframer.New(s)
	for _, o := range opts {
		o(s)
	}
	return s
}

// OnPacket implements tsframer.Consumer.
func (s *Scanner) OnPacket(p tsframer.Packet) {
	if p.PID == 0x1FFF {
		return
	}
	s.totalPackets++

	st, ok := s.pids[p.PID]
	if !ok {
		st = &pidState{}
		s.pids[p.PID] = st
	}

	s.detectMPE(p.PID, st, p)
	if st.isMPE && st.mpeAcc != nil {
		st.mpeAcc.Feed(p.Payload, p.PayloadUnitStart)
	}

	st.packetCount++
	if p.PayloadUnitStart {
		st.pusiCount++
	}

	s.detectETINA(p.PID, st, p)
	if (st.etinaCandidate || st.etinaStreaming) && st.etinaPipeline != nil {
		st.etinaPipeline.Feed(p.Payload)
		if st.etinaCandidate && !st.etinaStreaming && st.etinaPipeline.Failed() {
			st.etinaCandidate = false
			st.etinaPipeline = nil
		}
	}
}

// OnDiscontinuity implements tsframer.Consumer.
func (s *Scanner) OnDiscontinuity(pid uint16) {
	if st, ok := s.pids[pid]; ok && st.mpeAcc != nil {
		st.mpeAcc.Reset()
	}
}

func (s *Scanner) detectMPE(pid uint16, st *pidState, p tsframer.Packet) {
	if st.checked || !p.PayloadUnitStart || len(p.Payload) <= 1 {
		return
	}
	st.checked = true

	ptr := int(p.Payload[0])
	if ptr >= len(p.Payload)-1 {
		return
	}
	tableID := p.Payload[1+ptr]
	if tableID != 0x3E {
		return
	}
	st.isMPE = true
	s.mpePIDs = append(s.mpePIDs, pid)
	st.mpeAcc = mpe.New(&mpeSink{pid: pid, scanner: s})
}

func (s *Scanner) detectETINA(pid uint16, st *pidState, p tsframer.Packet) {
	if st.etinaChecked || st.isMPE || st.packetCount < etinaPacketThreshold {
		return
	}
	st.etinaChecked = true
	if st.pusiCount == 0 {
		st.etinaCandidate = true
		st.etinaPipeline = etina.New(&etinaSink{pid: pid, scanner: s})
	}
}

type mpeSink struct {
	pid     uint16
	scanner *Scanner
}

// mpeSectionHeaderLen and mpeSectionTrailerLen are the MPE section's
// fixed 12-byte MAC-address header and 4-byte CRC trailer surrounding
// the encapsulated IP datagram. mpeSectionLLCSNAPLen is the extra 8-byte
// LLC/SNAP header (ETSI EN 301 192) inserted ahead of the IP datagram
// when the LLC_SNAP_flag (bit 3 of section byte 1) is set.
const (
	mpeSectionHeaderLen  = 12
	mpeSectionLLCSNAPLen = 8
	mpeSectionTrailerLen = 4

	mpeLLCSNAPFlagByte = 1
	mpeLLCSNAPFlagBit  = 0x08
)

func (m *mpeSink) OnSection(section []byte) {
	if len(section) <= mpeLLCSNAPFlagByte {
		return
	}
	ipOffset := mpeSectionHeaderLen
	if section[mpeLLCSNAPFlagByte]&mpeLLCSNAPFlagBit != 0 {
		ipOffset = mpeSectionHeaderLen + mpeSectionLLCSNAPLen
	}
	if len(section) < ipOffset+mpeSectionTrailerLen {
		return
	}
	ip := section[ipOffset : len(section)-mpeSectionTrailerLen]
	if len(ip) < 20 {
		return
	}
	m.scanner.onIPPacket(m.pid, ip)
}

func (s *Scanner) onIPPacket(pid uint16, ip []byte) {
	d, ok := extractDest(ip)
	if !ok {
		return
	}
	if !isMulticast(d.dstIP) {
		return
	}
	key := ensemble.StreamKey{IP: d.dstIP, Port: d.dstPort}
	if _, ok := s.streamPIDMap[key]; !ok {
		s.streamPIDMap[key] = pid
	}
	s.mgr.ProcessUDP(d.dstIP, d.dstPort, d.payload)
}

func isMulticast(ip uint32) bool {
	first := byte(ip >> 24)
	return first >= 224 && first <= 239
}

type destination struct {
	dstIP   uint32
	dstPort uint16
	payload []byte
}

func extractDest(ip []byte) (destination, bool) {
	if len(ip) < 28 || ip[0]>>4 != 4 {
		return destination{}, false
	}
	ihl := int(ip[0]&0x0F) * 4
	if ihl < 20 || ihl > len(ip) || ip[9] != 17 {
		return destination{}, false
	}
	if len(ip) < ihl+8 {
		return destination{}, false
	}
	dstIP := uint32(ip[16])<<24 | uint32(ip[17])<<16 | uint32(ip[18])<<8 | uint32(ip[19])
	udp := ip[ihl:]
	dstPort := uint16(udp[2])<<8 | uint16(udp[3])
	udpLen := int(udp[4])<<8 | int(udp[5])
	if udpLen < 8 || udpLen > len(ip)-ihl {
		return destination{}, false
	}
	return destination{dstIP: dstIP, dstPort: dstPort, payload: udp[8:udpLen]}, true
}

type etinaSink struct {
	pid     uint16
	scanner *Scanner
}

func (e *etinaSink) OnETIFrame(frame []byte) {
	st := e.scanner.pids[e.pid]
	if st == nil {
		return
	}
	if !st.etinaStreaming {
		st.etinaStreaming = true
		st.etinaCandidate = false
		e.scanner.etinaPIDs = append(e.scanner.etinaPIDs, e.pid)
	}
	if !st.etinaDetectionReported {
		st.etinaDetectionReported = true
		info := st.etinaPipeline.Info()
		det := EtiNaDetectionInfo{
			PID: e.pid, PaddingBytes: info.PaddingBytes,
			SyncBitOffset: info.SyncBitOffset, Inverted: info.Inverted,
		}
		e.scanner.etinaResults = append(e.scanner.etinaResults, det)
		e.scanner.etinaDetectionByPID[e.pid] = det
	}

	e.scanner.mgr.ProcessETIFrame(e.pid, frame)
}

// Feed consumes one chunk of raw transport-stream bytes.
func (s *Scanner) Feed(data []byte) bool {
	if s.done {
		return true
	}
	if !s.started {
		s.started = true
		s.startTime = time.Now()
	}

	s.framer.Feed(data)

	elapsed := time.Since(s.startTime)
	if elapsed >= s.timeout {
		s.done = true
		return true
	}

	mpeBasicCount := len(s.resultsMap)
	mpeCompleteCount := s.completedMPECount()
	mpeComplete := mpeBasicCount == 0 || (mpeCompleteCount > 0 && mpeCompleteCount >= mpeBasicCount)

	etinaStreamingCount := len(s.etinaPIDs)
	etinaCompleteCount := len(s.etinaEnsembles)
	etinaComplete := etinaStreamingCount == 0 || etinaCompleteCount >= etinaStreamingCount

	hasContent := mpeBasicCount > 0 || etinaStreamingCount > 0
	if hasContent && mpeComplete && etinaComplete {
		s.done = true
		return true
	}

	if elapsed >= earlyExitAfter && len(s.mpePIDs) == 0 && len(s.etinaPIDs) == 0 && len(s.resultsMap) == 0 {
		s.done = true
		return true
	}

	return false
}

func (s *Scanner) completedMPECount() int {
	count := 0
	for key := range s.resultsMap {
		if s.mgr.IsComplete(key) {
			count++
		}
	}
	return count
}

// Results returns every discovered ensemble seen so far.
func (s *Scanner) Results() []DiscoveredEnsemble {
	out := make([]DiscoveredEnsemble, 0, len(s.resultsMap)+len(s.etinaEnsembles))
	for _, e := range s.resultsMap {
		out = append(out, e)
	}
	for _, e := range s.etinaEnsembles {
		out = append(out, e)
	}
	return out
}

// IsDone reports whether the scan has finished (timeout, convergence, or
// early exit for a non-DAB stream).
func (s *Scanner) IsDone() bool { return s.done }

// HadTraffic reports whether any valid transport-stream packet was seen.
func (s *Scanner) HadTraffic() bool { return s.totalPackets > 0 }

// MPEPids returns the PIDs classified as carrying MPE sections.
func (s *Scanner) MPEPids() []uint16 { return append([]uint16(nil), s.mpePIDs...) }

// EtiNaResults returns the bit-recovery parameters for each ETI-NA PID
// that produced at least one ETI-NI frame.
func (s *Scanner) EtiNaResults() []EtiNaDetectionInfo {
	return append([]EtiNaDetectionInfo(nil), s.etinaResults...)
}
