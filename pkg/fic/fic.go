// Package fic decodes the Fast Information Channel from ETI-NI frames
// and builds the DAB ensemble/service catalog. Grounded on
// original_source/src/dab_parser.cpp's DABParser (process_eti_frame,
// process_fic, process_fib, process_fig_0/_1, build_ensemble), adapted
// from its pointer-arithmetic FIG-type extraction (fig_type read from
// the byte just before the passed pointer) into an explicit header byte
// argument, and from its C++ member-map bookkeeping into Go maps keyed
// the same way. The FIB's FIG-by-FIG walk uses astikit.BytesIterator,
// the cursor type github.com/k-danil/go-astits uses for its own
// section-by-section PSI walks.
package fic

import (
	"bytes"
	"sort"

	"github.com/asticode/go-astikit"

	"github.com/k-danil/dvbdab/pkg/crc"
	"github.com/k-danil/dvbdab/pkg/eti"
)

const (
	basicReadyStableFrames = 3
	completeStableFrames   = 10

	maxSubchannels = 256
	maxServices    = 2048
)

// Subchannel is the decoded FIG 0/1 organization plus FIG 0/2 codec type
// for one sub-channel slot.
type Subchannel struct {
	ID              int
	StartAddr       int
	Size            int
	BitrateKbps     int
	ProtectionLevel int
	EEPProtection   bool
	DABPlus         bool
}

// ServiceInfo tracks one service's SID-to-subchannel mapping and label as
// they are discovered across FIC frames.
type ServiceInfo struct {
	SID            uint32
	PrimarySubch   int
	SecondarySubch int
}

// ComponentGlobalDefinition records a FIG 0/8 entry (recorded per
// spec.md §4.8, not consumed by the core itself).
type ComponentGlobalDefinition struct {
	SID        uint32
	SCIdS      int
	SubChannel int
	IsLongForm bool
	SCId       int
}

// UserApplication records one FIG 0/13 entry.
type UserApplication struct {
	SID     uint32
	UAType  int
	UAName  string
}

// PacketModeAssignment records a FIG 0/3 SCId->SubChId mapping.
type PacketModeAssignment struct {
	SCId       int
	SubChannel int
}

// DABService is one published, sorted-by-SID ensemble member.
type DABService struct {
	SID              uint32
	Label            string
	BitrateKbps      int
	SubchannelID     int
	StartAddr        int
	SubchannelSize   int
	DABPlus          bool
	ProtectionLevel  int
	EEPProtection    bool
}

// DABEnsemble is a published snapshot of the discovered ensemble.
type DABEnsemble struct {
	EID      uint16
	Label    string
	Services []DABService

	ComponentGlobalDefs  []ComponentGlobalDefinition
	UserApplications     []UserApplication
	PacketModeAssignments []PacketModeAssignment
}

// Parser accumulates FIC knowledge across ETI-NI frames for one stream.
type Parser struct {
	eid          uint16
	haveEID      bool
	ensembleLbl  string
	haveEnsLabel bool

	subchannels map[int]*Subchannel
	services    map[uint32]*ServiceInfo
	labels      map[uint32]string

	componentDefs []ComponentGlobalDefinition
	userApps      []UserApplication
	packetMode    []PacketModeAssignment

	lastBasicCount   int
	basicStableCount int

	lastServiceCount int
	completeStable   int
}

// New builds an empty FIC parser.
func New() *Parser {
	return &Parser{
		subchannels: make(map[int]*Subchannel),
		services:    make(map[uint32]*ServiceInfo),
		labels:      make(map[uint32]string),
	}
}

// Reset discards all accumulated FIC state.
func (p *Parser) Reset() {
	*p = *New()
}

// ProcessFrame parses one ETI-NI frame's FIC content, if present.
func (p *Parser) ProcessFrame(frame []byte) {
	if len(frame) < 8 {
		return
	}
	sync := frame[0:4]
	if !bytes.Equal(sync, eti.SyncBytesEven[:]) && !bytes.Equal(sync, eti.SyncBytesOdd[:]) {
		return
	}
	ficf := frame[5]&0x80 != 0
	if !ficf {
		return
	}
	nst := int(frame[5] & 0x7F)
	fpMidFl := int(frame[6])<<8 | int(frame[7])
	mid := (fpMidFl >> 11) & 0x03

	stcEnd := 8 + nst*4 + 4 // STC block plus 4-byte EOH
	ficLen := 96
	if mid == 3 {
		ficLen = 128
	}
	if stcEnd+ficLen > len(frame) {
		return
	}
	p.processFIC(frame[stcEnd : stcEnd+ficLen])
}

func (p *Parser) processFIC(fic []byte) {
	for off := 0; off+32 <= len(fic); off += 32 {
		p.processFIB(fic[off : off+32])
	}
}

func (p *Parser) processFIB(fib []byte) {
	data := fib[:30]
	want := uint16(fib[30])<<8 | uint16(fib[31])
	if crc.CCITT16(data) != want {
		return
	}
	it := astikit.NewBytesIterator(data)
	for it.HasBytesLeft() {
		hdr, err := it.NextByte()
		if err != nil || hdr == 0xFF {
			return
		}
		figLen := int(hdr & 0x1F)
		body, err := it.NextBytesNoCopy(figLen)
		if err != nil || len(body) < figLen {
			return
		}
		p.processFIG(hdr, body)
	}
}

func (p *Parser) processFIG(hdr byte, body []byte) {
	if len(body) == 0 {
		return
	}
	figType := (hdr >> 5) & 0x07
	ext := int(body[0] & 0x1F)
	pd := body[0]&0x20 != 0

	switch figType {
	case 0:
		p.processFIG0(ext, pd, body[1:])
	case 1:
		p.processFIG1(ext, body[1:])
	}
}

func (p *Parser) processFIG0(ext int, pd bool, body []byte) {
	switch ext {
	case 0:
		if len(body) >= 2 {
			p.eid = uint16(body[0])<<8 | uint16(body[1])
			p.haveEID = true
		}
	case 1:
		p.processFIG0_1(body)
	case 2:
		p.processFIG0_2(pd, body)
	case 3:
		p.processFIG0_3(body)
	case 8:
		p.processFIG0_8(pd, body)
	case 13:
		p.processFIG0_13(pd, body)
	}
}

func (p *Parser) processFIG0_1(body []byte) {
	pos := 0
	for pos+3 <= len(body) {
		subchid := int(body[pos]>>2) & 0x3F
		startAddr := (int(body[pos]&0x03) << 8) | int(body[pos+1])
		form := body[pos+2] & 0x80 != 0

		sc := p.subchannels[subchid]
		if sc == nil {
			sc = &Subchannel{ID: subchid}
			if len(p.subchannels) < maxSubchannels {
				p.subchannels[subchid] = sc
			}
		}
		sc.StartAddr = startAddr

		if !form {
			// short form
			if pos+3 > len(body) {
				return
			}
			tableIndex := int(body[pos+2] & 0x3F)
			if tableIndex < len(uepBitrates) {
				sc.BitrateKbps = uepBitrates[tableIndex]
			}
			sc.EEPProtection = false
			pos += 3
		} else {
			if pos+4 > len(body) {
				return
			}
			option := int(body[pos+2]>>4) & 0x07
			protLvl := int(body[pos+2]>>2) & 0x03
			subchsz := (int(body[pos+2]&0x03) << 8) | int(body[pos+3])
			packed := protLvl
			if option != 0 {
				packed += 4
			}
			sc.ProtectionLevel = packed
			sc.BitrateKbps = eepBitrate(subchsz, packed)
			sc.Size = subchsz
			sc.EEPProtection = true
			pos += 4
		}
	}
}

func (p *Parser) processFIG0_2(pd bool, body []byte) {
	pos := 0
	sidLen := 2
	if pd {
		sidLen = 4
	}
	for pos+sidLen+1 <= len(body) {
		var sid uint32
		if pd {
			sid = uint32(body[pos])<<24 | uint32(body[pos+1])<<16 | uint32(body[pos+2])<<8 | uint32(body[pos+3])
		} else {
			sid = uint32(body[pos])<<8 | uint32(body[pos+1])
		}
		pos += sidLen
		if pos >= len(body) {
			return
		}
		numComponents := int(body[pos] & 0x0F)
		pos++

		info := p.services[sid]
		if info == nil {
			info = &ServiceInfo{SID: sid, PrimarySubch: -1, SecondarySubch: -1}
		}

		for c := 0; c < numComponents && pos+2 <= len(body); c++ {
			tmid := int(body[pos]>>6) & 0x03
			switch tmid {
			case 0:
				ascty := int(body[pos] & 0x3F)
				subchid := int(body[pos+1]>>2) & 0x3F
				primary := body[pos+1]&0x02 != 0
				sc := p.subchannels[subchid]
				if sc == nil {
					sc = &Subchannel{ID: subchid}
					if len(p.subchannels) < maxSubchannels {
						p.subchannels[subchid] = sc
					}
				}
				sc.DABPlus = ascty == 63
				if primary {
					info.PrimarySubch = subchid
				} else if info.SecondarySubch < 0 {
					info.SecondarySubch = subchid
				}
			case 1:
				subchid := int(body[pos+1]>>2) & 0x3F
				primary := body[pos+1]&0x02 != 0
				if primary {
					info.PrimarySubch = subchid
				}
			}
			pos += 2
		}

		if info.PrimarySubch >= 0 && len(p.services) < maxServices {
			p.services[sid] = info
		}
	}
}

func (p *Parser) processFIG0_3(body []byte) {
	for pos := 0; pos+5 <= len(body); pos += 5 {
		scid := int(body[pos])<<4 | int(body[pos+1])>>4
		subchid := int(body[pos+2]) & 0x3F
		p.packetMode = append(p.packetMode, PacketModeAssignment{SCId: scid, SubChannel: subchid})
	}
}

func (p *Parser) processFIG0_8(pd bool, body []byte) {
	if len(body) < 2 {
		return
	}
	sidLen := 2
	if pd {
		sidLen = 4
	}
	if len(body) < sidLen+1 {
		return
	}
	var sid uint32
	if pd {
		sid = uint32(body[0])<<24 | uint32(body[1])<<16 | uint32(body[2])<<8 | uint32(body[3])
	} else {
		sid = uint32(body[0])<<8 | uint32(body[1])
	}
	scids := int(body[sidLen]>>4) & 0x0F
	extFlag := body[sidLen]&0x08 != 0
	pos := sidLen + 1
	def := ComponentGlobalDefinition{SID: sid, SCIdS: scids}
	if extFlag && pos < len(body) {
		def.IsLongForm = true
		def.SCId = int(body[pos])
	} else if pos+1 < len(body) {
		def.SubChannel = int(body[pos]) & 0x3F
	}
	p.componentDefs = append(p.componentDefs, def)
}

func (p *Parser) processFIG0_13(pd bool, body []byte) {
	sidLen := 2
	if pd {
		sidLen = 4
	}
	if len(body) < sidLen+1 {
		return
	}
	var sid uint32
	if pd {
		sid = uint32(body[0])<<24 | uint32(body[1])<<16 | uint32(body[2])<<8 | uint32(body[3])
	} else {
		sid = uint32(body[0])<<8 | uint32(body[1])
	}
	numApps := int(body[sidLen])
	pos := sidLen + 1
	for i := 0; i < numApps && pos+2 <= len(body); i++ {
		uaField := uint16(body[pos])<<8 | uint16(body[pos+1])
		uaType := int(uaField >> 5)
		uaLen := int(uaField & 0x1F)
		pos += 2 + uaLen
		p.userApps = append(p.userApps, UserApplication{SID: sid, UAType: uaType, UAName: userAppNames[uaType]})
	}
}

func (p *Parser) processFIG1(ext int, body []byte) {
	switch ext {
	case 0:
		if len(body) < 18 {
			return
		}
		p.eid = uint16(body[0])<<8 | uint16(body[1])
		p.haveEID = true
		p.ensembleLbl = decodeLabel(body[2:18])
		p.haveEnsLabel = true
	case 1:
		if len(body) < 18 {
			return
		}
		sid := uint32(body[0])<<8 | uint32(body[1])
		p.labels[sid] = decodeLabel(body[2:18])
	}
}

// IsBasicReady reports whether there exist services whose primary
// sub-channel is known, and this count has been stable for
// basicReadyStableFrames consecutive frames.
func (p *Parser) IsBasicReady() bool {
	count := 0
	for _, s := range p.services {
		if s.PrimarySubch >= 0 {
			count++
		}
	}
	if count == p.lastBasicCount {
		p.basicStableCount++
	} else {
		p.lastBasicCount = count
		p.basicStableCount = 1
	}
	return count > 0 && p.basicStableCount >= basicReadyStableFrames
}

// IsComplete reports whether every known service has a label, the
// ensemble label is known, and the service count has been stable for
// completeStableFrames consecutive frames.
func (p *Parser) IsComplete() bool {
	total := len(p.services)
	if total == p.lastServiceCount {
		p.completeStable++
	} else {
		p.lastServiceCount = total
		p.completeStable = 1
	}
	if total == 0 || !p.haveEnsLabel {
		return false
	}
	labelled := 0
	for sid := range p.services {
		if _, ok := p.labels[sid]; ok {
			labelled++
		}
	}
	return labelled == total && p.completeStable >= completeStableFrames
}

// Ensemble builds a published snapshot: services sorted ascending by SID.
func (p *Parser) Ensemble() DABEnsemble {
	e := DABEnsemble{
		EID:                   p.eid,
		Label:                 p.ensembleLbl,
		ComponentGlobalDefs:   append([]ComponentGlobalDefinition(nil), p.componentDefs...),
		UserApplications:      append([]UserApplication(nil), p.userApps...),
		PacketModeAssignments: append([]PacketModeAssignment(nil), p.packetMode...),
	}
	for sid, info := range p.services {
		if info.PrimarySubch < 0 {
			continue
		}
		sc := p.subchannels[info.PrimarySubch]
		svc := DABService{SID: sid, Label: p.labels[sid], SubchannelID: info.PrimarySubch}
		if sc != nil {
			svc.BitrateKbps = sc.BitrateKbps
			svc.StartAddr = sc.StartAddr
			svc.SubchannelSize = sc.Size
			svc.DABPlus = sc.DABPlus
			svc.ProtectionLevel = sc.ProtectionLevel
			svc.EEPProtection = sc.EEPProtection
		}
		e.Services = append(e.Services, svc)
	}
	sort.Slice(e.Services, func(i, j int) bool { return e.Services[i].SID < e.Services[j].SID })
	return e
}
