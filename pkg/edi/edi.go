// Package edi reconstructs AF packets from PF fragments, decodes AF tag
// packets, and synthesizes canonical ETI-NI frames for FIC parsing and
// audio processing. Grounded on original_source/src/edi_parser.cpp for
// the PF/AF/tag decode shape, with the AF header's taglength/has_crc/pt
// fields implemented literally per spec.md §4.7 rather than the
// original's offset-10 shortcut (see SPEC_FULL.md's "AF header
// validation" note) and CRC computed via pkg/crc. The tag-packet walk
// uses astikit.BytesIterator, the same cursor type
// github.com/k-danil/go-astits leans on for its PSI section walks.
package edi

import (
	"github.com/asticode/go-astikit"

	"github.com/k-danil/dvbdab/pkg/crc"
	"github.com/k-danil/dvbdab/pkg/eti"
)

const (
	maxInFlightPF = 64

	tagStarPtr = 0x2A707472
	tagDeti    = 0x64657469
	tagESTMask = 0xFFFFFF00
	tagESTBase = 0x65737400

	protoDETI = 0x44455449
)

// Sink receives synthesized ETI-NI frames together with their DFLC.
type Sink interface {
	OnETIFrame(frame []byte, dflc int)
}

type pfCollector struct {
	pseq      uint16
	fcount    int
	fragments map[int][]byte
}

type etiBuilder struct {
	isETI   bool
	fcValid bool

	fc   eti.FrameChar
	tsta int
	mnsc int
	rfu  int

	fic     []byte
	streams [64]eti.SubChannelStream
	nst     int
}

func (b *etiBuilder) reset() { *b = etiBuilder{} }

// Parser reassembles PF fragments into AF packets and decodes them into
// ETI-NI frames.
type Parser struct {
	sink Sink

	collectors    map[uint16]*pfCollector
	collectorFIFO []uint16

	builder etiBuilder
}

// New builds a Parser delivering synthesized frames to sink.
func New(sink Sink) *Parser {
	return &Parser{sink: sink, collectors: make(map[uint16]*pfCollector)}
}

// Reset discards all in-flight PF fragments and any partially-decoded
// ETI builder state.
func (p *Parser) Reset() {
	p.collectors = make(map[uint16]*pfCollector)
	p.collectorFIFO = nil
	p.builder.reset()
}

// Feed consumes one PF packet.
func (p *Parser) Feed(data []byte) {
	if len(data) < 12 || data[0] != 'P' || data[1] != 'F' {
		return
	}
	pseq := uint16(data[2])<<8 | uint16(data[3])
	findex := int(data[4])<<16 | int(data[5])<<8 | int(data[6])
	fcount := int(data[7])<<16 | int(data[8])<<8 | int(data[9])
	fecFlag := data[10]&0x80 != 0
	addrFlag := data[10]&0x40 != 0
	plen := int(data[10]&0x3F)<<8 | int(data[11])

	hdrSize := 12 + 2
	if fecFlag {
		hdrSize += 2
	}
	if addrFlag {
		hdrSize += 4
	}

	if fcount < 1 || fcount > 256 || findex >= fcount {
		return
	}
	if len(data) < hdrSize+plen {
		return
	}

	payload := data[hdrSize : hdrSize+plen]

	c, ok := p.collectors[pseq]
	if !ok || c.fcount != fcount {
		c = &pfCollector{pseq: pseq, fcount: fcount, fragments: make(map[int][]byte)}
		if _, existed := p.collectors[pseq]; !existed {
			p.evictIfNeeded()
			p.collectorFIFO = append(p.collectorFIFO, pseq)
		}
		p.collectors[pseq] = c
	}
	c.fragments[findex] = append([]byte(nil), payload...)

	if len(c.fragments) < c.fcount {
		return
	}

	af := make([]byte, 0, plen*c.fcount)
	for i := 0; i < c.fcount; i++ {
		frag, ok := c.fragments[i]
		if !ok {
			return // incomplete despite count match: malformed stream
		}
		af = append(af, frag...)
	}
	delete(p.collectors, pseq)

	p.handleAF(af)
}

func (p *Parser) evictIfNeeded() {
	if len(p.collectorFIFO) < maxInFlightPF {
		return
	}
	oldest := p.collectorFIFO[0]
	p.collectorFIFO = p.collectorFIFO[1:]
	delete(p.collectors, oldest)
}

func (p *Parser) handleAF(data []byte) {
	if len(data) < 8 || data[0] != 'A' || data[1] != 'F' {
		return
	}
	tagLength := int(data[2])<<24 | int(data[3])<<16 | int(data[4])<<8 | int(data[5])
	hasCRC := data[6]&0x80 != 0
	pt := data[7]
	if pt != 'T' {
		return
	}
	total := 8 + tagLength
	if hasCRC {
		total += 2
	}
	if total > len(data) || tagLength < 0 {
		return
	}
	if hasCRC {
		want := uint16(data[total-2])<<8 | uint16(data[total-1])
		got := crc.CCITT16(data[:total-2])
		if want != got {
			return
		}
	}

	p.builder.reset()
	p.decodeTags(data[8 : 8+tagLength])

	if p.builder.isETI && p.builder.fcValid && len(p.builder.fic) > 0 {
		p.assembleFrame()
	}
}

func (p *Parser) decodeTags(data []byte) {
	it := astikit.NewBytesIterator(data)
	for it.HasBytesLeft() {
		hdr, err := it.NextBytesNoCopy(8)
		if err != nil || len(hdr) < 8 {
			return
		}
		tagID := uint32(hdr[0])<<24 | uint32(hdr[1])<<16 | uint32(hdr[2])<<8 | uint32(hdr[3])
		tagLenBits := int(hdr[4])<<24 | int(hdr[5])<<16 | int(hdr[6])<<8 | int(hdr[7])
		tagLen := (tagLenBits + 7) / 8
		if tagLen < 0 {
			return
		}
		value, err := it.NextBytesNoCopy(tagLen)
		if err != nil || len(value) < tagLen {
			return
		}

		switch {
		case tagID == tagStarPtr:
			p.decodeStarPtr(value)
		case tagID == tagDeti:
			p.decodeDeti(value)
		case tagID&tagESTMask == tagESTBase:
			p.decodeEstN(int(tagID&0xFF), value)
		}
	}
}

func (p *Parser) decodeStarPtr(v []byte) {
	if len(v) < 8 {
		return
	}
	proto := uint32(v[0])<<24 | uint32(v[1])<<16 | uint32(v[2])<<8 | uint32(v[3])
	major := uint16(v[4])<<8 | uint16(v[5])
	minor := uint16(v[6])<<8 | uint16(v[7])
	p.builder.isETI = proto == protoDETI && major == 0 && minor == 0
}

func (p *Parser) decodeDeti(v []byte) {
	if len(v) < 6 {
		return
	}
	h := uint16(v[0])<<8 | uint16(v[1])
	b := &p.builder
	b.fc.ATSTF = h&0x8000 != 0
	b.fc.FICF = h&0x4000 != 0
	b.fc.RFUDF = h&0x2000 != 0
	b.fc.FCTH = int(h>>8) & 0x1F
	b.fc.FCT = int(h & 0xFF)
	b.fc.DFLC = b.fc.FCTH*250 + b.fc.FCT

	eh := uint32(v[2])<<24 | uint32(v[3])<<16 | uint32(v[4])<<8 | uint32(v[5])
	b.fc.FP = int(eh>>19) & 0x07
	b.fc.MID = int(eh>>22) & 0x03
	rfu := eh&0x10000 != 0
	if rfu {
		b.mnsc = 0xFFFF
	} else {
		b.mnsc = int(eh & 0xFFFF)
	}

	idx := 6
	if b.fc.ATSTF {
		if len(v) < idx+5+3 {
			return
		}
		idx += 5 // utco(1) + seconds(4)
		b.tsta = int(v[idx])<<16 | int(v[idx+1])<<8 | int(v[idx+2])
		idx += 3
	} else {
		b.tsta = 0xFFFFFF
	}

	ficLen := 0
	if b.fc.FICF {
		ficLen = eti.FICLength(b.fc.MID)
		if len(v) < idx+ficLen {
			return
		}
		b.fic = append([]byte(nil), v[idx:idx+ficLen]...)
		idx += ficLen
	}

	if b.fc.RFUDF && idx+3 <= len(v) {
		r := uint32(v[idx])<<16 | uint32(v[idx+1])<<8 | uint32(v[idx+2])
		b.rfu = int(r >> 8)
	} else {
		b.rfu = 0xFFFF
	}

	b.fcValid = true
}

func (p *Parser) decodeEstN(n int, v []byte) {
	if n < 1 || n > 64 || len(v) < 3 {
		return
	}
	sstc := uint32(v[0])<<16 | uint32(v[1])<<8 | uint32(v[2])
	scid := int(sstc>>18) & 0x3F
	sad := int(sstc>>8) & 0x3FF
	tpl := int(sstc>>2) & 0x3F
	mst := append([]byte(nil), v[3:]...)

	p.builder.streams[n-1] = eti.SubChannelStream{SCId: scid, SAd: sad, TPL: tpl, MST: mst}
	p.builder.nst++
}

func (p *Parser) assembleFrame() {
	b := &p.builder
	nst := 0
	for i := range b.streams {
		if b.streams[i].MST != nil {
			nst++
		}
	}

	sumSTL := 0
	for i := range b.streams {
		if b.streams[i].MST != nil {
			// STL counts 64-bit words; FL counts 32-bit words.
			sumSTL += 2 * b.streams[i].STL()
		}
	}
	fl := nst + 1 + len(b.fic)/4 + sumSTL
	if fl > 0x7FF {
		return // FL overflow: malformed input, drop this frame
	}

	frame := make([]byte, eti.FrameSize)
	sync := eti.SyncBytesFor(b.fc.FCT)
	copy(frame[0:4], sync[:])

	frame[4] = byte(b.fc.FCT)
	nstByte := byte(nst)
	if b.fc.FICF {
		nstByte |= 0x80
	}
	frame[5] = nstByte

	fpMidFl := (b.fc.FP&0x07)<<13 | (b.fc.MID&0x03)<<11 | (fl & 0x7FF)
	frame[6] = byte(fpMidFl >> 8)
	frame[7] = byte(fpMidFl)

	idx := 8
	for i := range b.streams {
		s := b.streams[i]
		if s.MST == nil {
			continue
		}
		stl := s.STL()
		frame[idx] = byte(s.SCId<<2) | byte(s.SAd>>8&0x03)
		frame[idx+1] = byte(s.SAd)
		frame[idx+2] = byte(s.TPL<<2) | byte(stl>>8&0x03)
		frame[idx+3] = byte(stl)
		idx += 4
	}

	frame[idx] = byte(b.mnsc >> 8)
	frame[idx+1] = byte(b.mnsc)
	eohCRC := crc.CCITT16(frame[4 : idx+2])
	frame[idx+2] = byte(eohCRC >> 8)
	frame[idx+3] = byte(eohCRC)
	idx += 4

	mstStart := idx
	idx += copy(frame[idx:], b.fic)
	for i := range b.streams {
		s := b.streams[i]
		if s.MST == nil {
			continue
		}
		idx += copy(frame[idx:], s.MST)
	}

	mstCRC := crc.CCITT16(frame[mstStart:idx])
	frame[idx] = byte(mstCRC >> 8)
	frame[idx+1] = byte(mstCRC)
	idx += 2

	frame[idx] = byte(b.rfu >> 8)
	frame[idx+1] = byte(b.rfu)
	idx += 2

	frame[idx] = byte(b.tsta >> 16)
	frame[idx+1] = byte(b.tsta >> 8)
	frame[idx+2] = byte(b.tsta)
	frame[idx+3] = 0
	idx += 4

	for ; idx < len(frame); idx++ {
		frame[idx] = eti.PadByte
	}

	p.sink.OnETIFrame(frame, b.fc.DFLC)
}
