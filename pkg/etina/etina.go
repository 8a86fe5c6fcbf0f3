// Package etina recovers canonical ETI-NI frames from an ETI-NA
// (Network Adaptation, E1/G.704-framed) byte stream whose byte boundary,
// bit alignment and polarity relative to the E1 frame are all unknown at
// the start. Grounded on
// original_source/src/parsers/eti_na_detector.{hpp,cpp}, restructured from
// its explicit Phase enum and member-variable bookkeeping into a small
// internal state machine over an owned byte slice, per spec.md §9's
// "pointer + length" to "owned vectors accessed through typed cursors"
// design note.
package etina

import "github.com/k-danil/dvbdab/pkg/eti"

const (
	frameSize             = 32 // one E1/G.704 frame
	syncInterval          = 64 // sync byte recurs every two frames
	syncSamples           = 8
	syncScanWindow        = 1024
	offsetSampleCount     = 5
	failureBufferBytes    = 8192
	failureDropBytes      = 4096
	abandonBufferBytes    = 16 * 1024
	framesInBlock         = 8
	blocksInSuperblock    = 8
	superblocksInMultifr  = 3
	framesInMultiframe    = framesInBlock * blocksInSuperblock * superblocksInMultifr
	interleaveRows        = 8
	interleaveCols        = 240
)

type phase int

const (
	phaseOffsetDetect phase = iota
	phaseSyncSearch
	phaseMultiframeSync
	phaseStreaming
	phaseFailed
)

// DetectionInfo reports the parameters this pipeline discovered, exposed
// to the TS scanner for its DiscoveredEnsemble/EtiNaDetectionInfo output.
type DetectionInfo struct {
	PaddingBytes  int
	SyncBitOffset int
	Inverted      bool
}

// Sink receives synthesized ETI-NI frames.
type Sink interface {
	OnETIFrame(frame []byte)
}

// Pipeline recovers ETI-NI frames from one PID's raw ETI-NA byte stream.
type Pipeline struct {
	sink Sink

	ph phase

	// offset detection
	paddingSamples []int
	paddingOffset  int

	// sync search
	raw      []byte
	searched int // bytes fed to the sync search so far

	// once synced
	bitOffset int
	inverted  bool
	evenFrame bool

	// normalized, frame-aligned bytes waiting to fill a multiframe
	norm []byte

	info DetectionInfo
}

// New builds a Pipeline delivering recovered ETI-NI frames to sink.
func New(sink Sink) *Pipeline {
	return &Pipeline{sink: sink}
}

// Reset returns the pipeline to its initial offset-detection phase.
func (p *Pipeline) Reset() {
	*p = Pipeline{sink: p.sink}
}

// Info returns the detection parameters discovered so far.
func (p *Pipeline) Info() DetectionInfo { return p.info }

// Failed reports whether this PID has been abandoned as a non-ETI-NA
// source: more than 16 KiB fed to the sync search without finding sync,
// or more than 16 KiB buffered after sync without a multiframe to emit.
func (p *Pipeline) Failed() bool { return p.ph == phaseFailed }

// Feed consumes one TS payload of raw ETI-NA bytes.
func (p *Pipeline) Feed(payload []byte) {
	if p.ph == phaseFailed || len(payload) == 0 {
		return
	}

	if p.ph == phaseOffsetDetect {
		p.observePadding(payload)
		if len(p.paddingSamples) < offsetSampleCount {
			return
		}
		p.paddingOffset = minInt(p.paddingSamples)
		p.info.PaddingBytes = p.paddingOffset
		p.ph = phaseSyncSearch
	}

	sliced := payload
	if p.paddingOffset > 0 && p.paddingOffset <= len(sliced) {
		sliced = sliced[p.paddingOffset:]
	}

	if p.ph == phaseSyncSearch {
		p.raw = append(p.raw, sliced...)
		p.searched += len(sliced)
		if !p.trySync() {
			if p.searched > abandonBufferBytes {
				p.ph = phaseFailed
			} else if len(p.raw) > failureBufferBytes {
				p.raw = append([]byte(nil), p.raw[failureDropBytes:]...)
			}
			return
		}
		// trySync has already normalized p.raw, this payload included,
		// into p.norm.
		p.ph = phaseMultiframeSync
	} else {
		// Already synced: normalize incoming bytes with the discovered
		// bit-offset/polarity and accumulate towards the next multiframe.
		p.appendNormalized(sliced)
	}

	if p.ph == phaseMultiframeSync {
		off, ok := findMultiframeSync(p.norm)
		if !ok {
			if len(p.norm) > abandonBufferBytes {
				p.ph = phaseFailed
			}
			return
		}
		p.norm = p.norm[off:]
		p.ph = phaseStreaming
	}

	for len(p.norm) >= framesInMultiframe*frameSize {
		mf := p.norm[:framesInMultiframe*frameSize]
		p.norm = p.norm[framesInMultiframe*frameSize:]
		deint := deinterleave(mf)
		frame := p.synthesize(deint)
		p.sink.OnETIFrame(frame)
	}

	if len(p.norm) > abandonBufferBytes {
		p.ph = phaseFailed
	}
}

func (p *Pipeline) observePadding(payload []byte) {
	count := 0
	for _, b := range payload {
		if b != 0xFF {
			break
		}
		count++
	}
	p.paddingSamples = append(p.paddingSamples, count)
}

func minInt(vs []int) int {
	m := vs[0]
	for _, v := range vs[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// normalizeByte reads a bit-shifted byte at position i of buf: a
// rotate-left by bitOffset with the carried-in bits taken from buf[i+1],
// per spec.md §4.6 stage 2.
func normalizeByte(buf []byte, i, bitOffset int) byte {
	if bitOffset == 0 {
		return buf[i]
	}
	hi := buf[i] << uint(bitOffset)
	var lo byte
	if i+1 < len(buf) {
		lo = buf[i+1] >> uint(8-bitOffset)
	}
	return hi | lo
}

// trySync scans p.raw for a (bitOffset, inverted) pair whose sync-masked
// byte matches 0x1B every syncInterval bytes for syncSamples consecutive
// occurrences, starting within the first syncScanWindow positions.
func (p *Pipeline) trySync() bool {
	limit := len(p.raw) - syncInterval*(syncSamples-1) - 1
	if limit <= 0 {
		return false
	}
	if limit > syncScanWindow {
		limit = syncScanWindow
	}

	for bitOffset := 0; bitOffset < 8; bitOffset++ {
		for _, inverted := range [2]bool{false, true} {
			for start := 0; start < limit; start++ {
				if matchesSyncPattern(p.raw, start, bitOffset, inverted) {
					p.bitOffset = bitOffset
					p.inverted = inverted
					p.info.SyncBitOffset = bitOffset
					p.info.Inverted = inverted
					p.appendNormalized(p.raw[start:])
					p.raw = nil
					return true
				}
			}
		}
	}
	return false
}

func matchesSyncPattern(buf []byte, start, bitOffset int, inverted bool) bool {
	for s := 0; s < syncSamples; s++ {
		i := start + s*syncInterval
		if i+1 >= len(buf) {
			return false
		}
		b := normalizeByte(buf, i, bitOffset)
		if inverted {
			b ^= 0xFF
		}
		if b&0x7F != 0x1B {
			return false
		}
	}
	return true
}

func (p *Pipeline) appendNormalized(buf []byte) {
	for i := 0; i < len(buf); i++ {
		b := normalizeByte(buf, i, p.bitOffset)
		if p.inverted {
			b ^= 0xFF
		}
		p.norm = append(p.norm, b)
	}
}

// findMultiframeSync looks for a frame offset (in frames, i.e. multiples
// of 32 bytes) where the management byte of the first frame of block b of
// the first superblock encodes block_number==b and superblock_number==0,
// for every b in [0,8).
func findMultiframeSync(norm []byte) (byteOffset int, ok bool) {
	maxFrameOffset := len(norm)/frameSize - framesInBlock*framesInBlock
	if maxFrameOffset <= 0 {
		return 0, false
	}
	for fo := 0; fo < maxFrameOffset; fo++ {
		match := true
		for b := 0; b < framesInBlock; b++ {
			frameIdx := fo + b*framesInBlock
			mgmt := norm[frameIdx*frameSize+1]
			blockNumber := int(mgmt>>5) & 0x07
			superblockNumber := int(mgmt>>3) & 0x03
			if blockNumber != b || superblockNumber != 0 {
				match = false
				break
			}
		}
		if match {
			return fo * frameSize, true
		}
	}
	return 0, false
}

// deinterleave builds the contiguous 8x240x3 byte buffer for one
// multiframe (192 32-byte frames), skipping the management byte at every
// 16-byte boundary within each superblock, per spec.md §4.6 stage 4.
func deinterleave(mf []byte) []byte {
	out := make([]byte, interleaveRows*interleaveCols*superblocksInMultifr)
	for sb := 0; sb < superblocksInMultifr; sb++ {
		sbBytes := mf[sb*blocksInSuperblock*framesInBlock*frameSize : (sb+1)*blocksInSuperblock*framesInBlock*frameSize]
		outBase := sb * interleaveRows * interleaveCols

		inPtr := 0
		for col := 0; col < interleaveCols; col++ {
			for row := 0; row < interleaveRows; row++ {
				for inPtr%16 == 0 {
					inPtr++ // skip management byte
				}
				if inPtr >= len(sbBytes) {
					continue
				}
				out[outBase+col+row*interleaveCols] = sbBytes[inPtr]
				inPtr++
			}
		}
	}
	return out
}

// synthesize builds one canonical ETI-NI frame from a deinterleaved
// multiframe buffer, per spec.md §4.6 stage 5.
func (p *Pipeline) synthesize(deint []byte) []byte {
	frame := make([]byte, eti.FrameSize)

	var sync uint32
	if p.evenFrame {
		sync = eti.FSYNC0
	} else {
		sync = eti.FSYNC1
	}
	p.evenFrame = !p.evenFrame
	frame[0] = byte(sync)
	frame[1] = byte(sync >> 8)
	frame[2] = byte(sync >> 16)
	frame[3] = byte(sync >> 24)

	typeBit := (deint[30] >> 1) & 1
	maxRead := 235
	if typeBit == 1 {
		maxRead = 226
	}

	pos := 4
	for sb := 0; sb < superblocksInMultifr; sb++ {
		base := sb * interleaveRows * interleaveCols
		for row := 0; row < interleaveRows; row++ {
			rowBytes := deint[base+row*interleaveCols : base+(row+1)*interleaveCols]
			if row < 2 {
				// Rows 0 and 1 of each superblock carry a management byte
				// at the start of every 30-byte segment, skipped here
				// before its 29 data bytes are copied; the
				// final segment truncates to whatever is left under
				// maxRead, per eti_na_detector.cpp's outputEtiNi
				// read_ptr/to_read bookkeeping.
				readPtr := 0
				for readPtr < maxRead {
					toRead := 29
					if readPtr+toRead > maxRead {
						toRead = maxRead - readPtr - 1
					}
					readPtr++ // skip management byte
					pos += copy(frame[pos:], rowBytes[readPtr:readPtr+toRead])
					readPtr += toRead
					if pos >= len(frame) {
						break
					}
				}
			} else {
				n := maxRead
				if n > len(rowBytes) {
					n = len(rowBytes)
				}
				pos += copy(frame[pos:], rowBytes[:n])
			}
			if pos >= len(frame) {
				break
			}
		}
	}

	for ; pos < len(frame); pos++ {
		frame[pos] = eti.PadByte
	}

	return frame
}
