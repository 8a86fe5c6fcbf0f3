// Package bbframe recovers DVB-S2 baseband frames from a pseudo-TS
// carrier and feeds their GSE content to a gse.Parser in synced mode.
// Grounded on original_source/src/sources/bbf_ts_source.cpp, adapted to
// consume already-demultiplexed TS payload (tsframer handles the real
// sync byte / PID / continuity-counter discipline that bbf_ts_source.cpp
// did for itself as a standalone source).
package bbframe

import "github.com/k-danil/dvbdab/pkg/gse"

const bbfSyncByte = 0xB8

// Extractor turns pseudo-TS payloads into BBFrame payloads and forwards
// them to an internal GSE parser.
type Extractor struct {
	buf []byte
	gse *gse.Parser
}

// New builds an Extractor whose recovered IPv4 datagrams are delivered to
// sink via an internal gse.Parser.
func New(sink gse.Sink) *Extractor {
	return &Extractor{gse: gse.New(sink)}
}

// Reset discards buffered BBFrame bytes and the inner GSE parser's state.
// Called on TS continuity discontinuity, per spec.md §9.
func (e *Extractor) Reset() {
	e.buf = e.buf[:0]
	e.gse.Reset()
}

// Feed consumes one TS payload (post sync-byte/header, as delivered by
// tsframer) carrying pseudo-TS-framed BBFrame data.
func (e *Extractor) Feed(payload []byte) {
	if len(payload) < 9 {
		return
	}
	length := int(payload[7])
	if length == 0 {
		return
	}

	if payload[8] == bbfSyncByte {
		if len(e.buf) > 0 {
			e.tryEmit()
			e.buf = e.buf[:0]
		}
		end := 8 + length
		if end > len(payload) {
			end = len(payload)
		}
		e.buf = append(e.buf[:0], payload[8:end]...)
	} else {
		if length < 1 {
			return
		}
		end := 9 + (length - 1)
		if end > len(payload) {
			end = len(payload)
		}
		if end > 9 {
			e.buf = append(e.buf, payload[9:end]...)
		}
	}

	e.tryEmit()
}

// tryEmit checks whether the accumulated BBFrame is complete (per its
// declared DFL) and, if so, feeds its payload to the GSE parser and
// clears the buffer.
func (e *Extractor) tryEmit() {
	const headerSize = 11 // 1 sync + 10 header bytes
	if len(e.buf) < headerSize {
		return
	}
	if e.buf[0] != bbfSyncByte {
		e.buf = e.buf[:0]
		return
	}
	dfl := int(e.buf[5])<<8 | int(e.buf[6])
	payloadBytes := dfl >> 3
	expected := headerSize + payloadBytes
	if len(e.buf) < expected {
		return
	}
	if payloadBytes > 0 {
		e.gse.FeedSynced(e.buf[headerSize:expected])
	}
	e.buf = e.buf[:0]
}
