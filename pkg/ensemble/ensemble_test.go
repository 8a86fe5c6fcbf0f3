package ensemble

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/k-danil/dvbdab/pkg/crc"
	"github.com/k-danil/dvbdab/pkg/eti"
	"github.com/k-danil/dvbdab/pkg/fic"
)

func fib(figs ...[]byte) []byte {
	buf := make([]byte, 0, 32)
	for _, f := range figs {
		buf = append(buf, f...)
	}
	for len(buf) < 30 {
		buf = append(buf, 0xFF)
	}
	c := crc.CCITT16(buf[:30])
	return append(buf, byte(c>>8), byte(c))
}

func figHeader(figType, length int) byte { return byte(figType&0x07)<<5 | byte(length&0x1F) }

func fig0_2(sid uint16, subchid int) []byte {
	body := []byte{0x02, byte(sid >> 8), byte(sid), 0x01, 63, byte(subchid<<2) | 0x02}
	return append([]byte{figHeader(0, len(body))}, body...)
}

func fig1_0(eid uint16, label string) []byte {
	lbl := make([]byte, 16)
	copy(lbl, label)
	body := append([]byte{0x00, byte(eid >> 8), byte(eid)}, lbl...)
	return append([]byte{figHeader(1, len(body))}, body...)
}

func fig1_1(sid uint16, label string) []byte {
	lbl := make([]byte, 16)
	copy(lbl, label)
	body := append([]byte{0x01, byte(sid >> 8), byte(sid)}, lbl...)
	return append([]byte{figHeader(1, len(body))}, body...)
}

// buildETIFrame constructs a minimal 6144-byte ETI-NI frame whose FIC
// section repeats a single 32-byte FIB, for feeding directly through
// ProcessETIFrame.
func buildETIFrame(mid int, fib32 []byte) []byte {
	frame := make([]byte, 6144)
	const fct = 0
	sync := eti.SyncBytesFor(fct)
	copy(frame[0:4], sync[:])
	frame[4] = fct
	frame[5] = 0x80 // ficf=1, nst=0
	ficLen := 96
	if mid == 3 {
		ficLen = 128
	}
	fpMidFl := (mid & 0x03) << 11
	frame[6] = byte(fpMidFl >> 8)
	frame[7] = byte(fpMidFl)

	fic := make([]byte, ficLen)
	for off := 0; off+32 <= ficLen; off += 32 {
		copy(fic[off:], fib32)
	}
	// With nst=0 the FIC follows the 4-byte EOH at byte 12.
	copy(frame[12:12+ficLen], fic)
	return frame
}

func TestProcessETIFrameFiresBasicReadyOnceAcrossRepeatedFrames(t *testing.T) {
	frame := buildETIFrame(0, fib(fig0_2(0x1000, 3)))

	var basicReadyCount int
	m := New(WithBasicReadyCallback(func(key StreamKey, ens fic.DABEnsemble) {
		basicReadyCount++
	}))

	for i := 0; i < 10; i++ {
		m.ProcessETIFrame(101, frame)
	}
	if basicReadyCount != 1 {
		t.Fatalf("expected exactly 1 basic-ready event, got %d", basicReadyCount)
	}
}

func TestProcessETIFrameFiresCompleteOnceThenSubchannelChange(t *testing.T) {
	labelledFrame := buildETIFrame(0, fib(fig0_2(0x1000, 3)))
	labelledFrame2 := buildETIFrame(0, fib(fig1_0(0x9000, "Ensemble")))
	labelledFrame3 := buildETIFrame(0, fib(fig1_1(0x1000, "Service")))

	var completeCount int
	var changeCount int
	var lastChanges []SubchannelChange
	m := New(
		WithCompleteCallback(func(key StreamKey, ens fic.DABEnsemble) { completeCount++ }),
		WithSubchannelChangeCallback(func(key StreamKey, changes []SubchannelChange) {
			changeCount++
			lastChanges = changes
		}),
	)

	// Feed enough repeated frames across the three FIBs so the FIC
	// parser's per-frame stability gates settle to "complete".
	for i := 0; i < 12; i++ {
		m.ProcessETIFrame(202, labelledFrame)
		m.ProcessETIFrame(202, labelledFrame2)
		m.ProcessETIFrame(202, labelledFrame3)
	}
	require.Equal(t, 1, completeCount)

	// Now change the service's sub-channel and re-settle; a subchannel
	// change must be reported exactly once for the transition.
	movedFrame := buildETIFrame(0, fib(fig0_2(0x1000, 7)))
	for i := 0; i < 12; i++ {
		m.ProcessETIFrame(202, movedFrame)
		m.ProcessETIFrame(202, labelledFrame2)
		m.ProcessETIFrame(202, labelledFrame3)
	}
	if changeCount != 1 {
		t.Fatalf("expected exactly 1 subchannel-change event after moving service 0x1000, got %d", changeCount)
	}
	found := false
	for _, c := range lastChanges {
		if c.SID == 0x1000 && c.New == 7 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a change entry for SID 0x1000 -> subchannel 7, got %+v", lastChanges)
	}
}

func TestOnETIFiresAfterBasicReadyGate(t *testing.T) {
	frame := buildETIFrame(0, fib(fig0_2(0x1000, 3)))

	var events []string
	m := New(
		WithBasicReadyCallback(func(key StreamKey, ens fic.DABEnsemble) {
			events = append(events, "basicReady")
		}),
		WithETICallback(func(key StreamKey, frame []byte, dflc int) {
			events = append(events, "eti")
		}),
	)

	for i := 0; i < 10; i++ {
		m.ProcessETIFrame(303, frame)
	}

	require.NotEmpty(t, events)
	basicReadyIdx, etiIdx := -1, -1
	for i, e := range events {
		if e == "basicReady" && basicReadyIdx == -1 {
			basicReadyIdx = i
		}
		if e == "eti" && etiIdx == -1 {
			etiIdx = i
		}
	}
	require.GreaterOrEqual(t, basicReadyIdx, 0)
	require.GreaterOrEqual(t, etiIdx, 0)
	require.Less(t, basicReadyIdx, etiIdx, "onBasicReady must fire before the first onETI, got order %v", events)
}

func TestOnCompleteRefiresAfterLateArrivingServiceSettles(t *testing.T) {
	labelledFrame := buildETIFrame(0, fib(fig0_2(0x1000, 3)))
	ensembleFrame := buildETIFrame(0, fib(fig1_0(0x9000, "Ensemble")))
	serviceFrame := buildETIFrame(0, fib(fig1_1(0x1000, "Service")))

	var completeCount int
	m := New(WithCompleteCallback(func(key StreamKey, ens fic.DABEnsemble) { completeCount++ }))

	for i := 0; i < 12; i++ {
		m.ProcessETIFrame(404, labelledFrame)
		m.ProcessETIFrame(404, ensembleFrame)
		m.ProcessETIFrame(404, serviceFrame)
	}
	require.Equal(t, 1, completeCount)
	require.True(t, m.IsComplete(StreamKey{PID: 404, IsPID: true}))

	// A second, unlabelled service arrives: completeness must drop.
	unlabelledService := buildETIFrame(0, fib(fig0_2(0x1000, 3), fig0_2(0x2000, 5)))
	for i := 0; i < 12; i++ {
		m.ProcessETIFrame(404, unlabelledService)
		m.ProcessETIFrame(404, ensembleFrame)
		m.ProcessETIFrame(404, serviceFrame)
	}
	require.False(t, m.IsComplete(StreamKey{PID: 404, IsPID: true}))
	require.Equal(t, 1, completeCount, "must not re-fire onComplete while incomplete")

	// Once the new service is labelled too, completeness settles again
	// and onComplete must fire a second time for the new transition.
	secondServiceFrame := buildETIFrame(0, fib(fig1_1(0x2000, "Second Service")))
	for i := 0; i < 12; i++ {
		m.ProcessETIFrame(404, unlabelledService)
		m.ProcessETIFrame(404, ensembleFrame)
		m.ProcessETIFrame(404, serviceFrame)
		m.ProcessETIFrame(404, secondServiceFrame)
	}
	require.True(t, m.IsComplete(StreamKey{PID: 404, IsPID: true}))
	require.Equal(t, 2, completeCount, "expected a second onComplete after the late service settled")
}

func TestProcessUDPRoutesByStreamKey(t *testing.T) {
	m := New()
	// Malformed EDI payload: neither PF nor AF magic. Must not panic and
	// must not create visible completeness for an unrelated key.
	m.ProcessUDP(0x0A000001, 12000, []byte{0x00, 0x00})
	require.False(t, m.IsComplete(StreamKey{IP: 0x0A000001, Port: 12000}))
}

func TestAllCompleteFalseWhenNoStreams(t *testing.T) {
	m := New()
	require.False(t, m.AllComplete())
}
