package fic

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/k-danil/dvbdab/pkg/crc"
	"github.com/k-danil/dvbdab/pkg/eti"
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
	buf = append(buf, byte(c>>8), byte(c))
	return buf
}

func figHeader(figType, length int) byte {
	return byte(figType&0x07)<<5 | byte(length&0x1F)
}

func fig0EID(eid uint16) []byte {
	body := []byte{0x00, byte(eid >> 8), byte(eid)}
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

func fig0_2(sid uint16, subchid int, primary bool, ascty int) []byte {
	comp := byte(ascty & 0x3F)
	comp2 := byte(subchid<<2) & 0xFC
	if primary {
		comp2 |= 0x02
	}
	body := []byte{0x02, byte(sid >> 8), byte(sid), 0x01, comp, comp2}
	return append([]byte{figHeader(0, len(body))}, body...)
}

// buildFrame constructs a minimal 6144-byte ETI-NI frame carrying a
// single repeated 32-byte FIB, for exercising ProcessFrame's SYNC check.
func buildFrame(sync [4]byte, fct byte, fib32 []byte) []byte {
	frame := make([]byte, 6144)
	copy(frame[0:4], sync[:])
	frame[4] = fct
	frame[5] = 0x80 // ficf=1, nst=0
	const ficLen = 96
	fic := make([]byte, ficLen)
	for off := 0; off+32 <= ficLen; off += 32 {
		copy(fic[off:], fib32)
	}
	// With nst=0 the FIC follows the 4-byte EOH at byte 12.
	copy(frame[12:12+ficLen], fic)
	return frame
}

func TestProcessFrameRejectsBadSync(t *testing.T) {
	p := New()
	frame := buildFrame([4]byte{0x00, 0x00, 0x00, 0x00}, 0, fib(fig0EID(0x1234)))
	p.ProcessFrame(frame)
	require.False(t, p.haveEID, "a frame with a corrupt SYNC word must not be parsed")
}

func TestProcessFrameAcceptsEitherValidSync(t *testing.T) {
	p := New()
	p.ProcessFrame(buildFrame(eti.SyncBytesEven, 0, fib(fig0EID(0x1234))))
	require.True(t, p.haveEID)

	p2 := New()
	p2.ProcessFrame(buildFrame(eti.SyncBytesOdd, 1, fib(fig0EID(0x5678))))
	require.True(t, p2.haveEID)
}

func TestFIBBadCRCIsIgnored(t *testing.T) {
	p := New()
	buf := fib(fig0EID(0x1234))
	buf[30] ^= 0xFF // corrupt CRC
	p.processFIB(buf)
	if p.haveEID {
		t.Fatalf("EID should not be set from a FIB with a bad CRC")
	}
}

func TestFIG0_0SetsEID(t *testing.T) {
	p := New()
	p.processFIB(fib(fig0EID(0xABCD)))
	if !p.haveEID || p.eid != 0xABCD {
		t.Fatalf("expected EID 0xABCD, got %#x (have=%v)", p.eid, p.haveEID)
	}
}

func TestFIG1_0SetsEnsembleLabel(t *testing.T) {
	p := New()
	p.processFIB(fib(fig1_0(0x1000, "Test Ensemble")))
	if !p.haveEnsLabel || p.ensembleLbl != "Test Ensemble" {
		t.Fatalf("expected label %q, got %q", "Test Ensemble", p.ensembleLbl)
	}
}

func TestFIG0_1ShortFormUEPBitrate(t *testing.T) {
	p := New()
	// subchid=5, startAddr=0, short form, table_index=10 -> 56 kbps
	body := []byte{0x01, byte(5<<2) | 0, 0x00, 0x0A}
	fig := append([]byte{figHeader(0, len(body))}, body...)
	p.processFIB(fib(fig))
	sc := p.subchannels[5]
	if sc == nil {
		t.Fatalf("expected subchannel 5 to be recorded")
	}
	if sc.BitrateKbps != 56 {
		t.Fatalf("expected 56 kbps for UEP table index 10, got %d", sc.BitrateKbps)
	}
	if sc.EEPProtection {
		t.Fatalf("short form must not be marked EEP")
	}
}

func TestFIG0_1LongFormEEPBitrate(t *testing.T) {
	p := New()
	// subchid=3, startAddr=0, long form, option=0, protlvl=0, subchsz=96
	// -> protection level packed=0, divisor 12 -> 96/12*8 = 64 kbps
	b2 := byte(0x80) // form bit
	b3 := byte(96 & 0xFF)
	body := []byte{0x01, byte(3 << 2), 0x00, b2, b3}
	fig := append([]byte{figHeader(0, len(body))}, body...)
	p.processFIB(fib(fig))
	sc := p.subchannels[3]
	if sc == nil || !sc.EEPProtection {
		t.Fatalf("expected subchannel 3 recorded as EEP")
	}
	if sc.BitrateKbps != 64 {
		t.Fatalf("expected 64 kbps, got %d", sc.BitrateKbps)
	}
}

func TestFIG0_2DABPlusDetection(t *testing.T) {
	p := New()
	p.processFIB(fib(fig0_2(0x2000, 7, true, 63)))
	sc := p.subchannels[7]
	if sc == nil || !sc.DABPlus {
		t.Fatalf("expected subchannel 7 to be flagged DAB+")
	}
	info := p.services[0x2000]
	if info == nil || info.PrimarySubch != 7 {
		t.Fatalf("expected service 0x2000 primary subchannel 7, got %+v", info)
	}
}

func TestFIG0_2NonDABPlusASCTy(t *testing.T) {
	p := New()
	p.processFIB(fib(fig0_2(0x2001, 8, true, 0)))
	sc := p.subchannels[8]
	if sc == nil || sc.DABPlus {
		t.Fatalf("ascty=0 must not be flagged DAB+")
	}
}

func TestLabelDecodeTrimsTrailingSpacesAndNulls(t *testing.T) {
	got := decodeLabel([]byte("BBC Radio 1   \x00\x00"))
	if got != "BBC Radio 1" {
		t.Fatalf("expected trimmed label, got %q", got)
	}
}

func TestBasicReadyRequiresStability(t *testing.T) {
	p := New()
	p.processFIB(fib(fig0_2(0x3000, 1, true, 63)))
	for i := 0; i < basicReadyStableFrames-1; i++ {
		if p.IsBasicReady() {
			t.Fatalf("must not be ready before %d stable frames", basicReadyStableFrames)
		}
	}
	if !p.IsBasicReady() {
		t.Fatalf("expected ready after %d stable frames", basicReadyStableFrames)
	}
}

func TestCompleteRequiresLabelsAndStability(t *testing.T) {
	p := New()
	p.processFIB(fib(fig0_2(0x4000, 1, true, 63)))
	p.processFIB(fib(fig1_0(0x9000, "Ensemble")))
	p.processFIB(fib(fig1_1(0x4000, "Service One")))

	for i := 0; i < completeStableFrames-1; i++ {
		if p.IsComplete() {
			t.Fatalf("must not be complete before %d stable frames", completeStableFrames)
		}
	}
	if !p.IsComplete() {
		t.Fatalf("expected complete after %d stable frames", completeStableFrames)
	}
}

func TestCompleteReopensOnLateArrivingService(t *testing.T) {
	p := New()
	p.processFIB(fib(fig0_2(0x4000, 1, true, 63)))
	p.processFIB(fib(fig1_0(0x9000, "Ensemble")))
	p.processFIB(fib(fig1_1(0x4000, "Service One")))
	for i := 0; i < completeStableFrames; i++ {
		p.IsComplete()
	}

	// A second service arrives without a label yet: completeness must
	// drop until it too is stable and labelled.
	p.processFIB(fib(fig0_2(0x4001, 2, true, 63)))
	if p.IsComplete() {
		t.Fatalf("must not be complete while the new service is unlabelled")
	}
}

func TestEnsembleSortsServicesBySID(t *testing.T) {
	p := New()
	p.processFIB(fib(fig0_2(0x4002, 2, true, 63)))
	p.processFIB(fib(fig0_2(0x4001, 1, true, 63)))
	e := p.Ensemble()
	require.Len(t, e.Services, 2)
	if e.Services[0].SID != 0x4001 || e.Services[1].SID != 0x4002 {
		t.Fatalf("expected services sorted ascending by SID, got %+v", e.Services)
	}
}

func TestEnsembleSnapshotMatchesExpectedShape(t *testing.T) {
	p := New()
	p.processFIB(fib(fig0EID(0x5000)))
	p.processFIB(fib(fig1_0(0x5000, "My Ensemble")))
	p.processFIB(fib(fig0_2(0x6000, 4, true, 63)))
	p.processFIB(fib(fig1_1(0x6000, "My Service")))

	got := p.Ensemble()
	want := DABEnsemble{
		EID:   0x5000,
		Label: "My Ensemble",
		Services: []DABService{
			{SID: 0x6000, Label: "My Service", SubchannelID: 4, DABPlus: true},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ensemble snapshot mismatch (-want +got):\n%s", diff)
	}
}
