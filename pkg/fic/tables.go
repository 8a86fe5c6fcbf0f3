package fic

// uepBitrates is the EN 300 401 UEP bit-rate table indexed by the
// short-form sub-channel-organization table index (FIG 0/1). Carried
// verbatim from original_source/src/dab_parser.cpp's uep_bitrates[],
// since spec.md §4.8 names the table but the distillation doesn't spell
// out its contents (see SPEC_FULL.md's "UEP/EEP bitrate tables" note).
var uepBitrates = [64]int{
	32, 32, 32, 32, 32,
	48, 48, 48, 48, 48,
	56, 56, 56, 56,
	64, 64, 64, 64, 64,
	80, 80, 80, 80, 80,
	96, 96, 96, 96, 96,
	112, 112, 112, 112,
	128, 128, 128, 128, 128,
	160, 160, 160, 160, 160,
	192, 192, 192, 192, 192,
	224, 224, 224, 224, 224,
	256, 256, 256, 256, 256,
	320, 320, 320, 320,
	384, 384,
}

// eepDivisor maps a packed protection-level index (option*4+protlvl, 0-7,
// corresponding to EEP-1A..4A then EEP-1B..4B) to its EN 300 401
// sub-channel-size divisor.
var eepDivisor = [8]int{12, 8, 6, 4, 27, 21, 18, 15}

func eepBitrate(subchsz, protLevel int) int {
	if protLevel < 0 || protLevel >= len(eepDivisor) || eepDivisor[protLevel] == 0 {
		return 0
	}
	n := subchsz / eepDivisor[protLevel]
	return n * 8
}

// userAppNames is a small diagnostic lookup for FIG 0/13 user-application
// type codes, carried from original_source/src/dab_parser.cpp; it only
// fills UserApplication.UAName and feeds no further processing, matching
// spec.md §9's note that FIG 0/13 records aren't consumed by the core.
var userAppNames = map[int]string{
	0x002: "SlideShow",
	0x007: "EPG",
	0x44a: "Journaline",
}
