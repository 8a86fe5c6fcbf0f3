package fic

import "golang.org/x/text/encoding/charmap"

// ebuLatinHighTable overrides the ISO-8859-1 control range (0x80-0x9F,
// undefined in Latin-1) with the EBU Latin (ETSI TS 101 756 Annex C)
// characters DAB labels actually use there. Bytes 0xA0-0xFF are left to
// charmap.ISO8859_1, which the same annex mostly agrees with for
// accented Latin characters — the approximation spec.md §4.8 explicitly
// sanctions ("may reuse ISO 8859-1 as a first approximation if the
// broadcast has no extended characters"). Unknown bytes map to space,
// per spec.md §9.
var ebuLatinHighTable = map[byte]rune{
	0x80: 'à', 0x81: 'á', 0x82: 'â', 0x83: 'ä', 0x84: 'ā', 0x85: 'æ',
	0x86: 'ç', 0x87: 'è', 0x88: 'é', 0x89: 'ê', 0x8A: 'ë', 0x8B: 'ì',
	0x8C: 'í', 0x8D: 'î', 0x8E: 'ï', 0x8F: 'ð', 0x90: 'ñ', 0x91: 'ò',
	0x92: 'ó', 0x93: 'ô', 0x94: 'ö', 0x95: 'œ', 0x96: 'ø', 0x97: 'ù',
	0x98: 'ú', 0x99: 'û', 0x9A: 'ü', 0x9B: 'ý', 0x9C: 'ÿ', 0x9D: 'ß',
}

// decodeEBULatin converts one EBU-Latin encoded byte to a rune.
func decodeEBULatin(b byte) rune {
	if b <= 0x7F {
		return rune(b)
	}
	if r, ok := ebuLatinHighTable[b]; ok {
		return r
	}
	if b >= 0xA0 {
		r := charmap.ISO8859_1.DecodeByte(b)
		if r != 0 {
			return r
		}
	}
	return ' '
}

// decodeLabel converts a fixed-width EBU-Latin label to UTF-8, trimming
// trailing spaces and NULs.
func decodeLabel(raw []byte) string {
	end := len(raw)
	for end > 0 && (raw[end-1] == 0x00 || raw[end-1] == ' ') {
		end--
	}
	runes := make([]rune, 0, end)
	for _, b := range raw[:end] {
		runes = append(runes, decodeEBULatin(b))
	}
	return string(runes)
}
