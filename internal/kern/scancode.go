package kern

// Scan code translation: a pure function from controller bytes to ASCII,
// with the modifier state threaded through. The tables cover the classic
// XT set 1 make codes.

const (
	// keyUp marks a key-up event rather than a key-down event
	keyUp = 0x80

	// control codes
	scLShift = 0x2a
	scRShift = 0x36
	scLMeta  = 0x38
	scLCtl   = 0x1d
	scCapsL  = 0x3a

	// scan state flags
	inCtl    = 0x01
	inShift  = 0x02
	capsLock = 0x04
	inMeta   = 0x08

	// noChar is the out-of-band "no character" translation
	noChar = 256
)

// normal table to translate scan codes
var kbcode = [...]byte{0,
	27, '1', '2', '3', '4', '5', '6', '7', '8', '9',
	'0', '-', '=', '\b', '\t', 'q', 'w', 'e', 'r', 't',
	'y', 'u', 'i', 'o', 'p', '[', ']', '\n', 0, 'a',
	's', 'd', 'f', 'g', 'h', 'j', 'k', 'l', ';', '\'',
	'`', 0, '\\', 'z', 'x', 'c', 'v', 'b', 'n', 'm',
	',', '.', '/', 0, 0, 0, ' '}

// capitalized table to translate scan codes
var kbshift = [...]byte{0,
	0, '!', '@', '#', '$', '%', '^', '&', '*', '(',
	')', '_', '+', '\b', '\t', 'Q', 'W', 'E', 'R', 'T',
	'Y', 'U', 'I', 'O', 'P', '{', '}', '\n', 0, 'A',
	'S', 'D', 'F', 'G', 'H', 'J', 'K', 'L', ':', '"',
	'~', 0, '|', 'Z', 'X', 'C', 'V', 'B', 'N', 'M',
	'<', '>', '?', 0, 0, 0, ' '}

// control table to translate scan codes
var kbctl = [...]byte{0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 31, 0, '\b', '\t', 17, 23, 5, 18, 20,
	25, 21, 9, 15, 16, 27, 29, '\n', 0, 1,
	19, 4, 6, 7, 8, 10, 11, 12, 0, 0,
	0, 0, 28, 26, 24, 3, 22, 2, 14, 13}

// kbtoa converts a scan code to an ASCII character code, updating the scan
// state for modifier keys. Key-up events and bare modifiers yield noChar.
func kbtoa(code byte, state *uint) uint {
	if code&keyUp != 0 {
		switch code & 0x7f {
		case scLShift, scRShift:
			*state &^= inShift
		case scCapsL:
			*state &^= capsLock
		case scLCtl:
			*state &^= inCtl
		case scLMeta:
			*state &^= inMeta
		}
		return noChar
	}

	switch code {
	case scLShift, scRShift:
		*state |= inShift
		return noChar
	case scCapsL:
		*state |= capsLock
		return noChar
	case scLCtl:
		*state |= inCtl
		return noChar
	case scLMeta:
		*state |= inMeta
		return noChar
	}

	ch := uint(noChar)
	if int(code) < len(kbcode) {
		if *state&capsLock != 0 {
			ch = uint(kbshift[code])
		} else {
			ch = uint(kbcode[code])
		}
	}
	if *state&inShift != 0 {
		if int(code) >= len(kbshift) {
			return noChar
		}
		if *state&capsLock != 0 {
			ch = uint(kbcode[code])
		} else {
			ch = uint(kbshift[code])
		}
	}
	if *state&inCtl != 0 {
		if int(code) >= len(kbctl) {
			return noChar
		}
		ch = uint(kbctl[code])
	}
	if *state&inMeta != 0 {
		ch += 0x80
	}
	return ch
}

// reverse lookup for the host console: rune to make code, with or without
// shift
var scanByRune, scanByRuneShift = buildReverseTables()

func buildReverseTables() (plain, shifted map[rune]byte) {
	plain = make(map[rune]byte)
	shifted = make(map[rune]byte)
	for code, c := range kbcode {
		if c != 0 {
			if _, ok := plain[rune(c)]; !ok {
				plain[rune(c)] = byte(code)
			}
		}
	}
	for code, c := range kbshift {
		if c != 0 {
			if _, ok := shifted[rune(c)]; !ok {
				shifted[rune(c)] = byte(code)
			}
		}
	}
	return plain, shifted
}

// ScancodesForRune renders a host rune as the make/break scan code sequence
// a keyboard would emit for it. Reports whether the rune is representable.
func ScancodesForRune(r rune) ([]byte, bool) {
	if r == '\r' {
		r = '\n'
	}
	if code, ok := scanByRune[r]; ok {
		return []byte{code, code | keyUp}, true
	}
	if code, ok := scanByRuneShift[r]; ok {
		return []byte{scLShift, code, code | keyUp, scLShift | keyUp}, true
	}
	// control characters 1..26 arrive as ctrl plus letter
	if r >= 1 && r <= 26 {
		letter := rune('a' + r - 1)
		if code, ok := scanByRune[letter]; ok {
			return []byte{scLCtl, code, code | keyUp, scLCtl | keyUp}, true
		}
	}
	return nil, false
}
