// Package seqno implements 16-bit circular sequence number arithmetic.
//
// Every comparison of route or self sequence numbers must go through Compare.
// Ordering is decided by the sign of the 16-bit difference, so values that are
// exactly half the space apart (32768) cannot be ordered. That case resolves
// to "greater" in both directions, as neighbouring implementations expect;
// callers that need a total order must not rely on antisymmetry there.
package seqno

// Seqno is a circular 16-bit sequence number.
type Seqno uint16

// Half is the distance at which ordering becomes ambiguous.
const Half = 0x8000

// Compare returns 0 if s1 == s2, 1 if s1 is more recent than s2 and -1 if
// it is older.
func Compare(s1, s2 Seqno) int {
	if s1 == s2 {
		return 0
	}
	if (s2-s1)&Half != 0 {
		return 1
	}
	return -1
}

// Plus returns s advanced by k, modulo 65536. Negative k moves backward.
func Plus(s Seqno, k int) Seqno {
	return Seqno(uint16(int(s) + k))
}

// Minus returns the signed distance from s2 to s1.
func Minus(s1, s2 Seqno) int16 {
	return int16(s1 - s2)
}

// Newer reports whether s1 is strictly more recent than s2.
func Newer(s1, s2 Seqno) bool {
	return Compare(s1, s2) > 0
}
