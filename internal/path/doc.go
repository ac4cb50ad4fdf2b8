// Package path encodes positions in the binary cube-and-conquer split tree.
//
// A Path is a depth (0..MaxDepth) plus up to 58 decision bits stored most
// significant bit first. Every derivation (Parent, Sibling, Left, Right) is
// a pure function of those two values and always yields a canonical path,
// so paths can be compared with == and used as map keys.
//
// Two external forms exist:
//
//	String/Parse   "abba"  one character per level, 'a' = left, 'b' = right
//	Pack/Unpack    uint64  decisions in the upper 58 bits, depth in the lower 6
//
// The Unknown sentinel represents "no position" and is rejected by every
// derivation.
package path
