// Package phash implements the phash_144 task family: a 144-bit DCT
// perceptual hash with its executor and sqlite artifact adapter.
//
// The hash is robust to resizing and mild recompression: two visually similar
// images produce hashes within a small Hamming distance, while unrelated
// images differ in roughly half their bits. Hashes are deterministic for
// identical pixel content regardless of file name or path.
package phash
