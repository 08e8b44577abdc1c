package phash

import (
	"fmt"
	"math"
	"math/big"
	"sort"

	"github.com/disintegration/imaging"
)

// TaskName is the canonical name of the 144-bit perceptual hash task.
const TaskName = "phash_144"

// HashBits is the number of bits in the hash.
const HashBits = 144

// hashSize is the side of the low-frequency DCT block kept for the hash.
// The source image is resampled to 4x that per side before the transform.
const hashSize = 12

// Compute derives the 144-bit perceptual hash of the image at path.
//
// The image is converted to grayscale, resampled to 48x48 with Lanczos,
// transformed with a 2-D DCT-II, and the top-left 12x12 low-frequency block
// is binarized against its median. Bits pack row-major, most significant
// first, so hashes compare with plain integer ordering and Hamming distance.
func Compute(path string) (*big.Int, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", path, err)
	}

	size := hashSize * 4
	gray := imaging.Resize(imaging.Grayscale(img), size, size, imaging.Lanczos)

	pixels := make([][]float64, size)
	for y := 0; y < size; y++ {
		pixels[y] = make([]float64, size)
		for x := 0; x < size; x++ {
			r, _, _, _ := gray.At(x, y).RGBA()
			pixels[y][x] = float64(r >> 8)
		}
	}

	freq := dct2d(pixels)

	// Keep the low-frequency block and binarize against its median.
	coeffs := make([]float64, 0, hashSize*hashSize)
	for y := 0; y < hashSize; y++ {
		for x := 0; x < hashSize; x++ {
			coeffs = append(coeffs, freq[y][x])
		}
	}
	med := median(coeffs)

	hash := new(big.Int)
	for i, c := range coeffs {
		if c > med {
			hash.SetBit(hash, HashBits-1-i, 1)
		}
	}
	return hash, nil
}

// HammingDistance counts differing bits between two hashes.
func HammingDistance(a, b *big.Int) int {
	diff := new(big.Int).Xor(a, b)
	count := 0
	for _, word := range diff.Bits() {
		for ; word != 0; word &= word - 1 {
			count++
		}
	}
	return count
}

// FormatHash renders a hash as fixed-width lowercase hex (36 digits).
func FormatHash(h *big.Int) string {
	return fmt.Sprintf("%036x", h)
}

// ParseHash reads a hash produced by FormatHash.
func ParseHash(s string) (*big.Int, error) {
	h, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("invalid hash value %q", s)
	}
	return h, nil
}

// dct2d applies a DCT-II along rows then columns of a square matrix.
func dct2d(m [][]float64) [][]float64 {
	n := len(m)
	rows := make([][]float64, n)
	for y := 0; y < n; y++ {
		rows[y] = dct1d(m[y])
	}
	out := make([][]float64, n)
	for y := 0; y < n; y++ {
		out[y] = make([]float64, n)
	}
	col := make([]float64, n)
	for x := 0; x < n; x++ {
		for y := 0; y < n; y++ {
			col[y] = rows[y][x]
		}
		t := dct1d(col)
		for y := 0; y < n; y++ {
			out[y][x] = t[y]
		}
	}
	return out
}

// dct1d computes an orthonormal DCT-II of a vector.
func dct1d(v []float64) []float64 {
	n := len(v)
	out := make([]float64, n)
	for k := 0; k < n; k++ {
		var sum float64
		for i := 0; i < n; i++ {
			sum += v[i] * math.Cos(math.Pi*float64(k)*(2*float64(i)+1)/(2*float64(n)))
		}
		scale := math.Sqrt(2 / float64(n))
		if k == 0 {
			scale = math.Sqrt(1 / float64(n))
		}
		out[k] = sum * scale
	}
	return out
}

// median returns the median of the values without mutating the input.
func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
