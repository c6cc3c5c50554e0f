package engine

import "math/bits"

// BitSet is a compact set of local slots.
type BitSet struct {
	bits []uint64
}

// NewBitSet creates a BitSet that can hold values up to maxVal (inclusive) without growing.
func NewBitSet(maxVal int) *BitSet {
	words := (maxVal + 64) / 64
	return &BitSet{bits: make([]uint64, words)}
}

// Set adds val to the set.
func (b *BitSet) Set(val uint32) {
	word := val / 64
	if int(word) >= len(b.bits) {
		b.grow(int(word) + 1)
	}
	b.bits[word] |= 1 << (val % 64)
}

// Clear removes val from the set.
func (b *BitSet) Clear(val uint32) {
	word := val / 64
	if int(word) < len(b.bits) {
		b.bits[word] &^= 1 << (val % 64)
	}
}

// Has returns true if val is in the set.
func (b *BitSet) Has(val uint32) bool {
	word := val / 64
	if int(word) >= len(b.bits) {
		return false
	}
	return b.bits[word]&(1<<(val%64)) != 0
}

// Union adds all elements from other into this set and reports whether it changed.
func (b *BitSet) Union(other *BitSet) bool {
	if len(other.bits) > len(b.bits) {
		b.grow(len(other.bits))
	}
	changed := false
	for i := range other.bits {
		if next := b.bits[i] | other.bits[i]; next != b.bits[i] {
			b.bits[i] = next
			changed = true
		}
	}
	return changed
}

// CopyFrom makes b equal to other.
func (b *BitSet) CopyFrom(other *BitSet) {
	if len(other.bits) > len(b.bits) {
		b.grow(len(other.bits))
	}
	n := copy(b.bits, other.bits)
	clear(b.bits[n:])
}

// Equal reports whether both sets hold the same values.
func (b *BitSet) Equal(other *BitSet) bool {
	short, long := b.bits, other.bits
	if len(short) > len(long) {
		short, long = long, short
	}
	for i := range short {
		if short[i] != long[i] {
			return false
		}
	}
	for _, w := range long[len(short):] {
		if w != 0 {
			return false
		}
	}
	return true
}

// Reset clears all elements from the set.
func (b *BitSet) Reset() {
	clear(b.bits)
}

// ToSlice returns sorted slice of all values in the set.
func (b *BitSet) ToSlice() []uint32 {
	var result []uint32
	for i, word := range b.bits {
		base := uint32(i * 64)
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			result = append(result, base+uint32(bit))
			word &= word - 1
		}
	}
	return result
}

// Count returns the number of elements in the set.
func (b *BitSet) Count() int {
	count := 0
	for _, word := range b.bits {
		count += bits.OnesCount64(word)
	}
	return count
}

// grow expands the bitset to n words.
// Callers guarantee n > len(b.bits).
func (b *BitSet) grow(n int) {
	newBits := make([]uint64, n)
	copy(newBits, b.bits)
	b.bits = newBits
}
