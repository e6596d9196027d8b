package bmap

// Interval is a byte extent aligned on the allocation unit.
type Interval struct {
	Offset uint64
	Length uint64
}

// Extents is an ordered vector of intervals as produced by Allocate. Adjacent
// intervals may be coalesced, and long runs are split to honour a caller's
// fragmentation cap.
type Extents []Interval

// Bytes returns the total length of all intervals in the vector.
func (x Extents) Bytes() uint64 {
	var n uint64
	for _, i := range x {
		n += i.Length
	}
	return n
}

// fragmentAndEmplace appends (offset, length) to res. The new extent is
// coalesced with the last interval when adjacent, subject to maxLength, and
// any remainder is split into maxLength-sized segments. A zero maxLength
// coalesces without splitting.
func fragmentAndEmplace(maxLength, offset, length uint64, res *Extents) {
	if maxLength != 0 {
		if n := len(*res); n > 0 {
			last := &(*res)[n-1]
			if last.Offset+last.Length == offset {
				l := maxLength - last.Length
				if l >= length {
					last.Length += length
					return
				}
				offset += l
				length -= l
				last.Length += l
			}
		}

		for length > maxLength {
			*res = append(*res, Interval{Offset: offset, Length: maxLength})
			offset += maxLength
			length -= maxLength
		}
		*res = append(*res, Interval{Offset: offset, Length: length})
		return
	}

	if n := len(*res); n > 0 {
		last := &(*res)[n-1]
		if last.Offset+last.Length == offset {
			last.Length += length
			return
		}
	}
	*res = append(*res, Interval{Offset: offset, Length: length})
}

// alignToUnits truncates (offset, length) inward so the result is aligned on
// minLength and fits within the original interval. A zero-length result means
// no aligned subinterval exists. minLength must be a power of two.
func alignToUnits(offset, length, minLength uint64) Interval {
	if length >= minLength {
		off := alignUp(offset, minLength)
		delta := off - offset
		if length > delta {
			l := alignDown(length-delta, minLength)
			if l != 0 {
				return Interval{Offset: off, Length: l}
			}
		}
	}
	return Interval{}
}
