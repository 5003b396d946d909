// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package doctor

import "math"

// indexToXY converts a Hilbert curve index to grid coordinates for a curve
// of the given order (grid side 2^order). Adjacent indices land on adjacent
// cells, which is the locality property the integrity checks verify.
func indexToXY(index, order int) (int, int) {
	x, y := 0, 0
	s := 1
	idx := index

	for i := 0; i < order; i++ {
		rx := 1 & (idx / 2)
		ry := 1 & (idx ^ rx)

		if ry == 0 {
			if rx == 1 {
				x = s - 1 - x
				y = s - 1 - y
			}
			x, y = y, x
		}

		x += s * rx
		y += s * ry
		idx /= 4
		s *= 2
	}
	return x, y
}

// orderFor returns the smallest curve order whose grid holds n bytes.
// Zero-length payloads still get a 1x1 grid.
func orderFor(n int) int {
	order := 0
	for capacityFor(order) < n {
		order++
	}
	return order
}

// capacityFor returns the byte capacity of a grid of the given order.
func capacityFor(order int) int {
	side := 1 << order
	return side * side
}

// isPowerOfTwo reports whether n is a positive power of two.
func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// gridSide derives the side length of a square n-byte grid. ok is false
// when n is not a perfect square.
func gridSide(n int) (int, bool) {
	if n <= 0 {
		return 0, false
	}
	side := int(math.Sqrt(float64(n)))
	for side > 0 && side*side > n {
		side--
	}
	for side*side < n {
		side++
	}
	if side*side != n {
		return 0, false
	}
	return side, true
}
