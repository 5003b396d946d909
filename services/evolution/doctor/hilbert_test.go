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

import "testing"

// The curve must visit every cell of the grid exactly once, and consecutive
// indices must land on neighboring cells. Both properties are what the
// locality score measures, so they are pinned here for every small order.
func TestIndexToXYCurveProperties(t *testing.T) {
	for order := 1; order <= 5; order++ {
		side := 1 << order
		total := side * side
		seen := make([]bool, total)

		prevX, prevY := indexToXY(0, order)
		for i := 0; i < total; i++ {
			x, y := indexToXY(i, order)
			if x < 0 || x >= side || y < 0 || y >= side {
				t.Fatalf("order %d index %d: cell (%d,%d) outside %dx%d grid", order, i, x, y, side, side)
			}
			cell := y*side + x
			if seen[cell] {
				t.Fatalf("order %d index %d: cell (%d,%d) visited twice", order, i, x, y)
			}
			seen[cell] = true

			if i > 0 {
				dx, dy := x-prevX, y-prevY
				if dx*dx+dy*dy != 1 {
					t.Fatalf("order %d: indices %d and %d are %d cells apart", order, i-1, i, dx*dx+dy*dy)
				}
			}
			prevX, prevY = x, y
		}
	}
}

func TestOrderFor(t *testing.T) {
	cases := []struct {
		n    int
		want int
	}{
		{0, 0},
		{1, 0},
		{2, 1},
		{4, 1},
		{5, 2},
		{16, 2},
		{17, 3},
		{64, 3},
		{65, 4},
	}
	for _, tc := range cases {
		if got := orderFor(tc.n); got != tc.want {
			t.Errorf("orderFor(%d) = %d, want %d", tc.n, got, tc.want)
		}
		if cap := capacityFor(orderFor(tc.n)); cap < tc.n {
			t.Errorf("orderFor(%d) grid holds %d bytes", tc.n, cap)
		}
	}
}

func TestGridSide(t *testing.T) {
	cases := []struct {
		n    int
		side int
		ok   bool
	}{
		{1, 1, true},
		{4, 2, true},
		{9, 3, true},
		{16, 4, true},
		{256, 16, true},
		{0, 0, false},
		{-4, 0, false},
		{15, 0, false},
		{17, 0, false},
	}
	for _, tc := range cases {
		side, ok := gridSide(tc.n)
		if side != tc.side || ok != tc.ok {
			t.Errorf("gridSide(%d) = (%d, %v), want (%d, %v)", tc.n, side, ok, tc.side, tc.ok)
		}
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	for _, n := range []int{1, 2, 4, 8, 1024} {
		if !isPowerOfTwo(n) {
			t.Errorf("isPowerOfTwo(%d) = false", n)
		}
	}
	for _, n := range []int{0, -2, 3, 6, 12} {
		if isPowerOfTwo(n) {
			t.Errorf("isPowerOfTwo(%d) = true", n)
		}
	}
}
