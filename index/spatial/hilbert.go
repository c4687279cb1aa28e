// Copyright 2024 The recordlayer Authors
// This file is part of recordlayer.
//
// recordlayer is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// recordlayer is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with recordlayer. If not, see <http://www.gnu.org/licenses/>.

package spatial

// order is the number of bits per axis of the Hilbert grid. A 16-bit grid
// gives ~1.7e-3 degree resolution over a 360-degree span, plenty for a
// post-filtered coarse index.
const order = 16
const gridSize = 1 << order // 65536

// hilbertEncode maps grid coordinates (x, y), each in [0, gridSize), to a
// single Hilbert curve index (the "cell ID"). Adapted from the classic
// xy2d algorithm (Wikipedia, "Hilbert curve").
func hilbertEncode(x, y uint32) uint64 {
	var d uint64
	for s := uint32(gridSize) / 2; s > 0; s /= 2 {
		var rx, ry uint32
		if x&s > 0 {
			rx = 1
		}
		if y&s > 0 {
			ry = 1
		}
		d += uint64(s) * uint64(s) * uint64((3*rx)^ry)
		x, y = hilbertRotate(s, x, y, rx, ry)
	}
	return d
}

// hilbertDecode is the inverse of hilbertEncode (d2xy).
func hilbertDecode(d uint64) (x, y uint32) {
	for s := uint32(1); s < gridSize; s *= 2 {
		rx := uint32((d / 2) & 1)
		ry := uint32((d ^ uint64(rx)) & 1)
		x, y = hilbertRotate(s, x, y, rx, ry)
		x += s * rx
		y += s * ry
		d /= 4
	}
	return x, y
}

func hilbertRotate(s, x, y, rx, ry uint32) (uint32, uint32) {
	if ry == 0 {
		if rx == 1 {
			x = s - 1 - x
			y = s - 1 - y
		}
		x, y = y, x
	}
	return x, y
}
