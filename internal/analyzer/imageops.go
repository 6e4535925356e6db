package analyzer

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// blurGray applies a Gaussian blur with the given sigma and converts the
// result back to single-channel gray. imaging.Blur operates on the generic
// image.Image interface and always returns an NRGBA image, so the channel
// collapse happens after the blur, not before.
func blurGray(src *image.Gray, sigma float64) *image.Gray {
	blurred := imaging.Blur(src, sigma)
	return toGrayImage(blurred)
}

// diffGray computes the per-pixel absolute difference between two
// equally-sized grayscale images.
func diffGray(a, b *image.Gray) *image.Gray {
	bounds := a.Bounds()
	out := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			av := a.GrayAt(x, y).Y
			bv := b.GrayAt(x, y).Y
			out.SetGray(x, y, color.Gray{Y: absDiff(av, bv)})
		}
	}
	return out
}

func absDiff(a, b uint8) uint8 {
	if a > b {
		return a - b
	}
	return b - a
}

// thresholdGray produces a binary mask (0 or 255) from a grayscale image.
func thresholdGray(src *image.Gray, level uint8) *image.Gray {
	bounds := src.Bounds()
	out := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if src.GrayAt(x, y).Y > level {
				out.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return out
}

// erodeMask and dilateMask implement morphological erode/dilate with a
// square (L-infinity) structuring element of the given radius.
func erodeMask(src *image.Gray, radius int) *image.Gray {
	return morphology(src, radius, false)
}

func dilateMask(src *image.Gray, radius int) *image.Gray {
	return morphology(src, radius, true)
}

func morphology(src *image.Gray, radius int, dilate bool) *image.Gray {
	bounds := src.Bounds()
	out := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			var result uint8
			if dilate {
				result = 0
			} else {
				result = 255
			}
			for dy := -radius; dy <= radius; dy++ {
				for dx := -radius; dx <= radius; dx++ {
					px, py := x+dx, y+dy
					var v uint8
					if image.Pt(px, py).In(bounds) {
						v = src.GrayAt(px, py).Y
					}
					if dilate {
						if v > result {
							result = v
						}
					} else {
						if v < result {
							result = v
						}
					}
				}
			}
			out.SetGray(x, y, color.Gray{Y: result})
		}
	}
	return out
}

// largestComponentArea labels 8-connected foreground components (mask
// pixels > 0) with a union-find pass and returns the pixel count of the
// largest one.
func largestComponentArea(mask *image.Gray) float64 {
	bounds := mask.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return 0
	}

	labels := make([]int, w*h)
	parent := make([]int, w*h+1) // 1-indexed; 0 means "no label"
	for i := range parent {
		parent[i] = i
	}

	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}

	idx := func(x, y int) int { return y*w + x }

	// First pass: 8-connected neighbor union over already-visited pixels
	// (up, upleft, upright, left), the standard two-pass scan order.
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if mask.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y == 0 {
				continue
			}
			label := idx(x, y) + 1
			labels[idx(x, y)] = label

			neighbors := [][2]int{{x - 1, y}, {x, y - 1}, {x - 1, y - 1}, {x + 1, y - 1}}
			for _, n := range neighbors {
				nx, ny := n[0], n[1]
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				if labels[idx(nx, ny)] == 0 {
					continue
				}
				union(label, labels[idx(nx, ny)])
			}
		}
	}

	counts := make(map[int]int)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			l := labels[idx(x, y)]
			if l == 0 {
				continue
			}
			counts[find(l)]++
		}
	}

	max := 0
	for _, c := range counts {
		if c > max {
			max = c
		}
	}
	return float64(max)
}

// updateBackground applies the exponential moving average in place:
// bg = bg*(1-rate) + cur*rate, saturating to 8-bit.
func updateBackground(bg, cur *image.Gray, rate float64) {
	bounds := bg.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			bv := float64(bg.GrayAt(x, y).Y)
			cv := float64(cur.GrayAt(x, y).Y)
			nv := bv*(1-rate) + cv*rate
			bg.SetGray(x, y, color.Gray{Y: uint8(nv)})
		}
	}
}
