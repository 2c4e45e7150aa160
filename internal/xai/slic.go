package xai

import (
	"image"
	"math"
)

const slicIterations = 10

// Segmentation assigns every pixel a superpixel label in [0,N).
type Segmentation struct {
	Width, Height int
	N             int
	Labels        []int
}

func (s *Segmentation) Label(x, y int) int { return s.Labels[y*s.Width+x] }

type labPixel struct{ l, a, b float64 }

type slicCenter struct {
	labPixel
	x, y float64
}

// SLIC segments img into roughly k compact superpixels in CIELAB space.
// Every pixel is labeled and each label forms one 4-connected region.
func SLIC(img *image.RGBA, k int, compactness float64) *Segmentation {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	n := w * h
	lab := make([]labPixel, n)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := img.PixOffset(img.Rect.Min.X+x, img.Rect.Min.Y+y)
			lab[y*w+x] = rgbToLab(img.Pix[o], img.Pix[o+1], img.Pix[o+2])
		}
	}
	if k < 1 {
		k = 1
	}
	step := math.Sqrt(float64(n) / float64(k))
	if step < 1 {
		step = 1
	}

	var centers []slicCenter
	for cy := step / 2; cy < float64(h); cy += step {
		for cx := step / 2; cx < float64(w); cx += step {
			x, y := lowestGradient(lab, w, h, int(cx), int(cy))
			centers = append(centers, slicCenter{labPixel: lab[y*w+x], x: float64(x), y: float64(y)})
		}
	}
	if len(centers) == 0 {
		x, y := w/2, h/2
		centers = append(centers, slicCenter{labPixel: lab[y*w+x], x: float64(x), y: float64(y)})
	}

	labels := make([]int, n)
	dist := make([]float64, n)
	m2 := compactness * compactness / (step * step)
	radius := int(math.Ceil(step))
	for iter := 0; iter < slicIterations; iter++ {
		for i := range dist {
			dist[i] = math.Inf(1)
			labels[i] = -1
		}
		for ci, c := range centers {
			x0, x1 := max(int(c.x)-radius, 0), min(int(c.x)+radius, w-1)
			y0, y1 := max(int(c.y)-radius, 0), min(int(c.y)+radius, h-1)
			for y := y0; y <= y1; y++ {
				for x := x0; x <= x1; x++ {
					p := lab[y*w+x]
					dc := sq(p.l-c.l) + sq(p.a-c.a) + sq(p.b-c.b)
					ds := sq(float64(x)-c.x) + sq(float64(y)-c.y)
					d := dc + ds*m2
					if d < dist[y*w+x] {
						dist[y*w+x] = d
						labels[y*w+x] = ci
					}
				}
			}
		}
		// Pixels no window reached join the nearest center spatially.
		for i, l := range labels {
			if l >= 0 {
				continue
			}
			x, y := float64(i%w), float64(i/w)
			best, bd := 0, math.Inf(1)
			for ci, c := range centers {
				if d := sq(x-c.x) + sq(y-c.y); d < bd {
					best, bd = ci, d
				}
			}
			labels[i] = best
		}
		sums := make([]slicCenter, len(centers))
		counts := make([]int, len(centers))
		for i, l := range labels {
			p := lab[i]
			sums[l].l += p.l
			sums[l].a += p.a
			sums[l].b += p.b
			sums[l].x += float64(i % w)
			sums[l].y += float64(i / w)
			counts[l]++
		}
		for ci := range centers {
			if counts[ci] == 0 {
				continue
			}
			f := float64(counts[ci])
			centers[ci] = slicCenter{
				labPixel: labPixel{sums[ci].l / f, sums[ci].a / f, sums[ci].b / f},
				x:        sums[ci].x / f,
				y:        sums[ci].y / f,
			}
		}
	}
	minSize := max(n/len(centers)/4, 1)
	return enforceConnectivity(labels, w, h, minSize)
}

// enforceConnectivity relabels 4-connected components in scan order and
// merges components smaller than minSize into the previously visited
// neighbor label.
func enforceConnectivity(labels []int, w, h, minSize int) *Segmentation {
	n := w * h
	out := make([]int, n)
	for i := range out {
		out[i] = -1
	}
	dx := [4]int{-1, 0, 1, 0}
	dy := [4]int{0, -1, 0, 1}
	next := 0
	queue := make([]int, 0, n)
	for start := 0; start < n; start++ {
		if out[start] >= 0 {
			continue
		}
		sx, sy := start%w, start/w
		adjacent := -1
		for d := 0; d < 4; d++ {
			x, y := sx+dx[d], sy+dy[d]
			if x >= 0 && x < w && y >= 0 && y < h && out[y*w+x] >= 0 {
				adjacent = out[y*w+x]
			}
		}
		queue = append(queue[:0], start)
		out[start] = next
		for qi := 0; qi < len(queue); qi++ {
			p := queue[qi]
			px, py := p%w, p/w
			for d := 0; d < 4; d++ {
				x, y := px+dx[d], py+dy[d]
				if x < 0 || x >= w || y < 0 || y >= h {
					continue
				}
				q := y*w + x
				if out[q] < 0 && labels[q] == labels[start] {
					out[q] = next
					queue = append(queue, q)
				}
			}
		}
		if len(queue) < minSize && adjacent >= 0 {
			for _, p := range queue {
				out[p] = adjacent
			}
			continue
		}
		next++
	}
	return &Segmentation{Width: w, Height: h, N: next, Labels: out}
}

func lowestGradient(lab []labPixel, w, h, cx, cy int) (int, int) {
	bx, by := min(cx, w-1), min(cy, h-1)
	best := math.Inf(1)
	for y := max(cy-1, 1); y <= min(cy+1, h-2); y++ {
		for x := max(cx-1, 1); x <= min(cx+1, w-2); x++ {
			l, r := lab[y*w+x-1], lab[y*w+x+1]
			u, d := lab[(y-1)*w+x], lab[(y+1)*w+x]
			g := sq(r.l-l.l) + sq(r.a-l.a) + sq(r.b-l.b) + sq(d.l-u.l) + sq(d.a-u.a) + sq(d.b-u.b)
			if g < best {
				best, bx, by = g, x, y
			}
		}
	}
	return bx, by
}

func rgbToLab(r, g, b uint8) labPixel {
	lin := func(c uint8) float64 {
		v := float64(c) / 255
		if v <= 0.04045 {
			return v / 12.92
		}
		return math.Pow((v+0.055)/1.055, 2.4)
	}
	rl, gl, bl := lin(r), lin(g), lin(b)
	x := (0.412453*rl + 0.357580*gl + 0.180423*bl) / 0.950456
	y := 0.212671*rl + 0.715160*gl + 0.072169*bl
	z := (0.019334*rl + 0.119193*gl + 0.950227*bl) / 1.088754
	f := func(t float64) float64 {
		if t > 0.008856 {
			return math.Cbrt(t)
		}
		return 7.787*t + 16.0/116
	}
	fx, fy, fz := f(x), f(y), f(z)
	return labPixel{l: 116*fy - 16, a: 500 * (fx - fy), b: 200 * (fy - fz)}
}

func sq(v float64) float64 { return v * v }
