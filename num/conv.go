package num

import (
	"math"

	"gonum.org/v1/gonum/blas"
)

// convolution layer using im2col and matrix multiply, SAME padding
type convLayer struct {
	layerBase
	paramBase
	n, c            int
	height, width   int
	f, k, stride    int
	oh, ow          int
	padTop, padLeft int
	ckk, p          int
	bias            bool
	cols            [][]float32
	dwPart          [][]float32
}

func (d cpuDevice) ConvLayer(nBatch, depth, h, w, nFeats, size, stride int, bias bool) ParamLayer {
	if stride < 1 {
		stride = 1
	}
	ow, padLeft := samePad(w, size, stride)
	oh, padTop := samePad(h, size, stride)
	l := &convLayer{
		layerBase: newLayerBase("conv", []int{w, h, depth, nBatch}, []int{ow, oh, nFeats, nBatch}),
		n:         nBatch, c: depth, height: h, width: w,
		f:         nFeats, k: size, stride: stride,
		oh:        oh, ow: ow, padTop: padTop, padLeft: padLeft,
		ckk:       depth * size * size, p: oh * ow,
		bias:      bias,
	}
	return l
}

func (l *convLayer) FilterShape() []int { return []int{l.k, l.k, l.c, l.f} }

func (l *convLayer) BiasShape() []int { return []int{l.f} }

// 1x1 convolution with unit stride reads the input directly
func (l *convLayer) direct() bool {
	return l.k == 1 && l.stride == 1
}

func (l *convLayer) alloc(threads int) {
	if l.direct() {
		return
	}
	for len(l.cols) < threads {
		l.cols = append(l.cols, make([]float32, l.ckk*l.p))
	}
}

func (l *convLayer) im2col(x, col []float32) {
	for c := 0; c < l.c; c++ {
		for kh := 0; kh < l.k; kh++ {
			for kw := 0; kw < l.k; kw++ {
				row := (c*l.k+kh)*l.k + kw
				dst := col[row*l.p : (row+1)*l.p]
				for oy := 0; oy < l.oh; oy++ {
					iy := oy*l.stride - l.padTop + kh
					out := dst[oy*l.ow : (oy+1)*l.ow]
					if iy < 0 || iy >= l.height {
						for i := range out {
							out[i] = 0
						}
						continue
					}
					src := x[(c*l.height+iy)*l.width : (c*l.height+iy+1)*l.width]
					for ox := range out {
						ix := ox*l.stride - l.padLeft + kw
						if ix < 0 || ix >= l.width {
							out[ox] = 0
						} else {
							out[ox] = src[ix]
						}
					}
				}
			}
		}
	}
}

func (l *convLayer) col2im(col, x []float32) {
	for i := range x {
		x[i] = 0
	}
	for c := 0; c < l.c; c++ {
		for kh := 0; kh < l.k; kh++ {
			for kw := 0; kw < l.k; kw++ {
				row := (c*l.k+kh)*l.k + kw
				src := col[row*l.p : (row+1)*l.p]
				for oy := 0; oy < l.oh; oy++ {
					iy := oy*l.stride - l.padTop + kh
					if iy < 0 || iy >= l.height {
						continue
					}
					dst := x[(c*l.height+iy)*l.width : (c*l.height+iy+1)*l.width]
					for ox, val := range src[oy*l.ow : (oy+1)*l.ow] {
						ix := ox*l.stride - l.padLeft + kw
						if ix >= 0 && ix < l.width {
							dst[ix] += val
						}
					}
				}
			}
		}
	}
}

func (l *convLayer) fprop(threads int, train bool) {
	l.alloc(threads)
	in, out, w := l.src.Float32s(), l.dst.Float32s(), l.w.Float32s()
	inSize, outSize := l.c*l.height*l.width, l.f*l.p
	parallel(l.n, threads, func(start, end, worker int) {
		for n := start; n < end; n++ {
			var col []float32
			if l.direct() {
				col = in[n*inSize : (n+1)*inSize]
			} else {
				col = l.cols[worker]
				l.im2col(in[n*inSize:(n+1)*inSize], col)
			}
			o := out[n*outSize : (n+1)*outSize]
			impl.Sgemm(blas.NoTrans, blas.NoTrans, l.f, l.p, l.ckk, 1, w, l.ckk, col, l.p, 0, o, l.p)
			if l.bias {
				b := l.b.Float32s()
				for f := 0; f < l.f; f++ {
					row := o[f*l.p : (f+1)*l.p]
					for i := range row {
						row[i] += b[f]
					}
				}
			}
		}
	})
}

func (l *convLayer) bpropData(threads int) {
	l.alloc(threads)
	dout, dx, w := l.diffDst.Float32s(), l.diffSrc.Float32s(), l.w.Float32s()
	inSize, outSize := l.c*l.height*l.width, l.f*l.p
	parallel(l.n, threads, func(start, end, worker int) {
		for n := start; n < end; n++ {
			d := dout[n*outSize : (n+1)*outSize]
			if l.direct() {
				impl.Sgemm(blas.Trans, blas.NoTrans, l.ckk, l.p, l.f, 1, w, l.ckk, d, l.p, 0, dx[n*inSize:(n+1)*inSize], l.p)
				continue
			}
			col := l.cols[worker]
			impl.Sgemm(blas.Trans, blas.NoTrans, l.ckk, l.p, l.f, 1, w, l.ckk, d, l.p, 0, col, l.p)
			l.col2im(col, dx[n*inSize:(n+1)*inSize])
		}
	})
}

func (l *convLayer) bpropFilter(threads int) {
	l.alloc(threads)
	for len(l.dwPart) < threads {
		l.dwPart = append(l.dwPart, make([]float32, l.f*l.ckk))
	}
	in, dout := l.src.Float32s(), l.diffDst.Float32s()
	inSize, outSize := l.c*l.height*l.width, l.f*l.p
	used := make([]bool, threads)
	parallel(l.n, threads, func(start, end, worker int) {
		used[worker] = true
		part := l.dwPart[worker]
		for i := range part {
			part[i] = 0
		}
		for n := start; n < end; n++ {
			var col []float32
			if l.direct() {
				col = in[n*inSize : (n+1)*inSize]
			} else {
				col = l.cols[worker]
				l.im2col(in[n*inSize:(n+1)*inSize], col)
			}
			impl.Sgemm(blas.NoTrans, blas.Trans, l.f, l.ckk, l.p, 1, dout[n*outSize:(n+1)*outSize], l.p, col, l.p, 1, part, l.ckk)
		}
	})
	dw := l.dw.Float32s()
	for i := range dw {
		dw[i] = 0
	}
	for worker, ok := range used {
		if ok {
			impl.Saxpy(len(dw), 1, l.dwPart[worker], 1, dw, 1)
		}
	}
}

func (l *convLayer) bpropBias(threads int) {
	if !l.bias {
		return
	}
	dout, db := l.diffDst.Float32s(), l.db.Float32s()
	outSize := l.f * l.p
	for f := range db {
		sum := float32(0)
		for n := 0; n < l.n; n++ {
			for _, v := range dout[n*outSize+f*l.p : n*outSize+(f+1)*l.p] {
				sum += v
			}
		}
		db[f] = sum
	}
}

// average pooling layer with VALID padding, or global average over the whole image
type poolLayer struct {
	layerBase
	kw, kh, stride int
	w, h, planes   int
	ow, oh         int
}

func (d cpuDevice) PoolLayer(inShape []int, size, stride int, global bool) Layer {
	if len(inShape) != 4 {
		panic("PoolLayer: expect 4 dimensional input")
	}
	w, h := inShape[0], inShape[1]
	l := &poolLayer{w: w, h: h, planes: inShape[2] * inShape[3]}
	if global {
		l.kw, l.kh, l.stride = w, h, 1
	} else {
		if stride < 1 {
			stride = size
		}
		l.kw, l.kh, l.stride = size, size, stride
	}
	l.ow, l.oh = outSize(w, l.kw, l.stride), outSize(h, l.kh, l.stride)
	l.layerBase = newLayerBase("avgpool", inShape, []int{l.ow, l.oh, inShape[2], inShape[3]})
	return l
}

func (l *poolLayer) fprop(threads int, train bool) {
	in, out := l.src.Float32s(), l.dst.Float32s()
	scale := 1 / float32(l.kw*l.kh)
	parallel(l.planes, threads, func(start, end, _ int) {
		for p := start; p < end; p++ {
			x := in[p*l.w*l.h : (p+1)*l.w*l.h]
			y := out[p*l.ow*l.oh : (p+1)*l.ow*l.oh]
			for oy := 0; oy < l.oh; oy++ {
				for ox := 0; ox < l.ow; ox++ {
					sum := float32(0)
					for ky := 0; ky < l.kh; ky++ {
						row := x[(oy*l.stride+ky)*l.w:]
						for kx := 0; kx < l.kw; kx++ {
							sum += row[ox*l.stride+kx]
						}
					}
					y[oy*l.ow+ox] = sum * scale
				}
			}
		}
	})
}

func (l *poolLayer) bpropData(threads int) {
	dy, dx := l.diffDst.Float32s(), l.diffSrc.Float32s()
	scale := 1 / float32(l.kw*l.kh)
	parallel(l.planes, threads, func(start, end, _ int) {
		for p := start; p < end; p++ {
			x := dx[p*l.w*l.h : (p+1)*l.w*l.h]
			for i := range x {
				x[i] = 0
			}
			y := dy[p*l.ow*l.oh : (p+1)*l.ow*l.oh]
			for oy := 0; oy < l.oh; oy++ {
				for ox := 0; ox < l.ow; ox++ {
					g := y[oy*l.ow+ox] * scale
					for ky := 0; ky < l.kh; ky++ {
						row := x[(oy*l.stride+ky)*l.w:]
						for kx := 0; kx < l.kw; kx++ {
							row[ox*l.stride+kx] += g
						}
					}
				}
			}
		}
	})
}

// batch normalisation over each channel of a [w, h, c, n] array or each row of a [c, n] array
type batchNormLayer struct {
	layerBase
	paramBase
	decay, eps      float64
	c, plane, n     int
	train           bool
	invStd          []float32
	xhat            []float32
	runMean, runVar Array
}

func (d cpuDevice) BatchNormLayer(inShape []int, decay, epsilon float64) BatchNormLayer {
	l := &batchNormLayer{
		layerBase: newLayerBase("batchnorm", inShape, inShape),
		decay:     decay,
		eps:       epsilon,
		xhat:      make([]float32, Prod(inShape)),
	}
	switch len(inShape) {
	case 4:
		l.plane, l.c, l.n = inShape[0]*inShape[1], inShape[2], inShape[3]
	case 2:
		l.plane, l.c, l.n = 1, inShape[0], inShape[1]
	default:
		panic("BatchNormLayer: expect 2 or 4 dimensional input")
	}
	l.invStd = make([]float32, l.c)
	return l
}

func (l *batchNormLayer) FilterShape() []int { return []int{l.c} }

func (l *batchNormLayer) BiasShape() []int { return []int{l.c} }

func (l *batchNormLayer) SetStats(mean, variance Array) {
	l.runMean, l.runVar = mean, variance
}

// iterate over all elements in given channel
func (l *batchNormLayer) each(ch int, fn func(i int)) {
	for n := 0; n < l.n; n++ {
		base := (n*l.c + ch) * l.plane
		for i := base; i < base+l.plane; i++ {
			fn(i)
		}
	}
}

func (l *batchNormLayer) fprop(threads int, train bool) {
	l.train = train
	x, y := l.src.Float32s(), l.dst.Float32s()
	gamma, beta := l.w.Float32s(), l.b.Float32s()
	rMean, rVar := l.runMean.Float32s(), l.runVar.Float32s()
	m := float64(l.n * l.plane)
	parallel(l.c, threads, func(start, end, _ int) {
		for ch := start; ch < end; ch++ {
			var mean, variance float64
			if train {
				l.each(ch, func(i int) { mean += float64(x[i]) })
				mean /= m
				l.each(ch, func(i int) {
					d := float64(x[i]) - mean
					variance += d * d
				})
				variance /= m
				rMean[ch] = float32(float64(rMean[ch])*l.decay + mean*(1-l.decay))
				rVar[ch] = float32(float64(rVar[ch])*l.decay + variance*(1-l.decay))
			} else {
				mean, variance = float64(rMean[ch]), float64(rVar[ch])
			}
			invStd := float32(1 / math.Sqrt(variance+l.eps))
			l.invStd[ch] = invStd
			mean32, g, b := float32(mean), gamma[ch], beta[ch]
			l.each(ch, func(i int) {
				xh := (x[i] - mean32) * invStd
				l.xhat[i] = xh
				y[i] = g*xh + b
			})
		}
	})
}

// computes gradients for the scale and offset parameters as well as the input
func (l *batchNormLayer) bpropData(threads int) {
	dy, dx := l.diffDst.Float32s(), l.diffSrc.Float32s()
	gamma, dgamma, dbeta := l.w.Float32s(), l.dw.Float32s(), l.db.Float32s()
	m := float32(l.n * l.plane)
	parallel(l.c, threads, func(start, end, _ int) {
		for ch := start; ch < end; ch++ {
			var sumDy, sumDyXhat float64
			l.each(ch, func(i int) {
				sumDy += float64(dy[i])
				sumDyXhat += float64(dy[i] * l.xhat[i])
			})
			dgamma[ch], dbeta[ch] = float32(sumDyXhat), float32(sumDy)
			k := gamma[ch] * l.invStd[ch]
			if !l.train {
				l.each(ch, func(i int) { dx[i] = k * dy[i] })
				continue
			}
			s1, s2 := float32(sumDy), float32(sumDyXhat)
			l.each(ch, func(i int) {
				dx[i] = k / m * (m*dy[i] - s1 - l.xhat[i]*s2)
			})
		}
	})
}

func (l *batchNormLayer) bpropFilter(threads int) {}

func (l *batchNormLayer) bpropBias(threads int) {}
