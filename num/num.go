// Package num contains numeric Array processing routines such as optimised matix multiplication.
package num

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

var impl = blas32.Implementation()

// Data type of an element of the array
type DataType int

const (
	Float32 DataType = iota
	Int32
)

// TransType flag indicates if matrix is transposed
type TransType int

const (
	NoTrans TransType = iota
	Trans
)

func (t TransType) blas() blas.Transpose {
	if t == Trans {
		return blas.Trans
	}
	return blas.NoTrans
}

// Function which may be called via the queue
type Function struct {
	desc string
	call func(threads int)
}

func args(desc string, call func(threads int)) Function {
	return Function{desc: desc, call: call}
}

// Read data from array into a slice.
func Read(a Array, data interface{}) Function {
	return args("read", func(int) {
		switch d := data.(type) {
		case []float32:
			copy(d, a.Float32s())
		case []int32:
			copy(d, a.Int32s())
		default:
			panic(fmt.Sprintf("Read: invalid slice type %T", data))
		}
	})
}

// Write data from a slice into the given array.
func Write(a Array, data interface{}) Function {
	return args("write", func(int) {
		switch d := data.(type) {
		case []float32:
			copy(a.Float32s(), d)
		case []int32:
			copy(a.Int32s(), d)
		default:
			panic(fmt.Sprintf("Write: invalid slice type %T", data))
		}
	})
}

// Fill array with a scalar value
func Fill(a Array, scalar float32) Function {
	return args("fill", func(int) {
		if a.Dtype() == Int32 {
			d := a.Int32s()
			for i := range d {
				d[i] = int32(scalar)
			}
			return
		}
		d := a.Float32s()
		for i := range d {
			d[i] = scalar
		}
	})
}

// Copy from src to dst, broadcast vector to matrix if needed, vector is tiled row wise
func Copy(dst, src Array) Function {
	if src.Dtype() != dst.Dtype() {
		panic("Copy: arguments must be same type")
	}
	ddim, sdim := dst.Dims(), src.Dims()
	if Prod(ddim) == Prod(sdim) {
		return args("copy", func(int) {
			if src.Dtype() == Int32 {
				copy(dst.Int32s(), src.Int32s())
			} else {
				copy(dst.Float32s(), src.Float32s())
			}
		})
	}
	if len(sdim) == 1 && len(ddim) == 2 && sdim[0] == ddim[0] {
		return args("tile", func(int) {
			s, d := src.Float32s(), dst.Float32s()
			for col := 0; col < ddim[1]; col++ {
				copy(d[col*ddim[0]:], s)
			}
		})
	}
	panic(fmt.Sprintf("Copy: cannot copy from %v to %v shape", sdim, ddim))
}

// Element wise != comparison
func Neq(x, y, res Array) Function {
	if x.Dtype() != Int32 || y.Dtype() != Int32 || res.Dtype() != Int32 {
		panic("Neq: incorrect datatype")
	}
	if !SameShape(x.Dims(), res.Dims()) || !SameShape(y.Dims(), res.Dims()) {
		panic("Neq: arrays must be same shape")
	}
	return args("neq", func(int) {
		xd, yd, rd := x.Int32s(), y.Int32s(), res.Int32s()
		for i := range rd {
			if xd[i] != yd[i] {
				rd[i] = 1
			} else {
				rd[i] = 0
			}
		}
	})
}

// Convert to one hot representation
func Onehot(x, y Array, classes int) Function {
	if x.Dtype() != Int32 || y.Dtype() != Float32 {
		panic("Onehot: incorrect datatype")
	}
	xdim, ydim := x.Dims(), y.Dims()
	if len(xdim) != 1 || len(ydim) != 2 || xdim[0] != ydim[1] || ydim[0] != classes {
		panic("Onehot: invalid array shape")
	}
	return args("onehot", func(int) {
		labels, out := x.Int32s(), y.Float32s()
		for i := range out {
			out[i] = 0
		}
		for col, label := range labels {
			if label >= 0 && int(label) < classes {
				out[col*classes+int(label)] = 1
			}
		}
	})
}

// Convert from OneHot format back to labels
func Unhot(x, y Array) Function {
	if x.Dtype() != Float32 || y.Dtype() != Int32 {
		panic("Unhot: incorrect datatype")
	}
	xdim, ydim := x.Dims(), y.Dims()
	if len(xdim) != 2 || len(ydim) != 1 || xdim[1] != ydim[0] {
		panic("Unhot: invalid array shape")
	}
	return args("unhot", func(int) {
		rows := xdim[0]
		in, out := x.Float32s(), y.Int32s()
		for col := range out {
			v := in[col*rows : (col+1)*rows]
			best := 0
			for i, val := range v {
				if val > v[best] {
					best = i
				}
			}
			out[col] = int32(best)
		}
	})
}

// Scale array: x <- alpha*x
func Scale(alpha float32, x Array) Function {
	if x.Dtype() != Float32 {
		panic("Scale: dtype must by Float32")
	}
	return args("scale", func(int) {
		impl.Sscal(x.Size(), alpha, x.Float32s(), 1)
	})
}

// Array addition and scaling: y <- alpha*x + y
func Axpy(alpha float32, x, y Array) Function {
	if x.Dtype() != Float32 || y.Dtype() != Float32 {
		panic("Axpy: dtype must by Float32")
	}
	if x.Size() != y.Size() {
		panic("Axpy: arrays must be same size")
	}
	return args("axpy", func(int) {
		impl.Saxpy(x.Size(), alpha, x.Float32s(), 1, y.Float32s(), 1)
	})
}

// Calculate the scalar sum of the values in the array. Multiplies the result by scale.
func Sum(a, total Array, scale float32) Function {
	if total.Size() != 1 || total.Dtype() != Float32 {
		panic("Sum: result type should be float32 scalar")
	}
	return args("sum", func(int) {
		var sum float64
		if a.Dtype() == Int32 {
			for _, v := range a.Int32s() {
				sum += float64(v)
			}
		} else {
			for _, v := range a.Float32s() {
				sum += float64(v)
			}
		}
		total.Float32s()[0] = scale * float32(sum)
	})
}

// Calculate the sum of squares of the values in the array multiplied by scale.
func SumSq(a, total Array, scale float32) Function {
	if a.Dtype() != Float32 || total.Size() != 1 || total.Dtype() != Float32 {
		panic("SumSq: arrays must be float32 and result a scalar")
	}
	return args("sumsq", func(int) {
		x := a.Float32s()
		total.Float32s()[0] = scale * impl.Sdot(len(x), x, 1, x, 1)
	})
}

// Matrix vector multiplication: y <- alpha*dot(mA,x) + beta*y
func Gemv(alpha, beta float32, mA, x, y Array, aTrans TransType) Function {
	if mA.Dtype() != Float32 || x.Dtype() != Float32 || y.Dtype() != Float32 {
		panic("Gemv: dtype must by Float32")
	}
	adim, xdim, ydim := mA.Dims(), x.Dims(), y.Dims()
	if len(adim) != 2 || len(xdim) != 1 || len(ydim) != 1 {
		panic("Gemv: must have matrix and vector inputs")
	}
	m, n := adim[0], adim[1]
	if aTrans == Trans {
		if xdim[0] != m || ydim[0] != n {
			panic("Gemv: incorrect vector size")
		}
	} else {
		if xdim[0] != n || ydim[0] != m {
			panic("Gemv: incorrect vector size")
		}
	}
	// column major m x n matrix is the row major n x m transpose
	trans := Trans
	if aTrans == Trans {
		trans = NoTrans
	}
	return args("gemv", func(int) {
		impl.Sgemv(trans.blas(), n, m, alpha, mA.Float32s(), m, x.Float32s(), 1, beta, y.Float32s(), 1)
	})
}

// Matrix matrix multiplication: mC <- alpha*dot(mA, mB) + beta*mC
func Gemm(alpha, beta float32, mA, mB, mC Array, aTrans, bTrans TransType) Function {
	if mA.Dtype() != Float32 || mB.Dtype() != Float32 || mC.Dtype() != Float32 {
		panic("Gemm: dtype must by Float32")
	}
	adim, bdim, cdim := mA.Dims(), mB.Dims(), mC.Dims()
	if len(adim) != 2 || len(bdim) != 2 || len(cdim) != 2 {
		panic("Gemm: must have 2 dimensional arrays")
	}
	m, k := adim[0], adim[1]
	k2, n := bdim[0], bdim[1]
	if aTrans == Trans {
		m, k = k, m
	}
	if bTrans == Trans {
		k2, n = n, k2
	}
	if k2 != k {
		panic(fmt.Sprintf("Gemm: invalid input shape %v x %v", adim, bdim))
	}
	if cdim[0] != m || cdim[1] != n {
		panic(fmt.Sprintf("Gemm: invalid output shape %v expecting [%d %d]", cdim, m, n))
	}
	// C' = op(B)' op(A)' where X' is the row major view of column major X
	return args("gemm", func(int) {
		impl.Sgemm(bTrans.blas(), aTrans.blas(), n, m, k, alpha,
			mB.Float32s(), bdim[0], mA.Float32s(), adim[0], beta, mC.Float32s(), cdim[0])
	})
}

// Leaky relu activation function: y = x if x >= 0 else leak*x
func LeakyRelu(leak float32, x, y Array) Function {
	checkSame("LeakyRelu", x, y)
	return args("leaky_relu", func(threads int) {
		xd, yd := x.Float32s(), y.Float32s()
		parallel(len(xd), threads, func(start, end, _ int) {
			for i := start; i < end; i++ {
				if v := xd[i]; v < 0 {
					yd[i] = leak * v
				} else {
					yd[i] = v
				}
			}
		})
	})
}

// Derivative of leaky relu given input x and gradient at output.
func LeakyReluD(leak float32, x, grad, y Array) Function {
	checkSame("LeakyReluD", x, y)
	checkSame("LeakyReluD", grad, y)
	return args("leaky_relu_d", func(threads int) {
		xd, gd, yd := x.Float32s(), grad.Float32s(), y.Float32s()
		parallel(len(xd), threads, func(start, end, _ int) {
			for i := start; i < end; i++ {
				if xd[i] < 0 {
					yd[i] = leak * gd[i]
				} else {
					yd[i] = gd[i]
				}
			}
		})
	})
}

// Softmax activation function, x is a [classes, batch] matrix
func Softmax(x, res Array) Function {
	if x.Dtype() != Float32 || res.Dtype() != Float32 {
		panic("Softmax: dtype must by Float32")
	}
	xdim, rdim := x.Dims(), res.Dims()
	if len(xdim) != 2 || !SameShape(xdim, rdim) {
		panic("Softmax: arrays must be 2d and same shape")
	}
	return args("softmax", func(int) {
		rows := xdim[0]
		in, out := x.Float32s(), res.Float32s()
		for col := 0; col < xdim[1]; col++ {
			v, o := in[col*rows:(col+1)*rows], out[col*rows:(col+1)*rows]
			max := maxVal(v)
			sum := 0.0
			for i, val := range v {
				e := math.Exp(float64(val - max))
				o[i] = float32(e)
				sum += e
			}
			for i := range o {
				o[i] = float32(float64(o[i]) / sum)
			}
		}
	})
}

// Softmax cross entropy loss calculated from the logits x and the one hot labels y.
func SoftmaxLoss(x, y, res Array) Function {
	if x.Dtype() != Float32 || y.Dtype() != Float32 || res.Dtype() != Float32 {
		panic("SoftmaxLoss: dtype must by Float32")
	}
	xdim, ydim, rdim := x.Dims(), y.Dims(), res.Dims()
	if len(xdim) != 2 || !SameShape(xdim, ydim) || !SameShape(xdim, rdim) {
		panic("SoftmaxLoss: arrays must be 2d and same shape")
	}
	return args("softmax_loss", func(int) {
		rows := xdim[0]
		logits, labels, out := x.Float32s(), y.Float32s(), res.Float32s()
		for col := 0; col < xdim[1]; col++ {
			v := logits[col*rows : (col+1)*rows]
			max := maxVal(v)
			sum := 0.0
			for _, val := range v {
				sum += math.Exp(float64(val - max))
			}
			lse := float64(max) + math.Log(sum)
			for i, val := range v {
				out[col*rows+i] = float32(-float64(labels[col*rows+i]) * (float64(val) - lse))
			}
		}
	})
}

// Zero pad the channel dimension of a [w, h, c, n] array with before channels at the start.
func PadChannels(x, y Array, before int) Function {
	xdim, ydim := x.Dims(), y.Dims()
	if len(xdim) != 4 || len(ydim) != 4 || xdim[3] != ydim[3] || ydim[2] < xdim[2]+before {
		panic(fmt.Sprintf("PadChannels: invalid shape %v => %v", xdim, ydim))
	}
	return args("pad_channels", func(int) {
		plane := xdim[0] * xdim[1]
		in, out := x.Float32s(), y.Float32s()
		for i := range out {
			out[i] = 0
		}
		for n := 0; n < xdim[3]; n++ {
			src := in[n*plane*xdim[2] : (n+1)*plane*xdim[2]]
			copy(out[(n*ydim[2]+before)*plane:], src)
		}
	})
}

// Gradient of PadChannels: copy the unpadded channels from dy to dx.
func PadChannelsD(dy, dx Array, before int) Function {
	xdim, ydim := dx.Dims(), dy.Dims()
	if len(xdim) != 4 || len(ydim) != 4 || xdim[3] != ydim[3] || ydim[2] < xdim[2]+before {
		panic(fmt.Sprintf("PadChannelsD: invalid shape %v => %v", ydim, xdim))
	}
	return args("pad_channels_d", func(int) {
		plane := xdim[0] * xdim[1]
		in, out := dy.Float32s(), dx.Float32s()
		for n := 0; n < xdim[3]; n++ {
			start := (n*ydim[2] + before) * plane
			copy(out[n*plane*xdim[2]:(n+1)*plane*xdim[2]], in[start:start+plane*xdim[2]])
		}
	})
}

func checkSame(name string, x, y Array) {
	if x.Dtype() != Float32 || y.Dtype() != Float32 {
		panic(name + ": dtype must by Float32")
	}
	if x.Size() != y.Size() {
		panic(name + ": arrays must be same size")
	}
}

func maxVal(v []float32) float32 {
	max := v[0]
	for _, val := range v[1:] {
		if val > max {
			max = val
		}
	}
	return max
}

// split n items into contiguous chunks, one per worker goroutine
func parallel(n, threads int, fn func(start, end, worker int)) {
	if threads > n {
		threads = n
	}
	if threads <= 1 {
		fn(0, n, 0)
		return
	}
	var wg sync.WaitGroup
	chunk := (n + threads - 1) / threads
	for w := 0; w < threads; w++ {
		start, end := w*chunk, (w+1)*chunk
		if end > n {
			end = n
		}
		if start >= end {
			break
		}
		wg.Add(1)
		go func(start, end, w int) {
			fn(start, end, w)
			wg.Done()
		}(start, end, w)
	}
	wg.Wait()
}
