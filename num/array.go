package num

import (
	"fmt"
	"strings"
)

// Parameters for array printing
var (
	PrintThreshold = 12
	PrintEdgeitems = 4
)

// Array interface is a general n dimensional tensor similar to a numpy ndarray
// data is stored internally in column major order, so the first dimension varies fastest.
type Array interface {
	// Dims returns the shape of the array in rows, cols, ... order
	Dims() []int
	// Size is total number of elements
	Size() int
	// Dtype returns the data type of the elements in the array
	Dtype() DataType
	// Reshape returns a new array of the same size with a view on the same data but with a different shape
	Reshape(dims ...int) Array
	// Reference to the raw data, only one of these is non nil depending on the type.
	Float32s() []float32
	Int32s() []int32
	// Formatted output
	String(q Queue) string
	// Release any allocated memory
	Release()
}

// array resident in main memory
type arrayCPU struct {
	arrayBase
	f32 []float32
	i32 []int32
}

func newArrayCPU(dtype DataType, dims []int) *arrayCPU {
	a := &arrayCPU{arrayBase: arrayBase{size: Prod(dims), dims: append([]int{}, dims...), dtype: dtype}}
	if dtype == Int32 {
		a.i32 = make([]int32, a.size)
	} else {
		a.f32 = make([]float32, a.size)
	}
	return a
}

func (a *arrayCPU) Float32s() []float32 { return a.f32 }

func (a *arrayCPU) Int32s() []int32 { return a.i32 }

func (a *arrayCPU) Release() {
	a.f32, a.i32 = nil, nil
}

func (a *arrayCPU) Reshape(dims ...int) Array {
	return &arrayCPU{arrayBase: a.reshape(dims), f32: a.f32, i32: a.i32}
}

func (a *arrayCPU) String(q Queue) string { return toString(a, q) }

// common array functions
type arrayBase struct {
	size  int
	dims  []int
	dtype DataType
}

func (a arrayBase) Size() int { return a.size }

func (a arrayBase) Dims() []int { return a.dims }

func (a arrayBase) Dtype() DataType { return a.dtype }

func (a arrayBase) reshape(dims []int) arrayBase {
	dims = append([]int{}, dims...)
	n := a.size
	for i := range dims {
		if dims[i] == -1 {
			other := 1
			for j, dim := range dims {
				if i != j {
					if dim == -1 {
						panic("Reshape: can only have single -1 value")
					}
					other *= dim
				}
			}
			dims[i] = n / other
		}
	}
	if Prod(dims) != n {
		panic("reshape must be to array of same size")
	}
	return arrayBase{size: n, dims: dims, dtype: a.dtype}
}

// Arrays are printed with one line for each run of the fastest varying dimension,
// so an image in [W, H, C, N] order is shown row by row for each channel of each sample.
func toString(a Array, q Queue) string {
	var elem func(i int) string
	if a.Dtype() == Int32 {
		data := make([]int32, a.Size())
		q.Call(Read(a, data)).Finish()
		elem = func(i int) string { return fmt.Sprintf("%5d", data[i]) }
	} else {
		data := make([]float32, a.Size())
		q.Call(Read(a, data)).Finish()
		elem = func(i int) string { return fmt.Sprintf("%9.4g", data[i]) }
	}
	var b strings.Builder
	writeBlock(&b, a.Dims(), elem, 0, "")
	return b.String()
}

func writeBlock(b *strings.Builder, dims []int, elem func(int) string, offset int, indent string) {
	switch len(dims) {
	case 0:
		b.WriteString(elem(offset) + "\n")
	case 1:
		b.WriteString(indent + "[")
		for _, i := range printIndex(dims[0]) {
			if i < 0 {
				b.WriteString("       ...")
			} else {
				b.WriteString(" " + elem(offset+i))
			}
		}
		b.WriteString(" ]\n")
	default:
		d := len(dims) - 1
		stride := Prod(dims[:d])
		b.WriteString(indent + "[\n")
		for _, i := range printIndex(dims[d]) {
			if i < 0 {
				b.WriteString(indent + "  ...\n")
			} else {
				writeBlock(b, dims[:d], elem, offset+i*stride, indent+" ")
			}
		}
		b.WriteString(indent + "]\n")
	}
}

// indexes to print along a dimension of size n, -1 marks elided entries
func printIndex(n int) []int {
	ix := []int{}
	for i := 0; i < n; i++ {
		if n > PrintThreshold+1 && i == PrintEdgeitems {
			ix = append(ix, -1)
			i = n - PrintEdgeitems - 1
			continue
		}
		ix = append(ix, i)
	}
	return ix
}

// Product of elements of an integer array. Zero dimension array (scalar) has size 1.
func Prod(arr []int) int {
	prod := 1
	for _, v := range arr {
		prod *= v
	}
	return prod
}

// Check if two arrays are the same shape
func SameShape(xd, yd []int) bool {
	if len(xd) != len(yd) {
		return false
	}
	for i := range xd {
		if xd[i] != yd[i] {
			return false
		}
	}
	return true
}

// Total size of one of more arrays in bytes
func Bytes(arr ...Array) (bytes int) {
	for _, a := range arr {
		if a != nil {
			bytes += 4 * a.Size()
		}
	}
	return bytes
}

// Release one or more arrays
func Release(arr ...Array) {
	for _, a := range arr {
		if a != nil {
			a.Release()
		}
	}
}
