package img

import (
	"math"
	"math/rand"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/jnb666/resnet/stats"
)

// Types of image transformations
type TransType int

const NoTrans TransType = 0

const (
	Crop TransType = 1 << iota
	HorizFlip
	Standardise
)

var (
	// Augmentation applied to training images
	TrainTrans = Crop | HorizFlip | Standardise
	// Evaluation images are only centred and standardised
	EvalTrans = Standardise
)

// Number of pixels added to each edge before a random crop
var PadPixels = 2

var transTypeNames = map[TransType]string{
	Crop:        "Crop",
	HorizFlip:   "HorizFlip",
	Standardise: "Standardise",
}

func (t TransType) String() string {
	if t == NoTrans {
		return "None"
	}
	s := []string{}
	for key, name := range transTypeNames {
		if t&key != 0 {
			s = append(s, name)
		}
	}
	sort.Strings(s)
	return strings.Join(s, " ")
}

// Transformer converts images to network input with optional random augmentation.
// Output images are Size x Size pixels taken from the centre of the source image,
// zero padded if the source is smaller. Random offsets and flips are drawn in batch order
// so the output for a given seed does not depend on the number of worker threads.
type Transformer struct {
	Trans   TransType
	Size    int
	Threads int
	rng     *rand.Rand
}

// position of the output window in the source image
type placement struct {
	ox, oy int
	flip   bool
}

// Create a new transformer with a random source seeded from rng.
func NewTransformer(trans TransType, size int, rng *rand.Rand) *Transformer {
	return &Transformer{
		Trans:   trans,
		Size:    size,
		Threads: runtime.GOMAXPROCS(0),
		rng:     rand.New(rand.NewSource(rng.Int63())),
	}
}

// Transform a batch of images in parallel, output is written to dst as consecutive float32 images.
func (t *Transformer) TransformBatch(images []*Image, index []int, dst []float32) {
	if len(index) == 0 {
		return
	}
	nfeat := t.Size * t.Size * images[index[0]].Channels
	pos := make([]placement, len(index))
	for i, ix := range index {
		pos[i] = t.place(images[ix])
	}
	var wg sync.WaitGroup
	queue := make(chan int, len(index))
	for i := range index {
		queue <- i
	}
	close(queue)
	threads := t.Threads
	if threads < 1 {
		threads = 1
	}
	for ; threads > 0; threads-- {
		wg.Add(1)
		go func() {
			for i := range queue {
				t.apply(images[index[i]], pos[i], dst[i*nfeat:(i+1)*nfeat])
			}
			wg.Done()
		}()
	}
	wg.Wait()
}

// Transform a single image.
func (t *Transformer) Transform(src *Image, dst []float32) {
	t.apply(src, t.place(src), dst)
}

func (t *Transformer) place(src *Image) placement {
	p := placement{ox: (src.Width - t.Size) / 2, oy: (src.Height - t.Size) / 2}
	if t.Trans&Crop != 0 {
		// pad to Size+2*PadPixels then take a random Size crop
		p.ox += t.rng.Intn(2*PadPixels+1) - PadPixels
		p.oy += t.rng.Intn(2*PadPixels+1) - PadPixels
	}
	p.flip = t.Trans&HorizFlip != 0 && t.rng.Float64() < 0.5
	return p
}

func (t *Transformer) apply(src *Image, p placement, dst []float32) {
	for ch := 0; ch < src.Channels; ch++ {
		pix := src.Pixels(ch)
		out := dst[ch*t.Size*t.Size : (ch+1)*t.Size*t.Size]
		for y := 0; y < t.Size; y++ {
			sy := y + p.oy
			for x := 0; x < t.Size; x++ {
				sx := x + p.ox
				if p.flip {
					sx = t.Size - 1 - x + p.ox
				}
				if sx < 0 || sx >= src.Width || sy < 0 || sy >= src.Height {
					out[x+y*t.Size] = 0
				} else {
					out[x+y*t.Size] = float32(pix[sx+sy*src.Width])
				}
			}
		}
	}
	if t.Trans&Standardise != 0 {
		standardise(dst)
	}
}

// scale to zero mean and unit variance with stddev bounded below by 1/sqrt(n)
func standardise(data []float32) {
	s := new(stats.Average)
	for _, v := range data {
		s.Add(float64(v))
	}
	std := math.Max(s.PopStdDev(), 1/math.Sqrt(float64(len(data))))
	mean := float32(s.Mean)
	scale := float32(1 / std)
	for i, v := range data {
		data[i] = (v - mean) * scale
	}
}
