package img

import (
	"os"
	"sort"
	"strconv"

	"github.com/mattn/go-zglob"
	"github.com/pkg/errors"
)

const (
	cifarSize     = 32
	cifarChannels = 3
)

var cifar10Classes = []string{"airplane", "automobile", "bird", "cat", "deer", "dog", "frog", "horse", "ship", "truck"}

// Image data set which implements the nnet.Data interface
type Data struct {
	Class  []string
	Dims   []int
	Labels []int32
	Images []*Image
	trans  *Transformer
}

// Create a new image set, dims are set from the first image as width, height, channels
func NewData(classes []string, labels []int32, images []*Image) *Data {
	src := images[0]
	dims := []int{src.Width, src.Height, src.Channels}
	return &Data{Class: classes, Dims: dims, Labels: labels, Images: images}
}

// ReadCIFAR loads all of the CIFAR binary files matching the pattern. Each record has a
// label byte followed by 3072 pixel bytes. CIFAR-100 records have an additional coarse label
// byte before the fine label.
func ReadCIFAR(dataset, pattern string) (*Data, error) {
	var labelBytes, labelOffset int
	var classes []string
	switch dataset {
	case "cifar10":
		labelBytes, labelOffset = 1, 0
		classes = cifar10Classes
	case "cifar100":
		labelBytes, labelOffset = 2, 1
		classes = make([]string, 100)
		for i := range classes {
			classes[i] = strconv.Itoa(i)
		}
	default:
		return nil, errors.Errorf("invalid dataset %q", dataset)
	}
	files, err := zglob.Glob(pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid data path %s", pattern)
	}
	if len(files) == 0 {
		return nil, errors.Errorf("no data files match %s", pattern)
	}
	sort.Strings(files)
	imageBytes := cifarSize * cifarSize * cifarChannels
	recordBytes := labelBytes + imageBytes
	var labels []int32
	var images []*Image
	for _, file := range files {
		buf, err := os.ReadFile(file)
		if err != nil {
			return nil, errors.Wrap(err, "read CIFAR data")
		}
		if len(buf) == 0 || len(buf)%recordBytes != 0 {
			return nil, errors.Errorf("%s: size %d is not a multiple of record size %d", file, len(buf), recordBytes)
		}
		for pos := 0; pos < len(buf); pos += recordBytes {
			label := int32(buf[pos+labelOffset])
			if int(label) >= len(classes) {
				return nil, errors.Errorf("%s: invalid label %d at offset %d", file, label, pos)
			}
			m := NewImage(cifarSize, cifarSize, cifarChannels)
			copy(m.Pix, buf[pos+labelBytes:pos+recordBytes])
			labels = append(labels, label)
			images = append(images, m)
		}
	}
	return NewData(classes, labels, images), nil
}

// SetTransformer sets the image transformations applied by Input, this should be called before
// the data is wrapped in an nnet.Dataset as the transformer may change the input shape.
func (d *Data) SetTransformer(t *Transformer) {
	d.trans = t
}

// Len function returns number of images
func (d *Data) Len() int { return len(d.Labels) }

// Classes function returns the class names
func (d *Data) Classes() []string { return d.Class }

// Shape returns width, height, channels of the input to the network
func (d *Data) Shape() []int {
	if d.trans != nil {
		return []int{d.trans.Size, d.trans.Size, d.Dims[2]}
	}
	return d.Dims
}

// Label returns classification for given images
func (d *Data) Label(index []int, label []int32) {
	for i, ix := range index {
		label[i] = d.Labels[ix]
	}
}

// Input returns the input data in buf array, transformed if a transformer has been set
func (d *Data) Input(index []int, buf []float32) {
	if d.trans != nil {
		d.trans.TransformBatch(d.Images, index, buf)
		return
	}
	nfeat := d.nfeat()
	for i, ix := range index {
		d.Images[ix].Float32(buf[i*nfeat:])
	}
}

// Image returns given image number, if channel is set then just show this colour channel
func (d *Data) Image(ix int, channel string) *Image {
	src := d.Images[ix]
	ch, haveChannel := map[string]int{"r": 0, "g": 1, "b": 2}[channel]
	if !haveChannel || ch >= src.Channels {
		return src
	}
	dst := NewImageLike(src)
	for i := 0; i < src.Channels; i++ {
		copy(dst.Pixels(i), src.Pixels(ch))
	}
	return dst
}

// Slice returns images from start to end
func (d *Data) Slice(start, end int) *Data {
	data := *d
	data.Labels = append([]int32{}, d.Labels[start:end]...)
	data.Images = append([]*Image{}, d.Images[start:end]...)
	return &data
}

func (d *Data) nfeat() int {
	n := 1
	for _, d := range d.Dims {
		n *= d
	}
	return n
}
