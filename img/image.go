// Package img contains routines for loading and augmenting sets of images.
package img

import (
	"image"
	"image/color"
	"image/draw"
)

var _ draw.Image = (*Image)(nil)

// Image type stores 8 bit pixel data with each colour channel stored as a separate plane
// in row major order. This is the same layout as the CIFAR binary records.
type Image struct {
	Pix      []uint8
	Width    int
	Height   int
	Channels int
}

// Create a new blank image
func NewImage(width, height, channels int) *Image {
	return &Image{Pix: make([]uint8, width*height*channels), Width: width, Height: height, Channels: channels}
}

func NewImageLike(src *Image) *Image {
	return NewImage(src.Width, src.Height, src.Channels)
}

func (m *Image) ColorModel() color.Model {
	if m.Channels == 1 {
		return color.GrayModel
	}
	return color.RGBAModel
}

func (m *Image) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.Width, m.Height)
}

func (m *Image) At(x, y int) color.Color {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return color.RGBA{}
	}
	if m.Channels == 1 {
		return color.Gray{Y: m.Pix[m.offset(x, y, 0)]}
	}
	return color.RGBA{R: m.Pix[m.offset(x, y, 0)], G: m.Pix[m.offset(x, y, 1)], B: m.Pix[m.offset(x, y, 2)], A: 0xff}
}

func (m *Image) Set(x, y int, c color.Color) {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return
	}
	if m.Channels == 1 {
		m.Pix[m.offset(x, y, 0)] = color.GrayModel.Convert(c).(color.Gray).Y
		return
	}
	rgb := color.RGBAModel.Convert(c).(color.RGBA)
	m.Pix[m.offset(x, y, 0)] = rgb.R
	m.Pix[m.offset(x, y, 1)] = rgb.G
	m.Pix[m.offset(x, y, 2)] = rgb.B
}

// Pixels returns the data for one colour channel
func (m *Image) Pixels(ch int) []uint8 {
	n := m.Width * m.Height
	return m.Pix[ch*n : (ch+1)*n]
}

// Float32 converts the raw pixel values to floating point without scaling
func (m *Image) Float32(dst []float32) {
	for i, v := range m.Pix {
		dst[i] = float32(v)
	}
}

func (m *Image) offset(x, y, ch int) int {
	return x + m.Width*(y+m.Height*ch)
}
