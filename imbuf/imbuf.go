// Package imbuf is the host image buffer: RGBA bytes, four per pixel, with
// rows stored bottom row first.
package imbuf

import (
	"errors"
	"fmt"
	"image"
	"image/color"
)

// ErrAlloc is returned when an image buffer cannot be allocated.
var ErrAlloc = errors.New("image buffer allocation failed")

// MaxBytes caps a single pixel buffer.
const MaxBytes = 1 << 32

// Flags select what Alloc allocates.
type Flags uint32

const (
	// FlagByteData allocates the pixel buffer along with the header.
	FlagByteData Flags = 1 << iota
)

// Image is a host-owned image. Planes is 24 for opaque images and 32 when
// the alpha channel is meaningful; Pixels always holds 4 bytes per pixel.
type Image struct {
	Width, Height int
	Planes        int
	Pixels        []byte
	ICCProfile    []byte
}

// Alloc creates an image header and, with FlagByteData, its pixels.
func Alloc(width, height, planes int, flags Flags) (*Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("alloc %dx%d: %w", width, height, ErrAlloc)
	}
	if planes != 24 && planes != 32 {
		return nil, fmt.Errorf("alloc %d planes: %w", planes, ErrAlloc)
	}
	img := &Image{Width: width, Height: height, Planes: planes}
	if flags&FlagByteData != 0 {
		if err := img.AddPixels(); err != nil {
			return nil, err
		}
	}
	return img, nil
}

// AddPixels allocates the zeroed pixel buffer if it is missing.
func (img *Image) AddPixels() error {
	if img.Pixels != nil {
		return nil
	}
	n := uint64(img.Width) * uint64(img.Height) * 4
	if n > MaxBytes || n > uint64(^uint(0)>>1) {
		return fmt.Errorf("alloc %dx%d pixels: %w", img.Width, img.Height, ErrAlloc)
	}
	img.Pixels = make([]byte, n)
	return nil
}

// HasAlpha reports whether the alpha channel carries information.
func (img *Image) HasAlpha() bool { return img.Planes == 32 }

// Stride is the byte length of one row.
func (img *Image) Stride() int { return img.Width * 4 }

// Row returns image row y, counted from the top.
func (img *Image) Row(y int) []byte {
	off := (img.Height - 1 - y) * img.Stride()
	return img.Pixels[off : off+img.Stride()]
}

// PackRGB returns the pixels with the alpha byte dropped, keeping the
// stored row order.
func (img *Image) PackRGB() []byte {
	out := make([]byte, img.Width*img.Height*3)
	for i, j := 0, 0; i < len(img.Pixels); i, j = i+4, j+3 {
		out[j], out[j+1], out[j+2] = img.Pixels[i], img.Pixels[i+1], img.Pixels[i+2]
	}
	return out
}

// FromImage converts src into a host image. The result has 32 planes if
// any pixel is not fully opaque.
func FromImage(src image.Image) (*Image, error) {
	b := src.Bounds()
	img, err := Alloc(b.Dx(), b.Dy(), 24, FlagByteData)
	if err != nil {
		return nil, err
	}
	for y := 0; y < img.Height; y++ {
		row := img.Row(y)
		for x := 0; x < img.Width; x++ {
			c := color.NRGBAModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			row[4*x], row[4*x+1], row[4*x+2], row[4*x+3] = c.R, c.G, c.B, c.A
			if c.A != 0xff {
				img.Planes = 32
			}
		}
	}
	return img, nil
}

// NRGBA converts the image to a top-down *image.NRGBA. Opaque images get
// alpha 255 regardless of the stored alpha bytes.
func (img *Image) NRGBA() *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, img.Width, img.Height))
	for y := 0; y < img.Height; y++ {
		dst := out.Pix[y*out.Stride : y*out.Stride+img.Stride()]
		copy(dst, img.Row(y))
		if !img.HasAlpha() {
			for x := 3; x < len(dst); x += 4 {
				dst[x] = 0xff
			}
		}
	}
	return out
}
