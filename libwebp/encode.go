package libwebp

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"math"

	"github.com/HugoSmits86/nativewebp"
	"github.com/caffeineduck/webpbox/guest"
	"github.com/caffeineduck/webpbox/webpabi"
)

// encoder returns a WebPEncode* export for bpp-byte pixels.
//
//	size_t WebPEncodeRGB(const uint8_t* rgb, int w, int h, int stride, float q, uint8_t** out)
//	size_t WebPEncodeLosslessRGB(const uint8_t* rgb, int w, int h, int stride, uint8_t** out)
//
// The bitstream is always VP8L. Lossy quality quantizes the color channels
// before encoding, so lower quality trades fidelity for size.
func encoder(bpp int, lossless bool) guest.Func {
	n := 6
	if lossless {
		n = 5
	}
	return func(ctx context.Context, inst *guest.Instance, params []uint64) ([]uint64, error) {
		if err := arity("WebPEncode", params, n); err != nil {
			return nil, err
		}
		out := uint32(params[n-1])
		if out == 0 {
			return u32(0), nil
		}
		if err := inst.Mem().WriteUint32(out, 0); err != nil {
			return nil, err
		}
		src := uint32(params[0])
		w, h := int32(uint32(params[1])), int32(uint32(params[2]))
		stride := int32(uint32(params[3]))
		if src == 0 || w <= 0 || h <= 0 || w > webpabi.MaxDimension || h > webpabi.MaxDimension {
			return u32(0), nil
		}
		if int64(stride) > -int64(w)*int64(bpp) && int64(stride) < int64(w)*int64(bpp) {
			return u32(0), nil
		}

		img, err := readPixels(inst.Mem(), src, int(w), int(h), int64(stride), bpp)
		if err != nil {
			return nil, err
		}
		if !lossless {
			quality := math.Float32frombits(uint32(params[4]))
			quantize(img, quality)
		}

		var encoded bytes.Buffer
		if err := nativewebp.Encode(&encoded, img, &nativewebp.Options{}); err != nil {
			return u32(0), nil
		}
		ptr := inst.Malloc(uint32(encoded.Len()))
		if ptr == 0 {
			return u32(0), nil
		}
		if err := inst.Mem().Write(ptr, encoded.Bytes()); err != nil {
			return nil, err
		}
		if err := inst.Mem().WriteUint32(out, ptr); err != nil {
			return nil, err
		}
		return u32(uint32(encoded.Len())), nil
	}
}

// readPixels reads h rows of w pixels starting at src, stepping by stride
// bytes (negative strides walk upwards).
func readPixels(mem *guest.Memory, src uint32, w, h int, stride int64, bpp int) (*image.NRGBA, error) {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	rowBytes := uint32(w * bpp)
	for y := 0; y < h; y++ {
		addr := int64(src) + int64(y)*stride
		if addr < 0 || addr > math.MaxUint32 {
			return nil, fmt.Errorf("row %d at %d: outside address space", y, addr)
		}
		row, err := mem.Read(uint32(addr), rowBytes)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", y, err)
		}
		unpackRow(img.Pix[y*img.Stride:], row, w, bpp)
	}
	return img, nil
}

// quantize drops low color bits according to quality (0..100). Alpha is
// left alone.
func quantize(img *image.NRGBA, quality float32) {
	if math.IsNaN(float64(quality)) || quality >= 100 {
		return
	}
	shift := min(max(int(100-quality)/25, 0), 3)
	if shift == 0 {
		return
	}
	half := 1 << (shift - 1)
	for i := 0; i < len(img.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			v := (int(img.Pix[i+c]) + half) >> shift << shift
			img.Pix[i+c] = byte(min(v, 0xff))
		}
	}
}
