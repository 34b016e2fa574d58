package libwebp

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"math"

	"github.com/caffeineduck/webpbox/guest"
	"github.com/caffeineduck/webpbox/webpabi"
	"golang.org/x/image/draw"
	"golang.org/x/image/vp8l"
	"golang.org/x/image/webp"
)

// input reads the (data, size) argument pair. A null pointer yields nil.
func input(mem *guest.Memory, ptr, size uint64) ([]byte, error) {
	if ptr == 0 {
		return nil, nil
	}
	return mem.Read(uint32(ptr), uint32(size))
}

func exportGetInfo(ctx context.Context, inst *guest.Instance, params []uint64) ([]uint64, error) {
	if err := arity(webpabi.WebPGetInfo, params, 4); err != nil {
		return nil, err
	}
	data, err := input(inst.Mem(), params[0], params[1])
	if err != nil {
		return nil, err
	}
	if data == nil {
		return boolResult(false), nil
	}
	f, status := parseHeaders(data, false)
	if status != webpabi.StatusOK {
		return boolResult(false), nil
	}
	if w := uint32(params[2]); w != 0 {
		if err := inst.Mem().WriteInt32(w, int32(f.width)); err != nil {
			return nil, err
		}
	}
	if h := uint32(params[3]); h != 0 {
		if err := inst.Mem().WriteInt32(h, int32(f.height)); err != nil {
			return nil, err
		}
	}
	return boolResult(true), nil
}

func exportGetFeatures(ctx context.Context, inst *guest.Instance, params []uint64) ([]uint64, error) {
	if err := arity(webpabi.WebPGetFeaturesInternal, params, 4); err != nil {
		return nil, err
	}
	if !webpabi.Compatible(int32(params[3]), webpabi.DecoderABIVersion) {
		return i32(webpabi.StatusInvalidParam), nil
	}
	if params[2] == 0 {
		return i32(webpabi.StatusInvalidParam), nil
	}
	data, err := input(inst.Mem(), params[0], params[1])
	if err != nil {
		return nil, err
	}
	if data == nil {
		return i32(webpabi.StatusInvalidParam), nil
	}
	out := view(inst.Mem(), uint32(params[2]), webpabi.BitstreamFeatures)
	status, err := storeFeatures(out, data)
	if err != nil {
		return nil, err
	}
	return i32(status), nil
}

// storeFeatures fills a WebPBitstreamFeatures struct from the headers of
// data. The struct is zeroed first.
func storeFeatures(out cstruct, data []byte) (int32, error) {
	if err := out.zero(); err != nil {
		return 0, err
	}
	f, status := parseHeaders(data, false)
	if status != webpabi.StatusOK {
		return status, nil
	}
	fields := []struct {
		path string
		v    int32
	}{
		{"width", int32(f.width)},
		{"height", int32(f.height)},
		{"has_alpha", b2i(f.hasAlpha)},
		{"has_animation", b2i(f.hasAnimation)},
		{"format", f.format},
	}
	for _, fld := range fields {
		if err := out.setI32(fld.path, fld.v); err != nil {
			return 0, err
		}
	}
	return webpabi.StatusOK, nil
}

func b2i(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

func exportInitDecoderConfig(ctx context.Context, inst *guest.Instance, params []uint64) ([]uint64, error) {
	if err := arity(webpabi.WebPInitDecoderConfigInternal, params, 2); err != nil {
		return nil, err
	}
	if !webpabi.Compatible(int32(params[1]), webpabi.DecoderABIVersion) || params[0] == 0 {
		return boolResult(false), nil
	}
	if err := view(inst.Mem(), uint32(params[0]), webpabi.DecoderConfig).zero(); err != nil {
		return nil, err
	}
	return boolResult(true), nil
}

// decBuffer is the host copy of a WebPDecBuffer in RGB mode.
type decBuffer struct {
	mode          int32
	width, height int32
	external      bool
	rgba          uint32
	stride        int32
	size          uint32
	private       uint32
}

func loadDecBuffer(c cstruct) (decBuffer, error) {
	var b decBuffer
	var ext int32
	var err error
	read := func(path string, dst *int32) {
		if err == nil {
			*dst, err = c.i32(path)
		}
	}
	readU := func(path string, dst *uint32) {
		if err == nil {
			*dst, err = c.u32(path)
		}
	}
	read("colorspace", &b.mode)
	read("width", &b.width)
	read("height", &b.height)
	read("is_external_memory", &ext)
	readU("u.RGBA.rgba", &b.rgba)
	read("u.RGBA.stride", &b.stride)
	readU("u.RGBA.size", &b.size)
	readU("private_memory", &b.private)
	b.external = ext > 0
	return b, err
}

func (b decBuffer) store(c cstruct) error {
	for _, f := range []struct {
		path string
		v    uint32
	}{
		{"width", uint32(b.width)},
		{"height", uint32(b.height)},
		{"u.RGBA.rgba", b.rgba},
		{"u.RGBA.stride", uint32(b.stride)},
		{"u.RGBA.size", b.size},
		{"private_memory", b.private},
	} {
		if err := c.setU32(f.path, f.v); err != nil {
			return err
		}
	}
	return nil
}

// decodeOptions is the subset of WebPDecoderOptions the decoder honors.
type decodeOptions struct {
	fast         bool
	crop         bool
	cropX, cropY int32
	cropW, cropH int32
	scale        bool
	scaledW      int32
	scaledH      int32
	flip         bool
}

func loadOptions(c cstruct) (decodeOptions, error) {
	var raw [10]int32
	paths := []string{
		"bypass_filtering", "no_fancy_upsampling", "use_cropping",
		"crop_left", "crop_top", "crop_width", "crop_height",
		"use_scaling", "scaled_width", "scaled_height",
	}
	for i, p := range paths {
		v, err := c.i32(p)
		if err != nil {
			return decodeOptions{}, err
		}
		raw[i] = v
	}
	flip, err := c.i32("flip")
	if err != nil {
		return decodeOptions{}, err
	}
	return decodeOptions{
		fast:    raw[0] != 0 || raw[1] != 0,
		crop:    raw[2] != 0,
		cropX:   raw[3],
		cropY:   raw[4],
		cropW:   raw[5],
		cropH:   raw[6],
		scale:   raw[7] != 0,
		scaledW: raw[8],
		scaledH: raw[9],
		flip:    flip != 0,
	}, nil
}

// outputSize applies cropping then scaling to the source dimensions.
func (o *decodeOptions) outputSize(w, h int32) (int32, int32, bool) {
	if o == nil {
		return w, h, true
	}
	if o.crop {
		x, y, cw, ch := int64(o.cropX), int64(o.cropY), int64(o.cropW), int64(o.cropH)
		if x < 0 || y < 0 || cw <= 0 || ch <= 0 || x+cw > int64(w) || y+ch > int64(h) {
			return 0, 0, false
		}
		w, h = o.cropW, o.cropH
	}
	if o.scale {
		sw, sh, ok := scaledDimensions(w, h, o.scaledW, o.scaledH)
		if !ok {
			return 0, 0, false
		}
		w, h = sw, sh
	}
	return w, h, true
}

// scaledDimensions derives a zero target dimension from the aspect ratio,
// rounding up.
func scaledDimensions(srcW, srcH, w, h int32) (int32, int32, bool) {
	const maxSize = math.MaxInt32 / 2
	sw, sh := int64(w), int64(h)
	if sw == 0 && srcH > 0 {
		sw = (int64(srcW)*sh + int64(srcH) - 1) / int64(srcH)
	}
	if sh == 0 && srcW > 0 {
		sh = (int64(srcH)*sw + int64(srcW) - 1) / int64(srcW)
	}
	if sw <= 0 || sh <= 0 || sw > maxSize || sh > maxSize {
		return 0, 0, false
	}
	return int32(sw), int32(sh), true
}

// prepare sizes, allocates or checks, and optionally flips the output
// buffer, the way libwebp does before any pixel is produced.
func prepare(inst *guest.Instance, buf *decBuffer, w, h int32, opts *decodeOptions) int32 {
	w, h, ok := opts.outputSize(w, h)
	if !ok {
		return webpabi.StatusInvalidParam
	}
	buf.width, buf.height = w, h
	bpp := bytesPerPixel(buf.mode)
	if w <= 0 || h <= 0 || bpp == 0 {
		return webpabi.StatusInvalidParam
	}

	if !buf.external && buf.private == 0 {
		stride := uint64(bpp) * uint64(w)
		total := stride * uint64(h)
		if total > math.MaxUint32 {
			return webpabi.StatusOutOfMemory
		}
		ptr := inst.Malloc(uint32(total))
		if ptr == 0 {
			return webpabi.StatusOutOfMemory
		}
		buf.private = ptr
		buf.rgba = ptr
		buf.stride = int32(stride)
		buf.size = uint32(total)
	}

	stride := int64(buf.stride)
	if stride < 0 {
		stride = -stride
	}
	rowBytes := int64(bpp) * int64(w)
	need := stride*int64(h-1) + rowBytes
	if uint64(need) > uint64(buf.size) || stride < rowBytes || buf.rgba == 0 {
		return webpabi.StatusInvalidParam
	}

	if opts != nil && opts.flip {
		buf.rgba = uint32(int64(buf.rgba) + int64(h-1)*int64(buf.stride))
		buf.stride = -buf.stride
	}
	return webpabi.StatusOK
}

// decodeInto decodes data into buf. Faults (writes outside the domain's
// memory) are returned as errors; everything else is a status.
func decodeInto(inst *guest.Instance, data []byte, buf *decBuffer, opts *decodeOptions) (int32, error) {
	f, status := parseHeaders(data, true)
	if status != webpabi.StatusOK {
		return status, nil
	}
	if f.hasAnimation {
		return webpabi.StatusUnsupportedFeature, nil
	}
	if uint64(f.width)*uint64(f.height)*4 > inst.Mem().Limit() {
		return webpabi.StatusOutOfMemory, nil
	}

	if status := prepare(inst, buf, int32(f.width), int32(f.height), opts); status != webpabi.StatusOK {
		return status, nil
	}

	img, status := decodeFrame(f)
	if status != webpabi.StatusOK {
		releasePrivate(inst, buf)
		return status, nil
	}
	img = render(img, opts, int(buf.width), int(buf.height))
	if err := emit(inst.Mem(), buf, img); err != nil {
		return 0, err
	}
	return webpabi.StatusOK, nil
}

func releasePrivate(inst *guest.Instance, buf *decBuffer) {
	if !buf.external && buf.private != 0 {
		inst.Free(buf.private)
	}
	buf.private = 0
}

// decodeFrame decodes the still image described by f.
func decodeFrame(f features) (*image.NRGBA, int32) {
	var (
		img image.Image
		err error
	)
	if f.lossless {
		img, err = vp8l.Decode(bytes.NewReader(f.payload))
	} else {
		img, err = webp.Decode(bytes.NewReader(lossyContainer(f)))
	}
	if err != nil {
		return nil, webpabi.StatusBitstreamError
	}
	if img.Bounds().Dx() != f.width || img.Bounds().Dy() != f.height {
		return nil, webpabi.StatusBitstreamError
	}
	return toNRGBA(img), webpabi.StatusOK
}

// lossyContainer wraps a VP8 payload, and its ALPH chunk if any, in the
// minimal RIFF container the VP8 decoder accepts.
func lossyContainer(f features) []byte {
	var w riffWriter
	if f.alpha != nil {
		w.vp8x(webpabi.FlagAlpha, f.width, f.height)
		w.chunk("ALPH", f.alpha)
	}
	w.chunk("VP8 ", f.payload)
	return w.bytes()
}

func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// render crops and scales img to the output dimensions.
func render(img *image.NRGBA, opts *decodeOptions, w, h int) *image.NRGBA {
	src := img.Rect
	if opts != nil && opts.crop {
		src = image.Rect(int(opts.cropX), int(opts.cropY), int(opts.cropX+opts.cropW), int(opts.cropY+opts.cropH))
	}
	if src.Dx() == w && src.Dy() == h {
		if src == img.Rect {
			return img
		}
		return toNRGBA(img.SubImage(src))
	}
	var scaler draw.Scaler = draw.BiLinear
	if opts != nil && opts.fast {
		scaler = draw.ApproxBiLinear
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	scaler.Scale(dst, dst.Bounds(), img, src, draw.Src, nil)
	return dst
}

// emit writes img row by row at rgba + y*stride.
func emit(mem *guest.Memory, buf *decBuffer, img *image.NRGBA) error {
	bpp := bytesPerPixel(buf.mode)
	row := make([]byte, int(buf.width)*bpp)
	for y := 0; y < int(buf.height); y++ {
		packRow(row, img.Pix[y*img.Stride:], int(buf.width), buf.mode)
		addr := int64(buf.rgba) + int64(y)*int64(buf.stride)
		if addr < 0 || addr+int64(len(row)) > math.MaxUint32+1 {
			return fmt.Errorf("row %d at %d: outside address space", y, addr)
		}
		if err := mem.Write(uint32(addr), row); err != nil {
			return fmt.Errorf("row %d: %w", y, err)
		}
	}
	return nil
}

func exportDecode(ctx context.Context, inst *guest.Instance, params []uint64) ([]uint64, error) {
	if err := arity(webpabi.WebPDecode, params, 3); err != nil {
		return nil, err
	}
	if params[2] == 0 {
		return i32(webpabi.StatusInvalidParam), nil
	}
	data, err := input(inst.Mem(), params[0], params[1])
	if err != nil {
		return nil, err
	}
	if data == nil {
		return i32(webpabi.StatusInvalidParam), nil
	}
	config := view(inst.Mem(), uint32(params[2]), webpabi.DecoderConfig)

	status, err := storeFeatures(config.sub("input", webpabi.BitstreamFeatures), data)
	if err != nil {
		return nil, err
	}
	if status != webpabi.StatusOK {
		if status == webpabi.StatusNotEnoughData {
			status = webpabi.StatusBitstreamError
		}
		return i32(status), nil
	}

	out := config.sub("output", webpabi.DecBuffer)
	buf, err := loadDecBuffer(out)
	if err != nil {
		return nil, err
	}
	opts, err := loadOptions(config.sub("options", webpabi.DecoderOptions))
	if err != nil {
		return nil, err
	}
	status, err = decodeInto(inst, data, &buf, &opts)
	if err != nil {
		return nil, err
	}
	if err := buf.store(out); err != nil {
		return nil, err
	}
	return i32(status), nil
}

func exportDecodeRGBAInto(ctx context.Context, inst *guest.Instance, params []uint64) ([]uint64, error) {
	if err := arity(webpabi.WebPDecodeRGBAInto, params, 5); err != nil {
		return nil, err
	}
	output := uint32(params[2])
	if output == 0 {
		return u32(0), nil
	}
	data, err := input(inst.Mem(), params[0], params[1])
	if err != nil {
		return nil, err
	}
	if data == nil {
		return u32(0), nil
	}
	buf := decBuffer{
		mode:     webpabi.ModeRGBA,
		external: true,
		rgba:     output,
		size:     uint32(params[3]),
		stride:   int32(uint32(params[4])),
	}
	status, err := decodeInto(inst, data, &buf, nil)
	if err != nil {
		return nil, err
	}
	if status != webpabi.StatusOK {
		return u32(0), nil
	}
	return u32(output), nil
}

func exportFreeDecBuffer(ctx context.Context, inst *guest.Instance, params []uint64) ([]uint64, error) {
	if err := arity(webpabi.WebPFreeDecBuffer, params, 1); err != nil {
		return nil, err
	}
	if params[0] == 0 {
		return nil, nil
	}
	c := view(inst.Mem(), uint32(params[0]), webpabi.DecBuffer)
	ext, err := c.i32("is_external_memory")
	if err != nil {
		return nil, err
	}
	if ext <= 0 {
		private, err := c.u32("private_memory")
		if err != nil {
			return nil, err
		}
		if err := inst.Free(private); err != nil {
			return nil, err
		}
	}
	return nil, c.setU32("private_memory", 0)
}
