package codec

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/caffeineduck/webpbox/imbuf"
	"github.com/caffeineduck/webpbox/mmapfile"
	"github.com/caffeineduck/webpbox/tainted"
	"github.com/caffeineduck/webpbox/webpabi"
	"go.uber.org/zap"
)

// fail logs a failed operation once and returns err unchanged.
func fail(err error) error {
	var e *Error
	if errors.As(err, &e) {
		logFailure(e)
	}
	return err
}

// Decode decodes a whole WebP image. With FlagTest only the header is
// read and the returned image has no pixels.
func (d *Driver) Decode(ctx context.Context, data []byte, flags DecodeFlags) (*imbuf.Image, error) {
	img, err := d.decode(ctx, data, flags)
	if err != nil {
		return nil, fail(err)
	}
	return img, nil
}

func (d *Driver) decode(ctx context.Context, data []byte, flags DecodeFlags) (*imbuf.Image, error) {
	const op = "decode"
	if len(data) > d.limits.MaxInputBytes {
		return nil, newError(KindInvalidArgument, op, nil,
			fmt.Sprintf("%d bytes exceeds input limit %d", len(data), d.limits.MaxInputBytes))
	}
	if !d.IsFormat(ctx, data) {
		return nil, newError(KindFormatMismatch, op, nil, "not a WebP image")
	}

	s, err := d.open(ctx, op)
	if err != nil {
		return nil, err
	}
	defer s.close(ctx)

	in, err := s.copyIn(ctx, data)
	if err != nil {
		return nil, newError(KindAllocation, op, err, "input buffer")
	}

	feat, err := tainted.AllocStruct(ctx, s.arena, webpabi.BitstreamFeatures)
	if err != nil {
		return nil, newError(KindAllocation, op, err, "features")
	}
	if err := tainted.Construct(feat, nil); err != nil {
		return nil, newError(KindAllocation, op, err, "features")
	}
	res, err := s.arena.Call(ctx, webpabi.WebPGetFeaturesInternal,
		in.Arg(), uint64(len(data)), feat.Arg(), tainted.I32(webpabi.DecoderABIVersion))
	if err != nil {
		return nil, newError(KindFeatureParse, op, err, trapDetail(err, "features"))
	}
	if _, err := tainted.Extract(res.Int32(0), tainted.Equals[int32](webpabi.StatusOK)); err != nil {
		return nil, newError(KindFeatureParse, op, err, "features")
	}

	dims := tainted.InRange(1, int32(d.limits.MaxDimension))
	w, err := field(feat, "width", dims)
	if err != nil {
		return nil, newError(KindFeatureParse, op, err, "width")
	}
	h, err := field(feat, "height", dims)
	if err != nil {
		return nil, newError(KindFeatureParse, op, err, "height")
	}
	alpha, err := field(feat, "has_alpha", tainted.Bool)
	if err != nil {
		return nil, newError(KindFeatureParse, op, err, "has_alpha")
	}

	planes := 24
	if alpha == 1 {
		planes = 32
	}
	img, err := imbuf.Alloc(int(w), int(h), planes, 0)
	if err != nil {
		return nil, newError(KindAllocation, op, err, "image")
	}
	if flags&FlagTest != 0 {
		return img, nil
	}

	stride := uint32(w) * 4
	size := stride * uint32(h)
	out, err := tainted.Alloc[uint8](ctx, s.arena, size)
	if err != nil {
		return nil, newError(KindAllocation, op, err, "output buffer")
	}
	last, err := out.ArgAt(size - stride)
	if err != nil {
		return nil, newError(KindAllocation, op, err, "output buffer")
	}
	res, err = s.arena.Call(ctx, webpabi.WebPDecodeRGBAInto,
		in.Arg(), uint64(len(data)), last, uint64(size), tainted.I32(-int32(stride)))
	if err != nil {
		return nil, newError(KindDecode, op, err, trapDetail(err, "decode"))
	}
	if _, err := tainted.Extract(res.Uint32(0), tainted.Equals(uint32(last))); err != nil {
		return nil, newError(KindDecode, op, err, "decode")
	}

	pixels, err := tainted.ExtractRange(out, size)
	if err != nil {
		return nil, newError(KindDecode, op, err, "extract pixels")
	}
	img.Pixels = pixels

	Logger().Debug("decoded",
		zap.Int("width", img.Width), zap.Int("height", img.Height), zap.Bool("alpha", img.HasAlpha()))
	return img, nil
}

// thumbnailSize scales w x h so the longer side becomes limit, keeping the
// aspect ratio. The limit is capped at the format maximum before scaling,
// so neither side exceeds it. Each side is at least 1.
func thumbnailSize(w, h, limit int) (int, int) {
	limit = min(limit, webpabi.MaxDimension)
	scale := float64(limit) / float64(max(w, h))
	side := func(n int) int {
		v := int(math.Round(float64(n) * scale))
		return min(max(v, 1), limit)
	}
	return side(w), side(h)
}

// DecodeThumbnail decodes the WebP file at path scaled so that its longer
// side is maxDimension. It also returns the original dimensions.
func (d *Driver) DecodeThumbnail(ctx context.Context, path string, maxDimension int) (*imbuf.Image, int, int, error) {
	img, ow, oh, err := d.decodeThumbnail(ctx, path, maxDimension)
	if err != nil {
		return nil, 0, 0, fail(err)
	}
	return img, ow, oh, nil
}

func (d *Driver) decodeThumbnail(ctx context.Context, path string, maxDimension int) (*imbuf.Image, int, int, error) {
	const op = "thumbnail"
	if maxDimension <= 0 {
		return nil, 0, 0, newError(KindInvalidArgument, op, nil,
			fmt.Sprintf("max dimension %d", maxDimension))
	}

	f, err := mmapfile.Open(path)
	if err != nil {
		e := newError(KindFileIO, op, err, "open")
		e.Path = path
		return nil, 0, 0, e
	}
	defer func() {
		if err := f.Close(); err != nil {
			Logger().Debug("unmap failed", zap.String("path", path), zap.Error(err))
		}
	}()

	n := f.Len()
	if n > d.limits.MaxInputBytes {
		return nil, 0, 0, newError(KindInvalidArgument, op, nil,
			fmt.Sprintf("%d bytes exceeds input limit %d", n, d.limits.MaxInputBytes))
	}

	s, err := d.open(ctx, op)
	if err != nil {
		return nil, 0, 0, err
	}
	defer s.close(ctx)

	in, err := tainted.Alloc[uint8](ctx, s.arena, uint32(n))
	if err != nil {
		return nil, 0, 0, newError(KindAllocation, op, err, "input buffer")
	}
	if err := f.With(in.CopyIn); err != nil {
		e := newError(KindFileIO, op, err, "read")
		e.Path = path
		return nil, 0, 0, e
	}

	config, err := tainted.AllocStruct(ctx, s.arena, webpabi.DecoderConfig)
	if err != nil {
		return nil, 0, 0, newError(KindAllocation, op, err, "decoder config")
	}
	if err := tainted.Construct(config, nil); err != nil {
		return nil, 0, 0, newError(KindAllocation, op, err, "decoder config")
	}
	res, err := s.arena.Call(ctx, webpabi.WebPInitDecoderConfigInternal,
		config.Arg(), tainted.I32(webpabi.DecoderABIVersion))
	if err != nil {
		return nil, 0, 0, newError(KindFeatureParse, op, err, trapDetail(err, "init config"))
	}
	if _, err := tainted.Extract(res.Int32(0), tainted.NonZero[int32]); err != nil {
		return nil, 0, 0, newError(KindFeatureParse, op, err, "init config")
	}

	input, err := config.FieldArg("input")
	if err != nil {
		return nil, 0, 0, newError(KindFeatureParse, op, err, "")
	}
	res, err = s.arena.Call(ctx, webpabi.WebPGetFeaturesInternal,
		in.Arg(), uint64(n), input, tainted.I32(webpabi.DecoderABIVersion))
	if err != nil {
		return nil, 0, 0, newError(KindFeatureParse, op, err, trapDetail(err, "features"))
	}
	if _, err := tainted.Extract(res.Int32(0), tainted.Equals[int32](webpabi.StatusOK)); err != nil {
		return nil, 0, 0, newError(KindFeatureParse, op, err, "features")
	}

	dims := tainted.InRange(1, webpabi.MaxDimension)
	ow, err := field(config, "input.width", dims)
	if err != nil {
		return nil, 0, 0, newError(KindFeatureParse, op, err, "width")
	}
	oh, err := field(config, "input.height", dims)
	if err != nil {
		return nil, 0, 0, newError(KindFeatureParse, op, err, "height")
	}
	dw, dh := thumbnailSize(int(ow), int(oh), maxDimension)

	img, err := imbuf.Alloc(dw, dh, 32, imbuf.FlagByteData)
	if err != nil {
		return nil, 0, 0, newError(KindAllocation, op, err, "image")
	}
	pin, err := tainted.Pin(ctx, s.arena, img.Pixels)
	if err != nil {
		return nil, 0, 0, newError(KindAllocation, op, err, "pin output")
	}

	stride := int32(dw * 4)
	set := []struct {
		path string
		v    int32
	}{
		{"options.no_fancy_upsampling", 1},
		{"options.bypass_filtering", 1},
		{"options.use_threads", 0},
		{"options.dithering_strength", 0},
		{"options.alpha_dithering_strength", 0},
		{"options.use_scaling", 1},
		{"options.scaled_width", int32(dw)},
		{"options.scaled_height", int32(dh)},
		{"options.flip", 1},
		{"output.colorspace", webpabi.ModeRGBA},
		{"output.is_external_memory", 1},
		{"output.u.RGBA.stride", stride},
	}
	for _, opt := range set {
		if err := config.SetInt32(opt.path, opt.v); err != nil {
			return nil, 0, 0, newError(KindDecode, op, err, "configure")
		}
	}
	if err := config.SetUint32("output.u.RGBA.rgba", pin.Addr()); err != nil {
		return nil, 0, 0, newError(KindDecode, op, err, "configure")
	}
	if err := config.SetUint32("output.u.RGBA.size", pin.Len()); err != nil {
		return nil, 0, 0, newError(KindDecode, op, err, "configure")
	}

	res, err = s.arena.Call(ctx, webpabi.WebPDecode, in.Arg(), uint64(n), config.Arg())
	if err != nil {
		return nil, 0, 0, newError(KindDecode, op, err, trapDetail(err, "decode"))
	}
	status, err := tainted.Extract(res.Int32(0), tainted.InRange(webpabi.StatusOK, webpabi.StatusNotEnoughData))
	if err != nil {
		return nil, 0, 0, newError(KindDecode, op, err, "decode")
	}
	output, err := config.FieldArg("output")
	if err != nil {
		return nil, 0, 0, newError(KindDecode, op, err, "")
	}
	if _, err := s.arena.Call(ctx, webpabi.WebPFreeDecBuffer, output); err != nil {
		return nil, 0, 0, newError(KindDecode, op, err, trapDetail(err, "free output"))
	}
	if status != webpabi.StatusOK {
		return nil, 0, 0, newError(KindDecode, op, nil, webpabi.StatusText(status))
	}
	if _, err := field(config, "output.width", tainted.Equals(int32(dw))); err != nil {
		return nil, 0, 0, newError(KindDecode, op, err, "output width")
	}
	if _, err := field(config, "output.height", tainted.Equals(int32(dh))); err != nil {
		return nil, 0, 0, newError(KindDecode, op, err, "output height")
	}
	if err := pin.Unpin(ctx); err != nil {
		return nil, 0, 0, newError(KindDecode, op, err, "unpin output")
	}

	Logger().Debug("thumbnail decoded",
		zap.String("path", path), zap.Int("width", dw), zap.Int("height", dh),
		zap.Int32("original_width", ow), zap.Int32("original_height", oh))
	return img, int(ow), int(oh), nil
}
