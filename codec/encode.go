package codec

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/caffeineduck/webpbox/imbuf"
	"github.com/caffeineduck/webpbox/tainted"
	"github.com/caffeineduck/webpbox/webpabi"
	"go.uber.org/zap"
)

// encodedBlock is a bitstream allocated by the codec. It is released only
// through WebPFree.
type encodedBlock struct {
	ptr, size uint32
	freed     bool
}

func (b *encodedBlock) free(ctx context.Context, s *session) error {
	if b.freed {
		return nil
	}
	b.freed = true
	if _, err := s.arena.Call(ctx, webpabi.WebPFree, uint64(b.ptr)); err != nil {
		return fmt.Errorf("free encoded block: %w", err)
	}
	return nil
}

// muxHandle is a WebPMux object. It is released only through
// WebPMuxDelete.
type muxHandle struct {
	ptr     uint32
	deleted bool
}

func (m *muxHandle) delete(ctx context.Context, s *session) error {
	if m.deleted {
		return nil
	}
	m.deleted = true
	if _, err := s.arena.Call(ctx, webpabi.WebPMuxDelete, uint64(m.ptr)); err != nil {
		return fmt.Errorf("delete mux: %w", err)
	}
	return nil
}

// assembledData is a WebPData the mux filled in. Its bytes belong to the
// codec and are released with the WebPDataClear contract: WebPFree the
// bytes, then zero the struct.
type assembledData struct {
	data    *tainted.Struct
	cleared bool
}

func (a *assembledData) clear(ctx context.Context, s *session) error {
	if a.cleared {
		return nil
	}
	a.cleared = true
	raw, err := a.data.Uint32("bytes")
	if err != nil {
		return err
	}
	mem := s.mem()
	ptr, err := tainted.Extract(raw, func(p uint32) bool { return p < mem.Size() })
	if err != nil {
		return fmt.Errorf("clear assembled data: %w", err)
	}
	if ptr != 0 {
		if _, err := s.arena.Call(ctx, webpabi.WebPFree, uint64(ptr)); err != nil {
			return fmt.Errorf("clear assembled data: %w", err)
		}
	}
	if err := a.data.SetUint32("bytes", 0); err != nil {
		return err
	}
	return a.data.SetUint32("size", 0)
}

// EncodeBytes encodes img into a WebP container and returns its bytes.
func (d *Driver) EncodeBytes(ctx context.Context, img *imbuf.Image, opts EncodeOptions) ([]byte, error) {
	out, err := d.encodeBytes(ctx, "encode", img, opts)
	if err != nil {
		return nil, fail(err)
	}
	return out, nil
}

// Save encodes img and writes it to path. The file is replaced atomically.
func (d *Driver) Save(ctx context.Context, img *imbuf.Image, path string, opts EncodeOptions) error {
	const op = "save"
	out, err := d.encodeBytes(ctx, op, img, opts)
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			e.Path = path
		}
		return fail(err)
	}
	if err := writeFile(path, out); err != nil {
		e := newError(KindFileIO, op, err, "write")
		e.Path = path
		return fail(e)
	}
	Logger().Debug("saved", zap.String("path", path), zap.Int("bytes", len(out)))
	return nil
}

func (d *Driver) validate(op string, img *imbuf.Image, opts EncodeOptions) error {
	if img == nil || img.Width <= 0 || img.Height <= 0 {
		return newError(KindInvalidArgument, op, nil, "empty image")
	}
	if img.Width > d.limits.MaxDimension || img.Height > d.limits.MaxDimension {
		return newError(KindDimensionLimit, op, nil,
			fmt.Sprintf("%dx%d exceeds %d", img.Width, img.Height, d.limits.MaxDimension))
	}
	if len(img.Pixels) != img.Width*img.Height*4 {
		return newError(KindInvalidArgument, op, nil,
			fmt.Sprintf("%d pixel bytes for %dx%d", len(img.Pixels), img.Width, img.Height))
	}
	q := float64(opts.Quality)
	if math.IsNaN(q) || q < 0 || q > 100 {
		return newError(KindInvalidArgument, op, nil, fmt.Sprintf("quality %v", opts.Quality))
	}
	return nil
}

func (d *Driver) encodeBytes(ctx context.Context, op string, img *imbuf.Image, opts EncodeOptions) ([]byte, error) {
	if err := d.validate(op, img, opts); err != nil {
		return nil, err
	}
	icc := opts.ICCProfile
	if icc == nil {
		icc = img.ICCProfile
	}

	s, err := d.open(ctx, op)
	if err != nil {
		return nil, err
	}
	defer s.close(ctx)

	block, err := d.encode(ctx, s, img, opts)
	if err != nil {
		return nil, err
	}
	out, err := d.assemble(ctx, s, block, icc)
	if err != nil {
		return nil, err
	}
	Logger().Debug("encoded",
		zap.String("op", op), zap.Int("width", img.Width), zap.Int("height", img.Height),
		zap.Bool("lossless", opts.Lossless()), zap.Int("bytes", len(out)))
	return out, nil
}

// encode runs the codec's one-shot encoder over img. Rows are handed over
// from the last stored row with a negative stride, which gives the codec
// the top row first.
func (d *Driver) encode(ctx context.Context, s *session, img *imbuf.Image, opts EncodeOptions) (*encodedBlock, error) {
	op := s.op
	pixels, bpp := img.Pixels, 4
	if !img.HasAlpha() {
		pixels, bpp = img.PackRGB(), 3
	}
	stride := uint32(img.Width * bpp)

	in, err := s.copyIn(ctx, pixels)
	if err != nil {
		return nil, newError(KindAllocation, op, err, "pixel buffer")
	}
	last, err := in.ArgAt(stride * uint32(img.Height-1))
	if err != nil {
		return nil, newError(KindAllocation, op, err, "pixel buffer")
	}
	cell, err := tainted.Alloc[uint32](ctx, s.arena, 1)
	if err != nil {
		return nil, newError(KindAllocation, op, err, "output cell")
	}
	if err := cell.Set(0, 0); err != nil {
		return nil, newError(KindAllocation, op, err, "output cell")
	}

	w, h := uint64(img.Width), uint64(img.Height)
	neg := tainted.I32(-int32(stride))
	var res tainted.Results
	if opts.Lossless() {
		name := webpabi.WebPEncodeLosslessRGB
		if bpp == 4 {
			name = webpabi.WebPEncodeLosslessRGBA
		}
		res, err = s.arena.Call(ctx, name, last, w, h, neg, cell.Arg())
	} else {
		name := webpabi.WebPEncodeRGB
		if bpp == 4 {
			name = webpabi.WebPEncodeRGBA
		}
		res, err = s.arena.Call(ctx, name, last, w, h, neg, tainted.F32(opts.Quality), cell.Arg())
	}
	if err != nil {
		return nil, newError(KindEncode, op, err, trapDetail(err, "encode"))
	}

	limit := uint32(d.limits.MaxOutputBytes)
	size, err := tainted.Extract(res.Uint32(0), func(n uint32) bool { return n > 0 && n <= limit })
	if err != nil {
		return nil, newError(KindEncode, op, err, "encoded size")
	}
	raw, err := tainted.Element(cell, 0)
	if err != nil {
		return nil, newError(KindEncode, op, err, "encoded pointer")
	}
	ptr, err := tainted.ExtractPtr(s.mem(), raw, size)
	if err != nil {
		return nil, newError(KindEncode, op, err, "encoded pointer")
	}
	return &encodedBlock{ptr: ptr, size: size}, nil
}

// assemble wraps block in a container with an optional ICC profile and
// returns the container bytes. Whatever happens, the mux, the block and
// the assembled data are released in that order.
func (d *Driver) assemble(ctx context.Context, s *session, block *encodedBlock, icc []byte) (out []byte, err error) {
	op := s.op
	var (
		mux  *muxHandle
		data *assembledData
	)
	defer func() {
		ctx := context.WithoutCancel(ctx)
		var errs []error
		if mux != nil {
			errs = append(errs, mux.delete(ctx, s))
		}
		errs = append(errs, block.free(ctx, s))
		if data != nil {
			errs = append(errs, data.clear(ctx, s))
		}
		if rerr := errors.Join(errs...); rerr != nil {
			Logger().Debug("codec release failed", zap.String("op", op), zap.Error(rerr))
			if err == nil {
				out, err = nil, newError(KindMuxAssembly, op, rerr, "release")
			}
		}
	}()

	res, err := s.arena.Call(ctx, webpabi.WebPNewInternal, tainted.I32(webpabi.MuxABIVersion))
	if err != nil {
		return nil, newError(KindMuxAssembly, op, err, trapDetail(err, "new mux"))
	}
	handle, err := tainted.Extract(res.Uint32(0), tainted.NonZero[uint32])
	if err != nil {
		return nil, newError(KindMuxAssembly, op, err, "new mux")
	}
	mux = &muxHandle{ptr: handle}

	image, err := d.webpData(ctx, s, block.ptr, block.size)
	if err != nil {
		return nil, newError(KindAllocation, op, err, "image data")
	}
	res, err = s.arena.Call(ctx, webpabi.WebPMuxSetImage, uint64(mux.ptr), image.Arg(), 0)
	if err := muxStatus(res, err); err != nil {
		return nil, newError(KindMuxAssembly, op, err, trapDetail(err, "set image"))
	}

	if len(icc) > 0 {
		if err := d.setICC(ctx, s, mux, icc); err != nil {
			return nil, err
		}
	}

	st, err := tainted.AllocStruct(ctx, s.arena, webpabi.Data)
	if err != nil {
		return nil, newError(KindAllocation, op, err, "assembled data")
	}
	if err := tainted.Construct(st, nil); err != nil {
		return nil, newError(KindAllocation, op, err, "assembled data")
	}
	data = &assembledData{data: st}
	res, err = s.arena.Call(ctx, webpabi.WebPMuxAssemble, uint64(mux.ptr), st.Arg())
	if err := muxStatus(res, err); err != nil {
		return nil, newError(KindMuxAssembly, op, err, trapDetail(err, "assemble"))
	}

	ptr, err := st.Uint32("bytes")
	if err != nil {
		return nil, newError(KindMuxAssembly, op, err, "assembled data")
	}
	size, err := st.Uint32("size")
	if err != nil {
		return nil, newError(KindMuxAssembly, op, err, "assembled data")
	}
	out, err = tainted.ExtractBlock(s.mem(), ptr, size, uint32(d.limits.MaxOutputBytes))
	if err != nil {
		return nil, newError(KindMuxAssembly, op, err, "assembled data")
	}
	return out, nil
}

func (d *Driver) setICC(ctx context.Context, s *session, mux *muxHandle, icc []byte) error {
	op := s.op
	profile, err := s.copyIn(ctx, icc)
	if err != nil {
		return newError(KindAllocation, op, err, "ICC profile")
	}
	fourcc, err := s.copyIn(ctx, []byte("ICCP"))
	if err != nil {
		return newError(KindAllocation, op, err, "ICC fourcc")
	}
	chunk, err := d.webpData(ctx, s, profile.Addr(), profile.Size())
	if err != nil {
		return newError(KindAllocation, op, err, "ICC data")
	}
	res, err := s.arena.Call(ctx, webpabi.WebPMuxSetChunk, uint64(mux.ptr), fourcc.Arg(), chunk.Arg(), 1)
	if err := muxStatus(res, err); err != nil {
		return newError(KindMuxAssembly, op, err, trapDetail(err, "set ICCP chunk"))
	}
	return nil
}

// webpData constructs a WebPData pointing at size bytes at ptr.
func (d *Driver) webpData(ctx context.Context, s *session, ptr, size uint32) (*tainted.Struct, error) {
	st, err := tainted.AllocStruct(ctx, s.arena, webpabi.Data)
	if err != nil {
		return nil, err
	}
	err = tainted.Construct(st, func(f *tainted.Fresh) error {
		if err := f.SetUint32("bytes", ptr); err != nil {
			return err
		}
		return f.SetUint32("size", size)
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func muxStatus(res tainted.Results, err error) error {
	if err != nil {
		return err
	}
	status, err := tainted.Extract(res.Int32(0), tainted.InRange(webpabi.MuxNotEnoughData, webpabi.MuxOK))
	if err != nil {
		return err
	}
	if status != webpabi.MuxOK {
		return errors.New(webpabi.MuxErrorText(status))
	}
	return nil
}

// writeFile writes data to a temporary file next to path and renames it
// into place.
func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("closing %s: %w", name, err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("renaming to %s: %w", path, err)
	}
	return nil
}
