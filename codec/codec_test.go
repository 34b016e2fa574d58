package codec_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/caffeineduck/webpbox/codec"
	"github.com/caffeineduck/webpbox/guest"
	"github.com/caffeineduck/webpbox/imbuf"
	"github.com/caffeineduck/webpbox/libwebp"
	"github.com/caffeineduck/webpbox/sandbox"
	"github.com/caffeineduck/webpbox/webpabi"
)

func newDriver(t *testing.T, opts ...guest.Option) *codec.Driver {
	t.Helper()
	d := codec.New(libwebp.NewFactory(opts...))
	t.Cleanup(func() { d.Close(context.Background()) })
	return d
}

func gradient(w, h int, alpha bool) *imbuf.Image {
	src := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			a := uint8(0xff)
			if alpha {
				a = uint8(32 + (x*7+y*3)%200)
			}
			src.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 13), G: uint8(y * 29), B: uint8(x ^ y), A: a})
		}
	}
	img, err := imbuf.FromImage(src)
	if err != nil {
		panic(err)
	}
	return img
}

func solid(w, h int, c color.NRGBA) *imbuf.Image {
	src := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(src.Pix); i += 4 {
		src.Pix[i], src.Pix[i+1], src.Pix[i+2], src.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	img, err := imbuf.FromImage(src)
	if err != nil {
		panic(err)
	}
	return img
}

func encode(t *testing.T, d *codec.Driver, img *imbuf.Image, quality float32) []byte {
	t.Helper()
	data, err := d.EncodeBytes(context.Background(), img, codec.EncodeOptions{Quality: quality})
	if err != nil {
		t.Fatalf("EncodeBytes: %v", err)
	}
	return data
}

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.webp")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIsFormatRejectsMalformed(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	noise := make([]byte, 257)
	for i := range noise {
		noise[i] = byte(i*131 + 7)
	}
	inputs := map[string][]byte{
		"empty":        nil,
		"riff only":    []byte("RIFF"),
		"bare header":  []byte("RIFF\x00\x00\x00\x00WEBP"),
		"unknown":      []byte("RIFF\x10\x00\x00\x00WEBPJUNK\x04\x00\x00\x00abcd"),
		"text":         []byte("definitely not an image"),
		"noise":        noise,
		"bad vp8l sig": []byte("RIFF\x12\x00\x00\x00WEBPVP8L\x05\x00\x00\x00\x00\x00\x00\x00\x00\x00"),
	}
	for name, data := range inputs {
		if d.IsFormat(ctx, data) {
			t.Errorf("%s: IsFormat = true", name)
		}
	}

	if !d.IsFormat(ctx, encode(t, d, gradient(3, 3, false), 100)) {
		t.Error("IsFormat rejected a valid image")
	}
}

func TestLosslessRoundTrip(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	for _, alpha := range []bool{false, true} {
		img := gradient(17, 9, alpha)
		data := encode(t, d, img, 100)

		got, err := d.Decode(ctx, data, 0)
		if err != nil {
			t.Fatalf("alpha=%v: Decode: %v", alpha, err)
		}
		if got.Width != img.Width || got.Height != img.Height {
			t.Fatalf("alpha=%v: size = %dx%d, want %dx%d", alpha, got.Width, got.Height, img.Width, img.Height)
		}
		if !bytes.Equal(got.Pixels, img.Pixels) {
			t.Errorf("alpha=%v: pixels differ after round trip", alpha)
		}
	}
}

func TestRedRoundTrip(t *testing.T) {
	d := newDriver(t)
	red := color.NRGBA{R: 0xff, A: 0xff}
	img := solid(4, 4, red)

	got, err := d.Decode(context.Background(), encode(t, d, img, 100), 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Width != 4 || got.Height != 4 {
		t.Fatalf("size = %dx%d", got.Width, got.Height)
	}
	for i := 0; i < len(got.Pixels); i += 4 {
		if !bytes.Equal(got.Pixels[i:i+4], []byte{0xff, 0, 0, 0xff}) {
			t.Fatalf("pixel %d = %v, want red", i/4, got.Pixels[i:i+4])
		}
	}
}

func TestDecodeRowOrder(t *testing.T) {
	d := newDriver(t)
	src := image.NewNRGBA(image.Rect(0, 0, 2, 3))
	for y := 0; y < 3; y++ {
		for x := 0; x < 2; x++ {
			src.SetNRGBA(x, y, color.NRGBA{R: uint8(y * 100), A: 0xff})
		}
	}
	img, err := imbuf.FromImage(src)
	if err != nil {
		t.Fatal(err)
	}
	got, err := d.Decode(context.Background(), encode(t, d, img, 100), 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for y := 0; y < 3; y++ {
		if r := got.Row(y)[0]; r != uint8(y*100) {
			t.Errorf("row %d red = %d, want %d", y, r, y*100)
		}
	}
	// Stored bottom row first.
	if got.Pixels[0] != 200 {
		t.Errorf("first stored pixel red = %d, want 200", got.Pixels[0])
	}
}

func TestDecodeEmptyInput(t *testing.T) {
	d := newDriver(t)
	img, err := d.Decode(context.Background(), nil, 0)
	if img != nil {
		t.Error("image returned with error")
	}
	if !errors.Is(err, codec.ErrFormatMismatch) {
		t.Fatalf("err = %v, want format mismatch", err)
	}
	if codec.KindOf(err) != codec.KindFormatMismatch {
		t.Errorf("KindOf = %q", codec.KindOf(err))
	}
}

func TestDecodeTestFlag(t *testing.T) {
	d := newDriver(t)
	data := encode(t, d, gradient(12, 5, true), 100)

	img, err := d.Decode(context.Background(), data, codec.FlagTest)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if img.Width != 12 || img.Height != 5 {
		t.Errorf("size = %dx%d, want 12x5", img.Width, img.Height)
	}
	if img.Pixels != nil {
		t.Error("test decode allocated pixels")
	}
}

func TestSequentialDecodes(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	images := []*imbuf.Image{gradient(5, 3, false), gradient(8, 8, true), gradient(1, 9, false)}
	encoded := make([][]byte, len(images))
	for i, img := range images {
		encoded[i] = encode(t, d, img, 100)
	}

	for i := 0; i < 60; i++ {
		n := i % len(images)
		got, err := d.Decode(ctx, encoded[n], 0)
		if err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if !bytes.Equal(got.Pixels, images[n].Pixels) {
			t.Fatalf("decode %d: pixels differ from image %d", i, n)
		}
	}

	acquired, released := d.Lifecycle().Stats()
	if acquired != released {
		t.Errorf("leases acquired %d, released %d", acquired, released)
	}
}

func TestLosslessPathSelection(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []string
	)
	d := newDriver(t, guest.WithTrace(func(export string) {
		mu.Lock()
		calls = append(calls, export)
		mu.Unlock()
	}))
	called := func(name string) bool {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range calls {
			if c == name {
				return true
			}
		}
		return false
	}
	reset := func() {
		mu.Lock()
		calls = nil
		mu.Unlock()
	}

	tests := []struct {
		alpha   bool
		quality float32
		want    string
		notWant string
	}{
		{false, 100, webpabi.WebPEncodeLosslessRGB, webpabi.WebPEncodeRGB},
		{true, 100, webpabi.WebPEncodeLosslessRGBA, webpabi.WebPEncodeRGBA},
		{false, 75, webpabi.WebPEncodeRGB, webpabi.WebPEncodeLosslessRGB},
		{true, 0, webpabi.WebPEncodeRGBA, webpabi.WebPEncodeLosslessRGBA},
	}
	for _, tt := range tests {
		reset()
		encode(t, d, gradient(4, 4, tt.alpha), tt.quality)
		if !called(tt.want) {
			t.Errorf("alpha=%v quality=%v: %s not called", tt.alpha, tt.quality, tt.want)
		}
		if called(tt.notWant) {
			t.Errorf("alpha=%v quality=%v: %s called", tt.alpha, tt.quality, tt.notWant)
		}
	}
}

func TestLossyEncode(t *testing.T) {
	d := newDriver(t)
	img := gradient(16, 16, false)
	data := encode(t, d, img, 10)

	got, err := d.Decode(context.Background(), data, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Width != 16 || got.Height != 16 {
		t.Errorf("size = %dx%d", got.Width, got.Height)
	}
}

func TestDimensionLimit(t *testing.T) {
	var n atomic.Int32
	d := codec.New(&countingFactory{Factory: libwebp.NewFactory(), created: &n})
	defer d.Close(context.Background())

	for _, size := range [][2]int{{webpabi.MaxDimension + 1, 1}, {1, webpabi.MaxDimension + 1}} {
		img := &imbuf.Image{Width: size[0], Height: size[1], Planes: 24}
		img.Pixels = make([]byte, size[0]*size[1]*4)

		_, err := d.EncodeBytes(context.Background(), img, codec.EncodeOptions{Quality: 100})
		if !errors.Is(err, codec.ErrDimensionLimit) {
			t.Errorf("%dx%d: err = %v, want dimension limit", size[0], size[1], err)
		}
	}
	if acquired, _ := d.Lifecycle().Stats(); acquired != 0 {
		t.Errorf("%d leases acquired", acquired)
	}
	if n.Load() != 0 {
		t.Errorf("%d domains created", n.Load())
	}
}

func TestEncodeInvalidArguments(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()
	good := gradient(2, 2, false)

	tests := map[string]struct {
		img     *imbuf.Image
		quality float32
	}{
		"nil image":    {nil, 100},
		"zero size":    {&imbuf.Image{Planes: 24}, 100},
		"short pixels": {&imbuf.Image{Width: 2, Height: 2, Planes: 24, Pixels: make([]byte, 4)}, 100},
		"quality low":  {good, -1},
		"quality high": {good, 101},
	}
	for name, tt := range tests {
		_, err := d.EncodeBytes(ctx, tt.img, codec.EncodeOptions{Quality: tt.quality})
		if !errors.Is(err, codec.ErrInvalidArgument) {
			t.Errorf("%s: err = %v, want invalid argument", name, err)
		}
	}
}

func TestEncodeEmbedsICC(t *testing.T) {
	d := newDriver(t)
	profile := bytes.Repeat([]byte("icc-profile-"), 5)
	img := gradient(6, 4, false)

	data, err := d.EncodeBytes(context.Background(), img, codec.EncodeOptions{Quality: 100, ICCProfile: profile})
	if err != nil {
		t.Fatalf("EncodeBytes: %v", err)
	}
	for _, tag := range []string{"VP8X", "ICCP", "VP8L"} {
		if !bytes.Contains(data, []byte(tag)) {
			t.Errorf("container has no %s chunk", tag)
		}
	}
	if !bytes.Contains(data, profile) {
		t.Error("profile bytes missing")
	}
	if bytes.Index(data, []byte("ICCP")) > bytes.Index(data, []byte("VP8L")) {
		t.Error("ICCP chunk after image chunk")
	}

	got, err := d.Decode(context.Background(), data, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got.Pixels, img.Pixels) {
		t.Error("pixels differ")
	}
}

func TestEncodeUsesImageProfile(t *testing.T) {
	d := newDriver(t)
	img := gradient(3, 3, false)
	img.ICCProfile = []byte("from-the-image")

	data := encode(t, d, img, 100)
	if !bytes.Contains(data, img.ICCProfile) {
		t.Error("image profile not embedded")
	}
}

func TestSave(t *testing.T) {
	d := newDriver(t)
	img := gradient(9, 7, true)
	path := filepath.Join(t.TempDir(), "out.webp")

	if err := d.Save(context.Background(), img, path, codec.EncodeOptions{Quality: 100}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	got, err := d.Decode(context.Background(), data, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got.Pixels, img.Pixels) {
		t.Error("saved image differs")
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("%d files in output dir, want 1", len(entries))
	}
}

func TestSaveFileError(t *testing.T) {
	d := newDriver(t)
	path := filepath.Join(t.TempDir(), "missing", "out.webp")

	err := d.Save(context.Background(), gradient(2, 2, false), path, codec.EncodeOptions{Quality: 100})
	if !errors.Is(err, codec.ErrFileIO) {
		t.Fatalf("err = %v, want file I/O failure", err)
	}
	var e *codec.Error
	if !errors.As(err, &e) || e.Path != path {
		t.Errorf("error path = %q, want %q", e.Path, path)
	}
}

func TestThumbnailBounds(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	tests := []struct {
		w, h, max int
		wantW     int
		wantH     int
	}{
		{40, 20, 10, 10, 5},
		{20, 40, 16, 8, 16},
		{30, 30, 7, 7, 7},
		{300, 150, 128, 128, 64},
		{50, 1, 10, 10, 1},
		{3, 2, 12, 12, 8},
	}
	for _, tt := range tests {
		path := writeTemp(t, encode(t, d, gradient(tt.w, tt.h, false), 100))
		img, ow, oh, err := d.DecodeThumbnail(ctx, path, tt.max)
		if err != nil {
			t.Fatalf("%dx%d max %d: %v", tt.w, tt.h, tt.max, err)
		}
		if ow != tt.w || oh != tt.h {
			t.Errorf("original = %dx%d, want %dx%d", ow, oh, tt.w, tt.h)
		}
		if img.Width != tt.wantW || img.Height != tt.wantH {
			t.Errorf("%dx%d max %d: thumbnail %dx%d, want %dx%d",
				tt.w, tt.h, tt.max, img.Width, img.Height, tt.wantW, tt.wantH)
		}
		if max(img.Width, img.Height) > tt.max || img.Width < 1 || img.Height < 1 {
			t.Errorf("thumbnail %dx%d outside bounds", img.Width, img.Height)
		}
		if len(img.Pixels) != img.Width*img.Height*4 || !img.HasAlpha() {
			t.Errorf("thumbnail buffer %d bytes, planes %d", len(img.Pixels), img.Planes)
		}
	}
}

func TestThumbnailSinglePixel(t *testing.T) {
	d := newDriver(t)
	path := writeTemp(t, encode(t, d, solid(1, 1, color.NRGBA{R: 0xff, A: 0xff}), 100))

	for _, limit := range []int{1, 128} {
		img, ow, oh, err := d.DecodeThumbnail(context.Background(), path, limit)
		if err != nil {
			t.Fatalf("limit %d: %v", limit, err)
		}
		if ow != 1 || oh != 1 {
			t.Errorf("original = %dx%d", ow, oh)
		}
		if img.Width != limit || img.Height != limit {
			t.Fatalf("limit %d: thumbnail %dx%d", limit, img.Width, img.Height)
		}
		mid := img.Row(limit / 2)[4*(limit/2):]
		if mid[0] < 0xf0 || mid[1] > 0x10 || mid[3] != 0xff {
			t.Errorf("limit %d: center pixel %v, want red", limit, mid[:4])
		}
	}
}

func TestThumbnailRowOrder(t *testing.T) {
	d := newDriver(t)
	src := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			c := color.NRGBA{A: 0xff}
			if y < 4 {
				c.R = 0xff
			} else {
				c.B = 0xff
			}
			src.SetNRGBA(x, y, c)
		}
	}
	img, err := imbuf.FromImage(src)
	if err != nil {
		t.Fatal(err)
	}
	path := writeTemp(t, encode(t, d, img, 100))

	thumb, _, _, err := d.DecodeThumbnail(context.Background(), path, 8)
	if err != nil {
		t.Fatalf("DecodeThumbnail: %v", err)
	}
	if top := thumb.Row(0); top[0] != 0xff || top[2] != 0 {
		t.Errorf("top row = %v, want red", top[:4])
	}
	if bottom := thumb.Row(7); bottom[2] != 0xff || bottom[0] != 0 {
		t.Errorf("bottom row = %v, want blue", bottom[:4])
	}
}

func TestThumbnailErrors(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()
	dir := t.TempDir()

	missing := filepath.Join(dir, "missing.webp")
	_, _, _, err := d.DecodeThumbnail(ctx, missing, 64)
	if !errors.Is(err, codec.ErrFileIO) {
		t.Errorf("missing file: err = %v", err)
	}
	var e *codec.Error
	if errors.As(err, &e) && e.Path != missing {
		t.Errorf("path = %q", e.Path)
	}

	empty := filepath.Join(dir, "empty.webp")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := d.DecodeThumbnail(ctx, empty, 64); !errors.Is(err, codec.ErrFileIO) {
		t.Errorf("empty file: err = %v", err)
	}

	junk := filepath.Join(dir, "junk.webp")
	if err := os.WriteFile(junk, []byte("this is not a webp file"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := d.DecodeThumbnail(ctx, junk, 64); !errors.Is(err, codec.ErrFeatureParse) {
		t.Errorf("junk file: err = %v", err)
	}

	good := writeTemp(t, encode(t, d, gradient(4, 4, false), 100))
	if _, _, _, err := d.DecodeThumbnail(ctx, good, 0); !errors.Is(err, codec.ErrInvalidArgument) {
		t.Errorf("zero max: err = %v", err)
	}

	acquired, released := d.Lifecycle().Stats()
	if acquired != released {
		t.Errorf("leases acquired %d, released %d", acquired, released)
	}
}

// countingFactory records how many domains exist at once.
type countingFactory struct {
	sandbox.Factory
	created *atomic.Int32
	live    atomic.Int32
	peak    atomic.Int32
}

func (f *countingFactory) NewDomain(ctx context.Context) (sandbox.Domain, error) {
	d, err := f.Factory.NewDomain(ctx)
	if err != nil {
		return nil, err
	}
	if f.created != nil {
		f.created.Add(1)
	}
	n := f.live.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return &countedDomain{Domain: d, f: f}, nil
}

type countedDomain struct {
	sandbox.Domain
	f *countingFactory
}

func (d *countedDomain) Close(ctx context.Context) error {
	d.f.live.Add(-1)
	return d.Domain.Close(ctx)
}

func TestConcurrentCallersSerialized(t *testing.T) {
	f := &countingFactory{Factory: libwebp.NewFactory()}
	d := codec.New(f)
	defer d.Close(context.Background())

	img := gradient(6, 6, true)
	data, err := d.EncodeBytes(context.Background(), img, codec.EncodeOptions{Quality: 100})
	if err != nil {
		t.Fatalf("EncodeBytes: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := d.Decode(context.Background(), data, 0)
			if err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(got.Pixels, img.Pixels) {
				errs <- errors.New("pixels differ")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if p := f.peak.Load(); p != 1 {
		t.Errorf("peak live domains = %d, want 1", p)
	}
}

func TestIncompatibleModule(t *testing.T) {
	reg := libwebp.NewRegistry()
	reg.Register(webpabi.WebPGetMuxVersion, func(ctx context.Context, inst *guest.Instance, params []uint64) ([]uint64, error) {
		return []uint64{0}, nil
	})
	d := codec.New(guest.NewFactory(reg))
	defer d.Close(context.Background())

	_, err := d.EncodeBytes(context.Background(), gradient(2, 2, false), codec.EncodeOptions{Quality: 100})
	if !errors.Is(err, codec.ErrDomainCreation) {
		t.Fatalf("err = %v, want domain creation failure", err)
	}
	if !errors.Is(err, codec.ErrIncompatibleModule) {
		t.Errorf("err = %v, want incompatible module cause", err)
	}
}

func TestEncoderTrapIsEncodeFailure(t *testing.T) {
	reg := libwebp.NewRegistry()
	reg.Register(webpabi.WebPEncodeLosslessRGB, func(ctx context.Context, inst *guest.Instance, params []uint64) ([]uint64, error) {
		return nil, errors.New("out of bounds write")
	})
	d := codec.New(guest.NewFactory(reg))
	defer d.Close(context.Background())

	_, err := d.EncodeBytes(context.Background(), gradient(2, 2, false), codec.EncodeOptions{Quality: 100})
	if !errors.Is(err, codec.ErrEncode) {
		t.Fatalf("err = %v, want encode failure", err)
	}
	if !errors.Is(err, sandbox.ErrTrap) {
		t.Errorf("err = %v, want trap cause", err)
	}
	acquired, released := d.Lifecycle().Stats()
	if acquired != 1 || released != 1 {
		t.Errorf("leases acquired %d, released %d", acquired, released)
	}
}

func TestMuxFailureReleasesEverything(t *testing.T) {
	var inst *guest.Instance
	reg := libwebp.NewRegistry()
	assemble, _ := reg.Get(webpabi.WebPMuxAssemble)
	reg.Register(webpabi.WebPMuxAssemble, func(ctx context.Context, i *guest.Instance, params []uint64) ([]uint64, error) {
		inst = i
		if _, err := assemble(ctx, i, params); err != nil {
			return nil, err
		}
		free, _ := reg.Get(webpabi.WebPFree)
		bytesPtr, _ := i.Mem().ReadUint32(uint32(params[1]))
		if _, err := free(ctx, i, []uint64{uint64(bytesPtr)}); err != nil {
			return nil, err
		}
		i.Mem().WriteUint32(uint32(params[1]), 0)
		i.Mem().WriteUint32(uint32(params[1])+4, 0)
		status := int32(webpabi.MuxBadData)
		return []uint64{uint64(uint32(status))}, nil
	})
	d := codec.New(guest.NewFactory(reg))
	defer d.Close(context.Background())

	_, err := d.EncodeBytes(context.Background(), gradient(3, 3, false),
		codec.EncodeOptions{Quality: 100, ICCProfile: []byte("p")})
	if !errors.Is(err, codec.ErrMuxAssembly) {
		t.Fatalf("err = %v, want mux assembly failure", err)
	}
	if inst == nil {
		t.Fatal("assemble never ran")
	}
	if n := inst.HeapInUse(); n != 0 {
		t.Errorf("%d bytes still allocated in the domain", n)
	}
}
