package libwebp

import (
	"context"
	"fmt"

	"github.com/caffeineduck/webpbox/guest"
	"github.com/caffeineduck/webpbox/webpabi"
)

// Version is the library version reported by the decoder and mux version
// exports, encoded as major<<16 | minor<<8 | revision.
const Version = 0x010302

// Register adds every libwebp export to reg.
func Register(reg *guest.Registry) {
	reg.Register(webpabi.WebPMalloc, exportMalloc)
	reg.Register(webpabi.WebPFree, exportFree)

	reg.Register(webpabi.WebPGetDecoderVersion, constant(Version))
	reg.Register(webpabi.WebPGetInfo, exportGetInfo)
	reg.Register(webpabi.WebPGetFeaturesInternal, exportGetFeatures)
	reg.Register(webpabi.WebPInitDecoderConfigInternal, exportInitDecoderConfig)
	reg.Register(webpabi.WebPDecode, exportDecode)
	reg.Register(webpabi.WebPDecodeRGBAInto, exportDecodeRGBAInto)
	reg.Register(webpabi.WebPFreeDecBuffer, exportFreeDecBuffer)

	reg.Register(webpabi.WebPEncodeRGB, encoder(3, false))
	reg.Register(webpabi.WebPEncodeRGBA, encoder(4, false))
	reg.Register(webpabi.WebPEncodeLosslessRGB, encoder(3, true))
	reg.Register(webpabi.WebPEncodeLosslessRGBA, encoder(4, true))

	reg.Register(webpabi.WebPGetMuxVersion, constant(Version))
	reg.Register(webpabi.WebPNewInternal, exportMuxNew)
	reg.Register(webpabi.WebPMuxSetImage, exportMuxSetImage)
	reg.Register(webpabi.WebPMuxSetChunk, exportMuxSetChunk)
	reg.Register(webpabi.WebPMuxAssemble, exportMuxAssemble)
	reg.Register(webpabi.WebPMuxDelete, exportMuxDelete)
}

// NewRegistry returns a registry holding the libwebp exports.
func NewRegistry() *guest.Registry {
	reg := guest.NewRegistry()
	Register(reg)
	return reg
}

// NewFactory returns an in-process domain factory serving libwebp.
func NewFactory(opts ...guest.Option) *guest.Factory {
	return guest.NewFactory(NewRegistry(), opts...)
}

func arity(name string, params []uint64, n int) error {
	if len(params) != n {
		return fmt.Errorf("%s: want %d params, got %d", name, n, len(params))
	}
	return nil
}

func i32(v int32) []uint64 { return []uint64{uint64(uint32(v))} }

func u32(v uint32) []uint64 { return []uint64{uint64(v)} }

func boolResult(ok bool) []uint64 {
	if ok {
		return i32(1)
	}
	return i32(0)
}

func constant(v int32) guest.Func {
	return func(ctx context.Context, inst *guest.Instance, params []uint64) ([]uint64, error) {
		return i32(v), nil
	}
}

func exportMalloc(ctx context.Context, inst *guest.Instance, params []uint64) ([]uint64, error) {
	if err := arity(webpabi.WebPMalloc, params, 1); err != nil {
		return nil, err
	}
	return u32(inst.Malloc(uint32(params[0]))), nil
}

func exportFree(ctx context.Context, inst *guest.Instance, params []uint64) ([]uint64, error) {
	if err := arity(webpabi.WebPFree, params, 1); err != nil {
		return nil, err
	}
	return nil, inst.Free(uint32(params[0]))
}
