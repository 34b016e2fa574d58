// Package webpabi is the libwebp ABI as seen from a wasm32 build of the
// library: export names, status codes, ABI versions and the layout of every
// struct that crosses the boundary.
package webpabi

import "github.com/caffeineduck/webpbox/layout"

// ABI versions the host was written against.
const (
	DecoderABIVersion = 0x0209
	EncoderABIVersion = 0x020f
	MuxABIVersion     = 0x0108
)

// Compatible reports whether a module ABI version can serve a host built
// against want. Only the major byte has to match.
func Compatible(have, want int32) bool {
	return have>>8 == want>>8
}

// MaxDimension is the largest width or height a WebP bitstream can carry.
const MaxDimension = 16383

// VP8StatusCode values returned by the decoder.
const (
	StatusOK                 = 0
	StatusOutOfMemory        = 1
	StatusInvalidParam       = 2
	StatusBitstreamError     = 3
	StatusUnsupportedFeature = 4
	StatusSuspended          = 5
	StatusUserAbort          = 6
	StatusNotEnoughData      = 7
)

// StatusText names a VP8StatusCode.
func StatusText(code int32) string {
	switch code {
	case StatusOK:
		return "VP8_STATUS_OK"
	case StatusOutOfMemory:
		return "VP8_STATUS_OUT_OF_MEMORY"
	case StatusInvalidParam:
		return "VP8_STATUS_INVALID_PARAM"
	case StatusBitstreamError:
		return "VP8_STATUS_BITSTREAM_ERROR"
	case StatusUnsupportedFeature:
		return "VP8_STATUS_UNSUPPORTED_FEATURE"
	case StatusSuspended:
		return "VP8_STATUS_SUSPENDED"
	case StatusUserAbort:
		return "VP8_STATUS_USER_ABORT"
	case StatusNotEnoughData:
		return "VP8_STATUS_NOT_ENOUGH_DATA"
	default:
		return "VP8_STATUS_UNKNOWN"
	}
}

// WebPMuxError values.
const (
	MuxOK              = 1
	MuxNotFound        = 0
	MuxInvalidArgument = -1
	MuxBadData         = -2
	MuxMemoryError     = -3
	MuxNotEnoughData   = -4
)

// MuxErrorText names a WebPMuxError.
func MuxErrorText(code int32) string {
	switch code {
	case MuxOK:
		return "WEBP_MUX_OK"
	case MuxNotFound:
		return "WEBP_MUX_NOT_FOUND"
	case MuxInvalidArgument:
		return "WEBP_MUX_INVALID_ARGUMENT"
	case MuxBadData:
		return "WEBP_MUX_BAD_DATA"
	case MuxMemoryError:
		return "WEBP_MUX_MEMORY_ERROR"
	case MuxNotEnoughData:
		return "WEBP_MUX_NOT_ENOUGH_DATA"
	default:
		return "WEBP_MUX_UNKNOWN"
	}
}

// WEBP_CSP_MODE values.
const (
	ModeRGB       = 0
	ModeRGBA      = 1
	ModeBGR       = 2
	ModeBGRA      = 3
	ModeARGB      = 4
	ModeRGBA4444  = 5
	ModeRGB565    = 6
	ModeRGBAPre   = 7
	ModeBGRAPre   = 8
	ModeARGBPre   = 9
	ModeRGBA4444P = 10
	ModeYUV       = 11
	ModeYUVA      = 12
	ModeLast      = 13
)

// Bitstream format reported in WebPBitstreamFeatures.format.
const (
	FormatUndefined = 0
	FormatLossy     = 1
	FormatLossless  = 2
)

// VP8X feature flags.
const (
	FlagAnimation = 1 << 1
	FlagXMP       = 1 << 2
	FlagEXIF      = 1 << 3
	FlagAlpha     = 1 << 4
	FlagICCP      = 1 << 5
)

// Export names.
const (
	Malloc                        = "malloc"
	Free                          = "free"
	WebPMalloc                    = "WebPMalloc"
	WebPFree                      = "WebPFree"
	WebPGetInfo                   = "WebPGetInfo"
	WebPGetFeaturesInternal       = "WebPGetFeaturesInternal"
	WebPGetDecoderVersion         = "WebPGetDecoderVersion"
	WebPInitDecoderConfigInternal = "WebPInitDecoderConfigInternal"
	WebPDecode                    = "WebPDecode"
	WebPDecodeRGBAInto            = "WebPDecodeRGBAInto"
	WebPFreeDecBuffer             = "WebPFreeDecBuffer"
	WebPEncodeRGB                 = "WebPEncodeRGB"
	WebPEncodeRGBA                = "WebPEncodeRGBA"
	WebPEncodeLosslessRGB         = "WebPEncodeLosslessRGB"
	WebPEncodeLosslessRGBA        = "WebPEncodeLosslessRGBA"
	WebPGetMuxVersion             = "WebPGetMuxVersion"
	WebPNewInternal               = "WebPNewInternal"
	WebPMuxSetImage               = "WebPMuxSetImage"
	WebPMuxSetChunk               = "WebPMuxSetChunk"
	WebPMuxAssemble               = "WebPMuxAssemble"
	WebPMuxDelete                 = "WebPMuxDelete"
)

// Exports is every function a codec module has to provide.
var Exports = []string{
	Malloc, Free, WebPMalloc, WebPFree,
	WebPGetInfo, WebPGetFeaturesInternal, WebPGetDecoderVersion,
	WebPInitDecoderConfigInternal, WebPDecode, WebPDecodeRGBAInto, WebPFreeDecBuffer,
	WebPEncodeRGB, WebPEncodeRGBA, WebPEncodeLosslessRGB, WebPEncodeLosslessRGBA,
	WebPGetMuxVersion, WebPNewInternal, WebPMuxSetImage, WebPMuxSetChunk,
	WebPMuxAssemble, WebPMuxDelete,
}

// Struct descriptors. Sizes and offsets are those of the wasm32 build
// (clang --target=wasm32, libwebp 1.3 headers).
var (
	Table = layout.NewTable()

	BitstreamFeatures = Table.Add(layout.Define("WebPBitstreamFeatures",
		layout.F("width", layout.Int32),
		layout.F("height", layout.Int32),
		layout.F("has_alpha", layout.Int32),
		layout.F("has_animation", layout.Int32),
		layout.F("format", layout.Int32),
		layout.Array("pad", layout.Uint32, 5),
	), layout.Expect{Size: 40, Offsets: map[string]uint32{
		"width": 0, "height": 4, "has_alpha": 8, "has_animation": 12, "format": 16, "pad": 20,
	}})

	RGBABuffer = Table.Add(layout.Define("WebPRGBABuffer",
		layout.F("rgba", layout.Ptr),
		layout.F("stride", layout.Int32),
		layout.F("size", layout.SizeT),
	), layout.Expect{Size: 12, Offsets: map[string]uint32{
		"rgba": 0, "stride": 4, "size": 8,
	}})

	YUVABuffer = Table.Add(layout.Define("WebPYUVABuffer",
		layout.F("y", layout.Ptr),
		layout.F("u", layout.Ptr),
		layout.F("v", layout.Ptr),
		layout.F("a", layout.Ptr),
		layout.F("y_stride", layout.Int32),
		layout.F("u_stride", layout.Int32),
		layout.F("v_stride", layout.Int32),
		layout.F("a_stride", layout.Int32),
		layout.F("y_size", layout.SizeT),
		layout.F("u_size", layout.SizeT),
		layout.F("v_size", layout.SizeT),
		layout.F("a_size", layout.SizeT),
	), layout.Expect{Size: 48, Offsets: map[string]uint32{
		"y": 0, "a": 12, "y_stride": 16, "a_size": 44,
	}})

	decBufferUnion = layout.DefineUnion("WebPDecBuffer.u",
		layout.Embed("RGBA", RGBABuffer),
		layout.Embed("YUVA", YUVABuffer),
	)

	DecBuffer = Table.Add(layout.Define("WebPDecBuffer",
		layout.F("colorspace", layout.Enum),
		layout.F("width", layout.Int32),
		layout.F("height", layout.Int32),
		layout.F("is_external_memory", layout.Int32),
		layout.Embed("u", decBufferUnion),
		layout.Array("pad", layout.Uint32, 4),
		layout.F("private_memory", layout.Ptr),
	), layout.Expect{Size: 84, Offsets: map[string]uint32{
		"colorspace": 0, "width": 4, "height": 8, "is_external_memory": 12,
		"u.RGBA.rgba": 16, "u.RGBA.stride": 20, "u.RGBA.size": 24,
		"pad": 64, "private_memory": 80,
	}})

	DecoderOptions = Table.Add(layout.Define("WebPDecoderOptions",
		layout.F("bypass_filtering", layout.Int32),
		layout.F("no_fancy_upsampling", layout.Int32),
		layout.F("use_cropping", layout.Int32),
		layout.F("crop_left", layout.Int32),
		layout.F("crop_top", layout.Int32),
		layout.F("crop_width", layout.Int32),
		layout.F("crop_height", layout.Int32),
		layout.F("use_scaling", layout.Int32),
		layout.F("scaled_width", layout.Int32),
		layout.F("scaled_height", layout.Int32),
		layout.F("use_threads", layout.Int32),
		layout.F("dithering_strength", layout.Int32),
		layout.F("flip", layout.Int32),
		layout.F("alpha_dithering_strength", layout.Int32),
		layout.Array("pad", layout.Uint32, 5),
	), layout.Expect{Size: 76, Offsets: map[string]uint32{
		"bypass_filtering": 0, "use_scaling": 28, "scaled_width": 32, "scaled_height": 36,
		"use_threads": 40, "flip": 48, "alpha_dithering_strength": 52, "pad": 56,
	}})

	DecoderConfig = Table.Add(layout.Define("WebPDecoderConfig",
		layout.Embed("input", BitstreamFeatures),
		layout.Embed("output", DecBuffer),
		layout.Embed("options", DecoderOptions),
	), layout.Expect{Size: 200, Offsets: map[string]uint32{
		"input": 0, "input.width": 0, "output": 40, "output.colorspace": 40,
		"output.is_external_memory": 52, "output.u.RGBA.rgba": 56,
		"output.u.RGBA.stride": 60, "output.u.RGBA.size": 64,
		"options": 124, "options.use_scaling": 152, "options.flip": 172,
	}})

	Data = Table.Add(layout.Define("WebPData",
		layout.F("bytes", layout.Ptr),
		layout.F("size", layout.SizeT),
	), layout.Expect{Size: 8, Offsets: map[string]uint32{
		"bytes": 0, "size": 4,
	}})
)

func init() {
	Table.MustVerify()
}
