package libwebp

import (
	"bytes"
	"encoding/binary"

	"github.com/caffeineduck/webpbox/webpabi"
)

const (
	tagSize          = 4
	chunkHeaderSize  = 8
	riffHeaderSize   = 12
	vp8xChunkSize    = 10
	vp8FrameHeader   = 10
	vp8lFrameHeader  = 5
	vp8lMagic        = 0x2f
	maxChunkPayload  = ^uint32(0) - chunkHeaderSize - 1
	maxImageArea     = uint64(1) << 32
	vp8lVersionShift = 5
)

// features is what the header parser learns about a bitstream.
type features struct {
	width, height int
	hasAlpha      bool
	hasAnimation  bool
	format        int32

	riffSize uint32
	vp8x     bool
	flags    uint32
	alpha    []byte // ALPH payload, lossy only
	lossless bool
	payload  []byte // VP8/VP8L payload, possibly truncated
}

// parseHeaders validates the RIFF, VP8X, optional chunk and VP8/VP8L
// headers of data. With haveAll set, truncated chunks are an error;
// otherwise whatever is present is parsed.
func parseHeaders(data []byte, haveAll bool) (features, int32) {
	var f features
	if len(data) < riffHeaderSize {
		return f, webpabi.StatusNotEnoughData
	}

	buf, status := parseRIFF(data, haveAll, &f)
	if status != webpabi.StatusOK {
		return f, status
	}
	foundRIFF := f.riffSize > 0

	buf, status = parseVP8X(buf, &f)
	if status != webpabi.StatusOK {
		return f, status
	}
	if !foundRIFF && f.vp8x {
		return f, webpabi.StatusBitstreamError
	}
	f.hasAlpha = f.flags&webpabi.FlagAlpha != 0
	f.hasAnimation = f.flags&webpabi.FlagAnimation != 0
	if f.vp8x && f.hasAnimation {
		// Animated files report their canvas; decoding them is unsupported.
		return f, webpabi.StatusOK
	}
	canvasW, canvasH := f.width, f.height

	if len(buf) < tagSize {
		return f.partial(webpabi.StatusNotEnoughData)
	}

	if (foundRIFF && f.vp8x) || (!foundRIFF && !f.vp8x && bytes.HasPrefix(buf, []byte("ALPH"))) {
		buf, status = parseOptionalChunks(buf, &f)
		if status != webpabi.StatusOK {
			return f.partial(status)
		}
	}

	buf, size, status := parseVP8Header(buf, haveAll, &f)
	if status != webpabi.StatusOK {
		return f.partial(status)
	}
	if size > maxChunkPayload {
		return f, webpabi.StatusBitstreamError
	}
	if uint64(size) < uint64(len(buf)) {
		f.payload = buf[:size]
	} else {
		f.payload = buf
	}
	if f.lossless {
		f.format = webpabi.FormatLossless
	} else {
		f.format = webpabi.FormatLossy
	}

	if !f.lossless {
		if len(buf) < vp8FrameHeader {
			return f.partial(webpabi.StatusNotEnoughData)
		}
		w, h, ok := vp8Info(buf, size)
		if !ok {
			return f, webpabi.StatusBitstreamError
		}
		f.width, f.height = w, h
	} else {
		if len(buf) < vp8lFrameHeader {
			return f.partial(webpabi.StatusNotEnoughData)
		}
		w, h, alpha, ok := vp8lInfo(buf)
		if !ok {
			return f, webpabi.StatusBitstreamError
		}
		f.width, f.height = w, h
		f.hasAlpha = f.hasAlpha || alpha
	}

	if f.vp8x && (canvasW != f.width || canvasH != f.height) {
		return f, webpabi.StatusBitstreamError
	}
	if f.alpha != nil {
		f.hasAlpha = true
	}
	return f, webpabi.StatusOK
}

// partial reports the canvas of an incomplete extended file as a success,
// the way the feature query does for streaming input.
func (f features) partial(status int32) (features, int32) {
	if status == webpabi.StatusNotEnoughData && f.vp8x {
		if f.alpha != nil {
			f.hasAlpha = true
		}
		return f, webpabi.StatusOK
	}
	return f, status
}

func parseRIFF(data []byte, haveAll bool, f *features) ([]byte, int32) {
	if len(data) < riffHeaderSize || !bytes.HasPrefix(data, []byte("RIFF")) {
		return data, webpabi.StatusOK
	}
	if !bytes.Equal(data[8:12], []byte("WEBP")) {
		return data, webpabi.StatusBitstreamError
	}
	size := binary.LittleEndian.Uint32(data[4:])
	if size < tagSize+chunkHeaderSize || size > maxChunkPayload {
		return data, webpabi.StatusBitstreamError
	}
	if haveAll && uint64(size) > uint64(len(data)-chunkHeaderSize) {
		return data, webpabi.StatusNotEnoughData
	}
	f.riffSize = size
	return data[riffHeaderSize:], webpabi.StatusOK
}

func parseVP8X(buf []byte, f *features) ([]byte, int32) {
	if len(buf) < chunkHeaderSize {
		return buf, webpabi.StatusNotEnoughData
	}
	if !bytes.HasPrefix(buf, []byte("VP8X")) {
		return buf, webpabi.StatusOK
	}
	if binary.LittleEndian.Uint32(buf[4:]) != vp8xChunkSize {
		return buf, webpabi.StatusBitstreamError
	}
	if len(buf) < chunkHeaderSize+vp8xChunkSize {
		return buf, webpabi.StatusNotEnoughData
	}
	f.flags = binary.LittleEndian.Uint32(buf[8:])
	f.width = 1 + int(le24(buf[12:]))
	f.height = 1 + int(le24(buf[15:]))
	if uint64(f.width)*uint64(f.height) >= maxImageArea {
		return buf, webpabi.StatusBitstreamError
	}
	f.vp8x = true
	return buf[chunkHeaderSize+vp8xChunkSize:], webpabi.StatusOK
}

func parseOptionalChunks(buf []byte, f *features) ([]byte, int32) {
	total := uint64(tagSize + chunkHeaderSize + vp8xChunkSize)
	for {
		if len(buf) < chunkHeaderSize {
			return buf, webpabi.StatusNotEnoughData
		}
		size := binary.LittleEndian.Uint32(buf[4:])
		if size > maxChunkPayload {
			return buf, webpabi.StatusBitstreamError
		}
		disk := (uint64(chunkHeaderSize) + uint64(size) + 1) &^ 1
		total += disk
		if f.riffSize > 0 && total > uint64(f.riffSize) {
			return buf, webpabi.StatusBitstreamError
		}
		// The image chunk ends the optional section, even if incomplete.
		if bytes.HasPrefix(buf, []byte("VP8 ")) || bytes.HasPrefix(buf, []byte("VP8L")) {
			return buf, webpabi.StatusOK
		}
		if uint64(len(buf)) < disk {
			return buf, webpabi.StatusNotEnoughData
		}
		if bytes.HasPrefix(buf, []byte("ALPH")) {
			f.alpha = buf[chunkHeaderSize : chunkHeaderSize+size]
		}
		buf = buf[disk:]
	}
}

func parseVP8Header(buf []byte, haveAll bool, f *features) ([]byte, uint32, int32) {
	if len(buf) < chunkHeaderSize {
		return buf, 0, webpabi.StatusNotEnoughData
	}
	isVP8 := bytes.HasPrefix(buf, []byte("VP8 "))
	isVP8L := bytes.HasPrefix(buf, []byte("VP8L"))
	if !isVP8 && !isVP8L {
		// Raw bitstream without a chunk header.
		f.lossless = vp8lSignature(buf)
		return buf, uint32(min(uint64(len(buf)), uint64(maxChunkPayload)+1)), webpabi.StatusOK
	}

	const minimal = tagSize + chunkHeaderSize
	size := binary.LittleEndian.Uint32(buf[4:])
	if f.riffSize >= minimal && size > f.riffSize-minimal {
		return buf, 0, webpabi.StatusBitstreamError
	}
	if haveAll && uint64(size) > uint64(len(buf)-chunkHeaderSize) {
		return buf, 0, webpabi.StatusNotEnoughData
	}
	f.lossless = isVP8L
	return buf[chunkHeaderSize:], size, webpabi.StatusOK
}

// vp8Info validates a VP8 key frame header and returns its dimensions.
func vp8Info(data []byte, chunkSize uint32) (int, int, bool) {
	if len(data) < vp8FrameHeader {
		return 0, 0, false
	}
	if data[3] != 0x9d || data[4] != 0x01 || data[5] != 0x2a {
		return 0, 0, false
	}
	bits := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16
	keyFrame := bits&1 == 0
	profile := (bits >> 1) & 7
	show := (bits >> 4) & 1
	partitionLength := bits >> 5
	w := int(binary.LittleEndian.Uint16(data[6:]) & 0x3fff)
	h := int(binary.LittleEndian.Uint16(data[8:]) & 0x3fff)

	switch {
	case !keyFrame:
		return 0, 0, false
	case profile > 3:
		return 0, 0, false
	case show == 0:
		return 0, 0, false
	case partitionLength >= chunkSize:
		return 0, 0, false
	case w == 0 || h == 0:
		return 0, 0, false
	}
	return w, h, true
}

func vp8lSignature(data []byte) bool {
	return len(data) >= vp8lFrameHeader && data[0] == vp8lMagic && data[4]>>vp8lVersionShift == 0
}

// vp8lInfo reads the VP8L image header: 14-bit width-1, 14-bit height-1,
// alpha hint and a 3-bit version that must be zero.
func vp8lInfo(data []byte) (int, int, bool, bool) {
	if !vp8lSignature(data) {
		return 0, 0, false, false
	}
	bits := binary.LittleEndian.Uint32(data[1:])
	w := int(bits&0x3fff) + 1
	h := int((bits>>14)&0x3fff) + 1
	alpha := (bits>>28)&1 != 0
	version := bits >> 29
	if version != 0 {
		return 0, 0, false, false
	}
	return w, h, alpha, true
}

func le24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}
