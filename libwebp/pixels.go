package libwebp

import "github.com/caffeineduck/webpbox/webpabi"

// bytesPerPixel returns the size of one pixel in an RGB colorspace, or 0
// for modes the decoder does not produce.
func bytesPerPixel(mode int32) int {
	switch mode {
	case webpabi.ModeRGB, webpabi.ModeBGR:
		return 3
	case webpabi.ModeRGBA, webpabi.ModeBGRA, webpabi.ModeARGB,
		webpabi.ModeRGBAPre, webpabi.ModeBGRAPre, webpabi.ModeARGBPre:
		return 4
	case webpabi.ModeRGBA4444, webpabi.ModeRGB565, webpabi.ModeRGBA4444P:
		return 2
	}
	return 0
}

func premultiply(c, a byte) byte {
	return byte((uint32(c)*uint32(a) + 127) / 255)
}

// packRow converts w non-premultiplied RGBA pixels from src into dst in
// the given mode.
func packRow(dst, src []byte, w int, mode int32) {
	bpp := bytesPerPixel(mode)
	for x := 0; x < w; x++ {
		r, g, b, a := src[4*x], src[4*x+1], src[4*x+2], src[4*x+3]
		switch mode {
		case webpabi.ModeRGBAPre, webpabi.ModeBGRAPre, webpabi.ModeARGBPre, webpabi.ModeRGBA4444P:
			r, g, b = premultiply(r, a), premultiply(g, a), premultiply(b, a)
		}
		p := dst[x*bpp : (x+1)*bpp]
		switch mode {
		case webpabi.ModeRGB:
			p[0], p[1], p[2] = r, g, b
		case webpabi.ModeBGR:
			p[0], p[1], p[2] = b, g, r
		case webpabi.ModeRGBA, webpabi.ModeRGBAPre:
			p[0], p[1], p[2], p[3] = r, g, b, a
		case webpabi.ModeBGRA, webpabi.ModeBGRAPre:
			p[0], p[1], p[2], p[3] = b, g, r, a
		case webpabi.ModeARGB, webpabi.ModeARGBPre:
			p[0], p[1], p[2], p[3] = a, r, g, b
		case webpabi.ModeRGBA4444, webpabi.ModeRGBA4444P:
			p[0] = r&0xf0 | g>>4
			p[1] = b&0xf0 | a>>4
		case webpabi.ModeRGB565:
			p[0] = r&0xf8 | g>>5
			p[1] = (g<<3)&0xe0 | b>>3
		}
	}
}

// unpackRow reads w pixels of 3 or 4 bytes into non-premultiplied RGBA.
func unpackRow(dst, src []byte, w, bpp int) {
	for x := 0; x < w; x++ {
		p := src[x*bpp:]
		dst[4*x], dst[4*x+1], dst[4*x+2] = p[0], p[1], p[2]
		if bpp == 4 {
			dst[4*x+3] = p[3]
		} else {
			dst[4*x+3] = 0xff
		}
	}
}
