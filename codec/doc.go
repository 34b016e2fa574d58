// Package codec is the host-facing WebP API. Every operation runs against a
// freshly created codec domain held under an exclusive lease, talks to it
// only through tainted buffers and verified extraction, and releases every
// domain resource before returning.
//
// Basic usage:
//
//	d := codec.New(libwebp.NewFactory())
//	defer d.Close(ctx)
//
//	if d.IsFormat(ctx, data) {
//		img, err := d.Decode(ctx, data, 0)
//		...
//	}
//	thumb, w, h, err := d.DecodeThumbnail(ctx, "photo.webp", 256)
//	err = d.Save(ctx, img, "out.webp", codec.EncodeOptions{Quality: 100})
//
// Failures are *Error values carrying a Kind; compare with errors.Is
// against the Err* sentinels.
package codec
