// Package webpbox decodes and encodes WebP images without letting the
// codec touch host memory.
//
// # Overview
//
// All parsing of image bytes happens inside a codec domain: a WebAssembly
// instance of libwebp run by wazero, or the in-process Go codec in
// [libwebp] for hosts that ship no module. The host only ever sees the
// domain's linear memory through tainted values, and each one is checked
// by a predicate before it is used.
//
// # Basic Usage
//
//	d := codec.New(libwebp.NewFactory())
//	defer d.Close(ctx)
//
//	if d.IsFormat(ctx, data) {
//	    img, err := d.Decode(ctx, data, 0)
//	    ...
//	}
//
//	// Scaled decode straight from a mapped file
//	thumb, w, h, err := d.DecodeThumbnail(ctx, "photo.webp", 256)
//
//	// Quality 100 is lossless
//	err = d.Save(ctx, img, "out.webp", codec.EncodeOptions{Quality: 90})
//
// # Using a libwebp Module
//
//	module, _ := sandbox.LoadModule("libwebp.wasm.zst")
//	f, _ := sandbox.NewWazeroFactory(ctx, module,
//	    sandbox.WithRequiredExports(webpabi.Exports...),
//	    sandbox.WithMemoryLimit(4096),
//	    sandbox.WithDiskCache())
//	d := codec.New(f)
//
// See the [codec], [sandbox], [tainted], and [config] packages for detailed
// API documentation.
package webpbox
