// Package libwebp implements the subset of the libwebp C API that webpbox
// calls, as exports of an in-process guest domain.
//
// Every export follows the C contract: arguments are wasm32 values,
// structs live in the instance's linear memory and are laid out by the
// descriptors in package webpabi, and failures are reported through status
// codes and null results. Only reads and writes outside the instance's
// memory fault.
//
// Decoding uses golang.org/x/image (vp8l for lossless, webp for lossy) and
// x/image/draw for cropping and scaling. Encoding always produces lossless
// VP8L through nativewebp; the lossy entry points quantize first.
package libwebp
