// Package sandbox runs an untrusted codec library inside an isolated
// execution domain.
//
// # Overview
//
// A [Domain] owns its own linear memory and a set of named exports. The host
// reaches that memory only through the bounds-checked [Memory] view, and the
// domain never sees host memory except through an explicit [Pinned] loan.
//
// Domains are created per operation by a [Lifecycle]:
//
//	factory, err := sandbox.NewWazeroFactory(ctx, module,
//	    sandbox.WithMemoryLimit(sandbox.MemoryLimit256MB),
//	    sandbox.WithDiskCache(),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer factory.Close(ctx)
//
//	lc := sandbox.NewLifecycle(factory)
//	lease, err := lc.Acquire(ctx)
//	if err != nil {
//	    return err // wraps ErrDomainCreation
//	}
//	defer lease.Release()
//
//	res, err := lease.Domain().Call(ctx, "WebPGetDecoderVersion")
//
// # Backends
//
// [WazeroFactory] instantiates a WebAssembly build of the codec. The
// in-process backend lives in [github.com/caffeineduck/webpbox/guest].
//
// # Codec modules
//
// [LoadModule] reads a module from disk and transparently decompresses
// zstd-framed files. [WithModuleDigest] pins the module to a blake3 digest.
package sandbox
