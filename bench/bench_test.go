// Package bench measures what the codec trust boundary costs.
//
// Run with: go test -v -run=Test ./bench/
// Benchmarks: go test -bench=. -benchtime=3x ./bench/
//
// Set WEBPBOX_BENCH_MODULE to a libwebp .wasm or .wasm.zst to include the
// wasm backend.
package bench

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/caffeineduck/webpbox/codec"
	"github.com/caffeineduck/webpbox/imbuf"
	"github.com/caffeineduck/webpbox/libwebp"
	"github.com/caffeineduck/webpbox/sandbox"
	"github.com/caffeineduck/webpbox/webpabi"
	"golang.org/x/image/webp"
)

func testImage(w, h int) *imbuf.Image {
	img, _ := imbuf.Alloc(w, h, 32, imbuf.FlagByteData)
	for y := 0; y < h; y++ {
		row := img.Row(y)
		for x := 0; x < w; x++ {
			row[4*x], row[4*x+1], row[4*x+2], row[4*x+3] = uint8(x), uint8(y), uint8(x^y), 0xff
		}
	}
	img.Planes = 24
	return img
}

func nativeDriver() *codec.Driver {
	return codec.New(libwebp.NewFactory())
}

func wasmDriver(tb testing.TB, opts ...sandbox.Option) *codec.Driver {
	tb.Helper()
	path := os.Getenv("WEBPBOX_BENCH_MODULE")
	if path == "" {
		tb.Skip("WEBPBOX_BENCH_MODULE not set")
	}
	module, err := sandbox.LoadModule(path)
	if err != nil {
		tb.Fatal(err)
	}
	opts = append(opts, sandbox.WithRequiredExports(webpabi.Exports...))
	f, err := sandbox.NewWazeroFactory(context.Background(), module, opts...)
	if err != nil {
		tb.Fatal(err)
	}
	return codec.New(f)
}

func encoded(tb testing.TB, w, h int) []byte {
	tb.Helper()
	d := nativeDriver()
	defer d.Close(context.Background())
	data, err := d.EncodeBytes(context.Background(), testImage(w, h), codec.EncodeOptions{Quality: 100})
	if err != nil {
		tb.Fatal(err)
	}
	return data
}

// --- Sandboxed native codec ---

func BenchmarkNative_IsFormat(b *testing.B) {
	d := nativeDriver()
	defer d.Close(context.Background())
	data := encoded(b, 256, 256)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d.IsFormat(context.Background(), data)
	}
}

func BenchmarkNative_Decode(b *testing.B) {
	d := nativeDriver()
	defer d.Close(context.Background())
	data := encoded(b, 256, 256)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := d.Decode(context.Background(), data, 0); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkNative_DecodeThumbnail(b *testing.B) {
	d := nativeDriver()
	defer d.Close(context.Background())
	path := filepath.Join(b.TempDir(), "in.webp")
	if err := os.WriteFile(path, encoded(b, 512, 512), 0o644); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, _, err := d.DecodeThumbnail(context.Background(), path, 64); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkNative_EncodeLossless(b *testing.B) {
	d := nativeDriver()
	defer d.Close(context.Background())
	img := testImage(256, 256)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := d.EncodeBytes(context.Background(), img, codec.EncodeOptions{Quality: 100}); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkNative_EncodeLossy(b *testing.B) {
	d := nativeDriver()
	defer d.Close(context.Background())
	img := testImage(256, 256)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := d.EncodeBytes(context.Background(), img, codec.EncodeOptions{Quality: 75}); err != nil {
			b.Fatal(err)
		}
	}
}

// --- Unsandboxed baseline ---

func BenchmarkDirect_Decode(b *testing.B) {
	data := encoded(b, 256, 256)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := webp.Decode(bytes.NewReader(data)); err != nil {
			b.Fatal(err)
		}
	}
}

// --- Wasm backend (if a module is available) ---

func BenchmarkWasm_Decode(b *testing.B) {
	d := wasmDriver(b)
	defer d.Close(context.Background())
	data := encoded(b, 256, 256)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := d.Decode(context.Background(), data, 0); err != nil {
			b.Fatal(err)
		}
	}
}

// =============================================================================
// COMPARISON TEST - Human readable output
// =============================================================================

func TestBoundaryCost(t *testing.T) {
	fmt.Println()
	fmt.Println("=== webpbox decode cost, 256x256 lossless ===")
	fmt.Printf("Platform: %s/%s, CPUs: %d\n", runtime.GOOS, runtime.GOARCH, runtime.NumCPU())
	fmt.Println()

	measure := func(runs int, fn func() error) time.Duration {
		var total time.Duration
		for i := 0; i < runs; i++ {
			start := time.Now()
			if err := fn(); err != nil {
				t.Fatal(err)
			}
			total += time.Since(start)
		}
		return total / time.Duration(runs)
	}

	const runs = 5
	data := encoded(t, 256, 256)
	ctx := context.Background()

	direct := measure(runs, func() error {
		_, err := webp.Decode(bytes.NewReader(data))
		return err
	})

	d := nativeDriver()
	native := measure(runs, func() error {
		_, err := d.Decode(ctx, data, 0)
		return err
	})
	d.Close(ctx)

	fmt.Printf("%-24s %9s\n", "direct (no boundary)", formatDuration(direct))
	fmt.Printf("%-24s %9s\n", "native domain", formatDuration(native))
	fmt.Println()

	t.Log("Benchmark complete - see stdout for results")
}

func formatDuration(d time.Duration) string {
	if d >= time.Second {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	if d >= time.Millisecond {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%dµs", d.Microseconds())
}

// =============================================================================
// MEMORY BENCHMARK
// =============================================================================

func TestMemoryUsage(t *testing.T) {
	var m runtime.MemStats

	runtime.GC()
	runtime.ReadMemStats(&m)
	before := m.Alloc

	d := nativeDriver()
	data := encoded(t, 512, 512)
	for i := 0; i < 5; i++ {
		if _, err := d.Decode(context.Background(), data, 0); err != nil {
			t.Fatal(err)
		}
	}

	runtime.ReadMemStats(&m)
	after := m.Alloc

	d.Close(context.Background())

	runtime.GC()
	runtime.ReadMemStats(&m)
	afterGC := m.Alloc

	t.Logf("Memory before: %d MB", before/1024/1024)
	t.Logf("Memory after 5 decodes: %d MB", after/1024/1024)
	t.Logf("Memory after GC: %d MB", afterGC/1024/1024)
}

// =============================================================================
// DISK CACHE BENCHMARK (simulates CLI usage)
// =============================================================================

func TestDiskCacheBenefit(t *testing.T) {
	cacheDir := t.TempDir()
	data := encoded(t, 64, 64)

	var times []time.Duration

	// Simulate 5 separate CLI invocations (each compiles or loads the module)
	for i := 0; i < 5; i++ {
		start := time.Now()

		d := wasmDriver(t, sandbox.WithDiskCache(cacheDir))
		if _, err := d.Decode(context.Background(), data, 0); err != nil {
			t.Fatal(err)
		}
		d.Close(context.Background())

		times = append(times, time.Since(start))
	}

	fmt.Println()
	fmt.Println("=== Disk Cache Benefit (simulated CLI calls) ===")
	for i, d := range times {
		label := "cached"
		if i == 0 {
			label = "compile"
		}
		fmt.Printf("Call %d (%s): %v\n", i+1, label, d)
	}
	fmt.Printf("Speedup: %.1fx faster after first call\n", float64(times[0])/float64(times[1]))
	fmt.Println()

	t.Log("Disk cache test complete")
}
