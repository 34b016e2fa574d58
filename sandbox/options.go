package sandbox

// Option configures a WazeroFactory at creation time.
type Option func(*factoryConfig)

type factoryConfig struct {
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32 // each page is 64KB, 0 = wazero default (4GB)
	digest           string // hex blake3 of the uncompressed module, empty = unchecked
	exports          []string
}

func defaultFactoryConfig() factoryConfig {
	return factoryConfig{}
}

// WithDiskCache enables the persistent compilation cache so repeated CLI
// invocations skip compiling the codec module.
// Optionally provide a custom directory; otherwise uses ~/.cache/webpbox or
// XDG_CACHE_HOME/webpbox.
//
// Examples:
//
//	sandbox.NewWazeroFactory(ctx, mod, sandbox.WithDiskCache())            // default dir
//	sandbox.NewWazeroFactory(ctx, mod, sandbox.WithDiskCache("/tmp/cache")) // custom dir
func WithDiskCache(dir ...string) Option {
	return func(c *factoryConfig) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithMemoryLimit caps the linear memory of every domain. Each page is 64KB.
// Examples:
//   - WithMemoryLimit(256) = 16MB max
//   - WithMemoryLimit(1024) = 64MB max
//   - WithMemoryLimit(4096) = 256MB max
//
// Default is 0 (no limit, up to 4GB).
func WithMemoryLimit(pages uint32) Option {
	return func(c *factoryConfig) {
		c.memoryLimitPages = pages
	}
}

// WithModuleDigest pins the codec module to a blake3 digest (hex). A module
// with a different digest is refused.
func WithModuleDigest(hexDigest string) Option {
	return func(c *factoryConfig) {
		c.digest = hexDigest
	}
}

// WithRequiredExports sets the functions every domain must export.
// Instantiation fails with ErrDomainCreation when one is missing.
func WithRequiredExports(names ...string) Option {
	return func(c *factoryConfig) {
		c.exports = names
	}
}

// Memory limit constants for convenience.
const (
	MemoryLimit16MB  uint32 = 256   // 16 MB
	MemoryLimit64MB  uint32 = 1024  // 64 MB
	MemoryLimit256MB uint32 = 4096  // 256 MB
	MemoryLimit1GB   uint32 = 16384 // 1 GB
)

// ParseMemoryLimit maps a size name such as "64mb" to a page count. Unknown
// names map to 0 (no limit).
func ParseMemoryLimit(s string) uint32 {
	switch s {
	case "16mb", "16MB":
		return MemoryLimit16MB
	case "64mb", "64MB":
		return MemoryLimit64MB
	case "256mb", "256MB":
		return MemoryLimit256MB
	case "1gb", "1GB":
		return MemoryLimit1GB
	default:
		return 0
	}
}
