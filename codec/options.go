package codec

import "github.com/caffeineduck/webpbox/webpabi"

// Limits bound what a Driver accepts. Zero fields take the defaults.
type Limits struct {
	// MaxDimension is the largest width or height accepted for encoding
	// and reported by decoding. It never exceeds the format maximum.
	MaxDimension int
	// MaxInputBytes caps encoded input handed to the codec.
	MaxInputBytes int
	// MaxOutputBytes caps encoded output taken back from the codec.
	MaxOutputBytes int
}

const (
	defaultMaxInputBytes  = 256 << 20
	defaultMaxOutputBytes = 1 << 30
)

func (l Limits) withDefaults() Limits {
	if l.MaxDimension <= 0 || l.MaxDimension > webpabi.MaxDimension {
		l.MaxDimension = webpabi.MaxDimension
	}
	if l.MaxInputBytes <= 0 || l.MaxInputBytes > defaultMaxOutputBytes {
		l.MaxInputBytes = defaultMaxInputBytes
	}
	if l.MaxOutputBytes <= 0 || l.MaxOutputBytes > defaultMaxOutputBytes {
		l.MaxOutputBytes = defaultMaxOutputBytes
	}
	return l
}

// Option configures a Driver.
type Option func(*driverConfig)

type driverConfig struct {
	limits Limits
}

// WithLimits sets the driver's limits.
func WithLimits(l Limits) Option {
	return func(c *driverConfig) {
		c.limits = l
	}
}

// DecodeFlags modify Decode.
type DecodeFlags uint32

const (
	// FlagTest stops after the header: the image is sized but has no
	// pixels.
	FlagTest DecodeFlags = 1 << iota
)

// EncodeOptions control EncodeBytes and Save.
type EncodeOptions struct {
	// Quality in [0, 100]. 100 selects lossless encoding.
	Quality float32
	// ICCProfile is embedded as an ICCP chunk when non-empty. When nil the
	// image's own profile is used.
	ICCProfile []byte
}

// Lossless reports whether the options select the lossless encoder.
func (o EncodeOptions) Lossless() bool { return o.Quality == 100 }
