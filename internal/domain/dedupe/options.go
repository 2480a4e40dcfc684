package dedupe

// Option applies a configuration option to the in-flight guard.
type Option func(*inMemoryDeduper)

// WithMaxSize sets how many keys may be in flight at once.
// If maxSize <= 0 the guard is unbounded.
func WithMaxSize(maxSize int) Option {
	return func(d *inMemoryDeduper) {
		d.maxSize = maxSize
	}
}
