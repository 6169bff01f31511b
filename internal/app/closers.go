package app

// closers unwinds what NewApp already opened when a later step fails.
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

// run calls the closers newest first and empties the list. The first error
// is returned; later closers still run.
func (c *closers) run() error {
	var first error
	for i := len(*c) - 1; i >= 0; i-- {
		if err := (*c)[i](); err != nil && first == nil {
			first = err
		}
	}
	*c = nil
	return first
}

// release hands ownership to the caller; run becomes a no-op.
func (c *closers) release() { *c = nil }
