package tsframer

// wrappingCounter tracks a small counter that wraps at wrapAt+1 values,
// with a sentinel value one past wrapAt standing in for "never set".
// Adapted from k-danil-go-astits's wrapping_counter.go (there used for
// PES packet continuity) for the transport-stream continuity-counter
// field, which wraps mod 16.
type wrappingCounter struct {
	value  int
	wrapAt int
}

func newWrappingCounter(wrapAt int) wrappingCounter {
	return wrappingCounter{value: wrapAt + 1, wrapAt: wrapAt}
}

func (c *wrappingCounter) isSet() bool { return c.value <= c.wrapAt }

func (c *wrappingCounter) get() int { return c.value }

func (c *wrappingCounter) set(v int) { c.value = v }

func (c *wrappingCounter) inc() int {
	c.value++
	if c.value > c.wrapAt {
		c.value = 0
	}
	return c.value
}
