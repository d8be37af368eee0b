package main

import (
	"sync/atomic"
	"time"
)

// Cache holds the most recently published reading.
// It has a single writer (the poller) and any number of readers.
// Readings are published by swapping a pointer to an immutable value,
// so a reader sees either the old or the new reading, never a mix.
type Cache struct {
	r atomic.Pointer[Reading]
}

// NewCache returns a cache holding the zero, invalid reading.
func NewCache() *Cache {
	c := &Cache{}
	c.r.Store(&Reading{})
	return c
}

// Get returns a copy of the current reading.
func (c *Cache) Get() Reading {
	return *c.r.Load()
}

// Set publishes r.
func (c *Cache) Set(r Reading) {
	c.r.Store(&r)
}

// Age returns how long ago the current reading was taken,
// or zero if no valid reading has been published yet.
func (c *Cache) Age(now time.Time) time.Duration {
	r := c.r.Load()
	if !r.Valid || r.Time.IsZero() {
		return 0
	}
	return now.Sub(r.Time)
}
