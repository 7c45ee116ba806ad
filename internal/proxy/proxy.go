// Package proxy provides the bidirectional byte pump used to splice a
// visitor connection to a tunnel data channel.
package proxy

import (
	"io"
)

// result carries the outcome of one copy direction.
type result struct {
	aToB  bool
	bytes int64
	err   error
}

// Pump copies data between a and b concurrently in both directions.
// Unlike a graceful half-close proxy, it does not wait for both directions
// to finish: as soon as either direction ends (EOF or error), both
// connections are closed to unblock the other, and Pump returns.
//
// The returned byte counts are for logging only; a non-nil error from
// either direction is not considered fatal to the caller.
func Pump(a, b io.ReadWriteCloser) (aToB int64, bToA int64) {
	done := make(chan result, 2)

	go func() {
		n, err := io.Copy(b, a)
		done <- result{aToB: true, bytes: n, err: err}
	}()
	go func() {
		n, err := io.Copy(a, b)
		done <- result{aToB: false, bytes: n, err: err}
	}()

	first := <-done
	a.Close()
	b.Close()
	second := <-done

	for _, r := range [2]result{first, second} {
		if r.aToB {
			aToB = r.bytes
		} else {
			bToA = r.bytes
		}
	}
	return aToB, bToA
}
