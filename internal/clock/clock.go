// Package clock provides the Clock capability trait: the one thing the
// broker and delivery worker need from wall time, handed to each as an
// interface instead of letting them call time.Now directly so tests can
// inject deterministic time. The breaker takes a plain Now func instead.
package clock

import "time"

type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type Real struct{}

func (Real) Now() time.Time        { return time.Now() }
func (Real) Sleep(d time.Duration) { time.Sleep(d) }
