package syncer

import "time"

// Clock supplies the pass completion time in Unix seconds
type Clock interface {
	Now() int64
}

// ClockFunc adapts a function into a Clock
type ClockFunc func() int64

func (f ClockFunc) Now() int64 { return f() }

// SystemClock reads the wall clock
var SystemClock Clock = ClockFunc(func() int64 { return time.Now().Unix() })
