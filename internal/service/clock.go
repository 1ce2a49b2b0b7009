package service

import "time"

// Clock — источник текущего времени.
type Clock interface {
	Now() time.Time
}

// SystemClock — системные часы (UTC).
type SystemClock struct{}

// Now возвращает текущее время в UTC.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
