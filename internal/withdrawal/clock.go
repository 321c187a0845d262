package withdrawal

import "time"

// Clock supplies the current instant so expiry checks are deterministic in
// tests. All times are UTC.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

func SystemClock() Clock {
	return systemClock{}
}
