package inference

import (
	"time"

	"github.com/samcharles93/murmur/internal/audio"
)

// Stats describes the cost of one request.
type Stats struct {
	AudioDuration time.Duration
	Duration      time.Duration
	// RealTimeFactor is processing time over audio time. Below one is
	// faster than real time.
	RealTimeFactor float64
	Segments       int
}

func newStats(samples int, segments int, elapsed time.Duration) Stats {
	audioDur := time.Duration(samples) * time.Second / audio.SampleRate
	s := Stats{AudioDuration: audioDur, Duration: elapsed, Segments: segments}
	if audioDur > 0 {
		s.RealTimeFactor = elapsed.Seconds() / audioDur.Seconds()
	}
	return s
}
