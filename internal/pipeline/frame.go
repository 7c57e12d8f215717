// Package pipeline provides the audio frame types and the bounded duplex
// frame bus connecting the telephony bridge to the per-call voice pipeline.
package pipeline

import "time"

// Frame is one fixed-interval span of raw PCM16 mono audio. Sequence numbers
// are monotonic per direction; a gap means dropped audio and is logged by the
// bus, never reordered.
type Frame struct {
	Seq       uint64
	PCM       []byte
	Timestamp time.Time
}
