// Package tts provides the text-to-speech collaborator clients.
package tts

import "context"

// Synthesizer converts text into a stream of raw PCM16 mono audio at the
// pipeline sample rate. The returned channel is closed when synthesis
// completes or ctx is cancelled; cancelling ctx aborts the stream mid-flight.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voiceID string) (<-chan []byte, error)
	IsAvailable() bool
}
