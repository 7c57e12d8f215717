// Package stt provides the speech-to-text collaborator clients.
package stt

import "context"

// Result is a finalized transcription.
type Result struct {
	Text       string
	Confidence float64
	Language   string
}

// Transcriber converts one utterance of raw PCM16 mono audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (*Result, error)
	IsAvailable() bool
}
