package audio

import (
	"encoding/base64"
	"encoding/binary"
	"math"
)

// ChunkPCM splits PCM audio data into chunks of specified size
func ChunkPCM(pcmData []byte, chunkSize int) [][]byte {
	if chunkSize <= 0 {
		chunkSize = 640 // 20ms at 16kHz, 16-bit mono
	}

	var chunks [][]byte
	for i := 0; i < len(pcmData); i += chunkSize {
		end := i + chunkSize
		if end > len(pcmData) {
			end = len(pcmData)
		}
		chunks = append(chunks, pcmData[i:end])
	}

	return chunks
}

// EncodePCMChunkToBase64 encodes a PCM chunk to base64 for JSON transport
func EncodePCMChunkToBase64(pcmChunk []byte) string {
	return base64.StdEncoding.EncodeToString(pcmChunk)
}

// DecodeBase64PCM decodes base64-encoded PCM from the signaling transport
func DecodeBase64PCM(base64Data string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Data)
}

// RMS computes the root-mean-square energy of 16-bit little-endian PCM.
// Returns 0 for empty or odd-length input.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		sum += float64(s) * float64(s)
	}

	return math.Sqrt(sum / float64(n))
}

// WrapPCMInWAV prepends a 44-byte WAV header to raw 16-bit mono PCM so it can
// be uploaded to transcription APIs that expect a container format.
func WrapPCMInWAV(pcmData []byte, sampleRate int) []byte {
	if sampleRate == 0 {
		sampleRate = 16000
	}
	const bitsPerSample = 16
	const channels = 1
	dataSize := len(pcmData)

	header := make([]byte, 44)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+dataSize))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16) // fmt chunk size
	binary.LittleEndian.PutUint16(header[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(header[22:24], channels)
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(sampleRate*channels*bitsPerSample/8))
	binary.LittleEndian.PutUint16(header[32:34], channels*bitsPerSample/8)
	binary.LittleEndian.PutUint16(header[34:36], bitsPerSample)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(dataSize))

	wavData := make([]byte, 0, 44+dataSize)
	wavData = append(wavData, header...)
	wavData = append(wavData, pcmData...)
	return wavData
}
