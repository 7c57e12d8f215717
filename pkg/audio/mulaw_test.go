package audio

import (
	"encoding/binary"
	"testing"
)

func pcm16(samples ...int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func samplesOf(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

func TestMuLawRoundTrip(t *testing.T) {
	inputs := []int16{0, 10, -10, 100, -100, 1000, -1000, 8000, -8000, 30000, -30000, 32635, -32635}

	decoded := samplesOf(DecodeMuLawToPCM16(EncodePCM16ToMuLaw(pcm16(inputs...))))
	if len(decoded) != len(inputs) {
		t.Fatalf("expected %d samples, got %d", len(inputs), len(decoded))
	}

	for i, want := range inputs {
		got := decoded[i]
		diff := int32(got) - int32(want)
		if diff < 0 {
			diff = -diff
		}
		// Companding is lossy; allow the quantization step plus 5% of the
		// magnitude.
		mag := int32(want)
		if mag < 0 {
			mag = -mag
		}
		tolerance := mag/20 + 16
		if diff > tolerance {
			t.Errorf("sample %d: %d decoded to %d (diff %d, tolerance %d)", i, want, got, diff, tolerance)
		}
	}
}

func TestMuLawClipsOutOfRange(t *testing.T) {
	decoded := samplesOf(DecodeMuLawToPCM16(EncodePCM16ToMuLaw(pcm16(32767))))
	if len(decoded) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(decoded))
	}
	if decoded[0] < 30000 {
		t.Errorf("clipped sample decoded too low: %d", decoded[0])
	}
}

func TestMuLawEmptyInput(t *testing.T) {
	if out := EncodePCM16ToMuLaw(nil); out != nil {
		t.Errorf("expected nil for empty input, got %d bytes", len(out))
	}
	if out := DecodeMuLawToPCM16(nil); out != nil {
		t.Errorf("expected nil for empty input, got %d bytes", len(out))
	}
}

func TestResampleLengths(t *testing.T) {
	in := pcm16(100, 200, 300, 400)

	up := Resample8kTo16k(in)
	if len(up) != len(in)*2 {
		t.Errorf("upsample: expected %d bytes, got %d", len(in)*2, len(up))
	}

	down := Resample16kTo8k(in)
	if len(down) != len(in)/2 {
		t.Errorf("downsample: expected %d bytes, got %d", len(in)/2, len(down))
	}
}

func TestResampleConstantSignal(t *testing.T) {
	in := pcm16(500, 500, 500, 500)

	for _, s := range samplesOf(Resample8kTo16k(in)) {
		if s != 500 {
			t.Fatalf("upsample changed constant signal: %d", s)
		}
	}
	for _, s := range samplesOf(Resample16kTo8k(in)) {
		if s != 500 {
			t.Fatalf("downsample changed constant signal: %d", s)
		}
	}
}
