package audio

import "encoding/binary"

// ResampleLinear resamples 16-bit mono PCM between arbitrary rates using
// linear interpolation. Adequate for speech; heavier filtering belongs in the
// synthesis collaborators which can emit the target rate directly.
func ResampleLinear(pcm []byte, fromRate, toRate int) []byte {
	if len(pcm) < 2 || fromRate <= 0 || toRate <= 0 {
		return nil
	}
	if fromRate == toRate {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out
	}

	in := make([]int16, len(pcm)/2)
	for i := range in {
		in[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}

	outLen := int(int64(len(in)) * int64(toRate) / int64(fromRate))
	if outLen == 0 {
		return nil
	}

	out := make([]int16, outLen)
	step := float64(fromRate) / float64(toRate)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = int16(float64(in[j])*(1-frac) + float64(in[j+1])*frac)
	}

	result := make([]byte, len(out)*2)
	for i, s := range out {
		binary.LittleEndian.PutUint16(result[i*2:], uint16(s))
	}
	return result
}
