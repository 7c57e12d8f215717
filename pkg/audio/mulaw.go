package audio

// G.711 μ-law companding constants (ITU-T G.711)
const (
	muLawBias = 0x84  // 132, added before segment search
	muLawClip = 32635 // largest magnitude the encoder accepts
)

// DecodeMuLawToPCM16 converts G.711 μ-law (8-bit) to 16-bit signed PCM
// μ-law is a companding algorithm used in telephony
// Input: μ-law encoded bytes (8-bit samples at 8kHz)
// Output: 16-bit signed little-endian PCM samples
func DecodeMuLawToPCM16(muLaw []byte) []byte {
	if len(muLaw) == 0 {
		return nil
	}

	result := make([]byte, len(muLaw)*2)

	for i, mu := range muLaw {
		// Invert all bits (μ-law uses inverted representation)
		mu = ^mu

		sign := mu & 0x80
		exponent := (mu & 0x70) >> 4
		mantissa := mu & 0x0F

		// Reconstruct the magnitude: ((mantissa<<3)+bias)<<exponent - bias
		linear := (int32(mantissa)<<3 + muLawBias) << exponent
		linear -= muLawBias

		if sign != 0 {
			linear = -linear
		}

		// Little-endian 16-bit output
		result[i*2] = byte(linear & 0xFF)
		result[i*2+1] = byte((linear >> 8) & 0xFF)
	}

	return result
}

// EncodePCM16ToMuLaw converts 16-bit signed PCM to G.711 μ-law (8-bit)
// Input: 16-bit signed little-endian PCM samples
// Output: μ-law encoded bytes (8-bit samples)
func EncodePCM16ToMuLaw(pcm []byte) []byte {
	if len(pcm) < 2 {
		return nil
	}

	muLaw := make([]byte, len(pcm)/2)

	for i := 0; i < len(muLaw); i++ {
		sample := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8

		var sign byte
		linear := int32(sample)
		if linear < 0 {
			sign = 0x80
			linear = -linear
		}
		if linear > muLawClip {
			linear = muLawClip
		}
		linear += muLawBias

		// Find the segment: position of the highest set bit above bit 7
		exponent := byte(7)
		for mask := int32(0x4000); linear&mask == 0 && exponent > 0; exponent-- {
			mask >>= 1
		}

		mantissa := byte((linear >> (exponent + 3)) & 0x0F)

		// Assemble and invert all bits (μ-law uses inverted representation)
		muLaw[i] = ^(sign | exponent<<4 | mantissa)
	}

	return muLaw
}
