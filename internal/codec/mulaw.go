// Package codec converts audio between the telephony leg (8 kHz mu-law) and
// the speech engine leg (16 kHz little-endian PCM16).
//
// All functions are pure and safe for concurrent use.
package codec

import (
	"encoding/binary"
	"errors"
	"math/bits"
)

const (
	muLawBias = 0x84
	muLawClip = 32635
)

// ErrOddLength is returned when a PCM16 buffer does not hold whole samples.
var ErrOddLength = errors.New("pcm16 buffer has odd byte length")

// muLawTable is the G.711 mu-law expansion table, indexed by the encoded byte.
var muLawTable = [256]int16{
	-32124, -31100, -30076, -29052, -28028, -27004, -25980, -24956,
	-23932, -22908, -21884, -20860, -19836, -18812, -17788, -16764,
	-15996, -15484, -14972, -14460, -13948, -13436, -12924, -12412,
	-11900, -11388, -10876, -10364, -9852, -9340, -8828, -8316,
	-7932, -7676, -7420, -7164, -6908, -6652, -6396, -6140,
	-5884, -5628, -5372, -5116, -4860, -4604, -4348, -4092,
	-3900, -3772, -3644, -3516, -3388, -3260, -3132, -3004,
	-2876, -2748, -2620, -2492, -2364, -2236, -2108, -1980,
	-1884, -1820, -1756, -1692, -1628, -1564, -1500, -1436,
	-1372, -1308, -1244, -1180, -1116, -1052, -988, -924,
	-876, -844, -812, -780, -748, -716, -684, -652,
	-620, -588, -556, -524, -492, -460, -428, -396,
	-372, -356, -340, -324, -308, -292, -276, -260,
	-244, -228, -212, -196, -180, -164, -148, -132,
	-120, -112, -104, -96, -88, -80, -72, -64,
	-56, -48, -40, -32, -24, -16, -8, 0,
	32124, 31100, 30076, 29052, 28028, 27004, 25980, 24956,
	23932, 22908, 21884, 20860, 19836, 18812, 17788, 16764,
	15996, 15484, 14972, 14460, 13948, 13436, 12924, 12412,
	11900, 11388, 10876, 10364, 9852, 9340, 8828, 8316,
	7932, 7676, 7420, 7164, 6908, 6652, 6396, 6140,
	5884, 5628, 5372, 5116, 4860, 4604, 4348, 4092,
	3900, 3772, 3644, 3516, 3388, 3260, 3132, 3004,
	2876, 2748, 2620, 2492, 2364, 2236, 2108, 1980,
	1884, 1820, 1756, 1692, 1628, 1564, 1500, 1436,
	1372, 1308, 1244, 1180, 1116, 1052, 988, 924,
	876, 844, 812, 780, 748, 716, 684, 652,
	620, 588, 556, 524, 492, 460, 428, 396,
	372, 356, 340, 324, 308, 292, 276, 260,
	244, 228, 212, 196, 180, 164, 148, 132,
	120, 112, 104, 96, 88, 80, 72, 64,
	56, 48, 40, 32, 24, 16, 8, 0,
}

// DecodeMuLaw expands mu-law bytes into little-endian PCM16, one sample per byte.
func DecodeMuLaw(ulaw []byte) []byte {
	pcm := make([]byte, len(ulaw)*2)
	for i, b := range ulaw {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(muLawTable[b]))
	}
	return pcm
}

// EncodeMuLaw compresses little-endian PCM16 into mu-law, one byte per sample.
func EncodeMuLaw(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrOddLength
	}
	ulaw := make([]byte, len(pcm)/2)
	for i := range ulaw {
		ulaw[i] = encodeSample(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return ulaw, nil
}

func encodeSample(sample int16) byte {
	s := int(sample)
	var sign byte
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > muLawClip {
		s = muLawClip
	}
	s += muLawBias

	// s is within [0x84, 0x7FFF], so s>>7 has its leading bit at 0..7.
	exponent := bits.Len(uint(s>>7)) - 1
	mantissa := (s >> (exponent + 3)) & 0x0F
	return ^(sign | byte(exponent<<4) | byte(mantissa))
}
