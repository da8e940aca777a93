package codec

import "encoding/binary"

// Upsample8kTo16k doubles the sample rate by emitting each sample followed by
// the average of it and its successor. The last sample is repeated.
// No band-limiting filter is applied.
func Upsample8kTo16k(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrOddLength
	}
	n := len(pcm) / 2
	out := make([]byte, len(pcm)*2)
	for i := 0; i < n; i++ {
		cur := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		next := cur
		if i+1 < n {
			next = int16(binary.LittleEndian.Uint16(pcm[(i+1)*2:]))
		}
		mid := int16((int32(cur) + int32(next)) / 2)
		binary.LittleEndian.PutUint16(out[i*4:], uint16(cur))
		binary.LittleEndian.PutUint16(out[i*4+2:], uint16(mid))
	}
	return out, nil
}

// Downsample16kTo8k halves the sample rate by keeping every other sample.
// No anti-aliasing filter is applied.
func Downsample16kTo8k(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrOddLength
	}
	n := len(pcm) / 2 / 2
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		copy(out[i*2:i*2+2], pcm[i*4:i*4+2])
	}
	return out, nil
}
