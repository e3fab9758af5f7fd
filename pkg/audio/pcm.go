package audio

import (
	"encoding/binary"
	"math"
)

// Samples decodes 16-bit little-endian PCM. A trailing odd byte is ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// AppendPCM appends samples to dst as 16-bit little-endian PCM.
func AppendPCM(dst []byte, samples []int16) []byte {
	for _, s := range samples {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(s))
	}
	return dst
}

// Downmix averages each interleaved frame of the given channel count into one
// mono sample. Mono input is returned unchanged.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	stride := channels * 2
	frames := len(pcm) / stride
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for ch := range channels {
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[i*stride+ch*2:])))
		}
		// The mean of int16 values always fits int16.
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sum/int32(channels))))
	}
	return out
}

// Upmix copies every mono sample into each of channels slots.
func Upmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	n := len(pcm) / 2
	out := make([]byte, n*channels*2)
	for i := range n {
		lo, hi := pcm[i*2], pcm[i*2+1]
		for ch := range channels {
			j := (i*channels + ch) * 2
			out[j], out[j+1] = lo, hi
		}
	}
	return out
}

// Resample converts interleaved 16-bit PCM from srcRate to dstRate using
// linear interpolation per channel. Invalid rates, equal rates and input
// shorter than one frame are returned unchanged.
func Resample(pcm []byte, channels, srcRate, dstRate int) []byte {
	if channels <= 0 || srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	stride := channels * 2
	srcFrames := len(pcm) / stride
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	sample := func(frame, ch int) float64 {
		frame = min(frame, srcFrames-1)
		return float64(int16(binary.LittleEndian.Uint16(pcm[frame*stride+ch*2:])))
	}

	out := make([]byte, dstFrames*stride)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		for ch := range channels {
			v := sample(idx, ch)*(1-frac) + sample(idx+1, ch)*frac
			v = math.Max(math.MinInt16, math.Min(math.MaxInt16, v))
			binary.LittleEndian.PutUint16(out[i*stride+ch*2:], uint16(int16(v)))
		}
	}
	return out
}
