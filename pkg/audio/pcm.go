package audio

import (
	"encoding/binary"
	"math"
)

// DownsampleAverage converts float samples at inputRate to targetRate by
// averaging every run of input samples that maps onto one output sample
// (decimation by averaging). When inputRate equals targetRate the input is
// returned as is. Upsampling is not supported; a targetRate above inputRate
// returns the input unchanged.
//
// The output length is floor(len(input) / (inputRate/targetRate)).
func DownsampleAverage(input []float32, inputRate, targetRate int) []float32 {
	if inputRate <= 0 || targetRate <= 0 || inputRate <= targetRate {
		return input
	}
	ratio := float64(inputRate) / float64(targetRate)
	outLen := int(math.Floor(float64(len(input)) / ratio))
	out := make([]float32, outLen)

	i := 0
	for idx := 0; idx < outLen; idx++ {
		next := int(math.Floor(float64(idx+1) * ratio))
		var sum float64
		count := 0
		for ; i < next && i < len(input); i++ {
			sum += float64(input[i])
			count++
		}
		if count == 0 {
			count = 1
		}
		out[idx] = float32(sum / float64(count))
	}
	return out
}

// FloatToPCM16 clamps each sample to [-1, 1], scales it by 0x7fff and
// encodes the result as little-endian signed 16-bit PCM.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s*0x7fff)))
	}
	return out
}

// PCM16ToFloat decodes little-endian signed 16-bit PCM into float samples in
// [-1, 1). A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := range n {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(v) / 32768
	}
	return out
}

// Downmix averages interleaved multi-channel float samples to mono.
// channels <= 1 returns the input unchanged. Trailing samples that do not
// form a complete frame are dropped.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for f := range frames {
		var sum float32
		base := f * channels
		for c := range channels {
			sum += samples[base+c]
		}
		out[f] = sum / float32(channels)
	}
	return out
}
