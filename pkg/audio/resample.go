package audio

// ResampleMono16 converts 16-bit little-endian mono PCM between sample
// rates using linear interpolation. Each call is independent: no filter
// state carries across frames, so equal inputs always yield equal outputs.
// Returns the input unchanged when the rates match or either rate is
// invalid.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate == dstRate || srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	if srcSamples == 0 {
		return nil
	}
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}
	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(uint16(pcm[srcIdx*2]) | uint16(pcm[srcIdx*2+1])<<8)
		v := s0
		if srcIdx+1 < srcSamples {
			s1 := int16(uint16(pcm[srcIdx*2+2]) | uint16(pcm[srcIdx*2+3])<<8)
			v = int16(float64(s0) + (float64(s1)-float64(s0))*frac)
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}
