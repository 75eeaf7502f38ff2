package audio

// BytesToInt16 小端 PCM 字节转采样，奇数尾字节丢弃
func BytesToInt16(data []byte) []int16 {
	n := len(data) / 2
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(data[2*i]) | int16(data[2*i+1])<<8
	}
	return samples
}

// Int16ToBytes 采样转小端 PCM 字节
func Int16ToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		data[2*i] = byte(s)
		data[2*i+1] = byte(s >> 8)
	}
	return data
}

// ResamplePCM 线性插值重采样。采样率相同时原样返回。
func ResamplePCM(input []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || len(input) == 0 {
		return input
	}

	ratio := float64(outputRate) / float64(inputRate)
	outLen := int(float64(len(input)) * ratio)
	if outLen < 1 {
		outLen = 1
	}
	output := make([]int16, outLen)

	for i := range output {
		pos := float64(i) / ratio
		idx := int(pos)
		if idx >= len(input)-1 {
			output[i] = input[len(input)-1]
			continue
		}
		frac := pos - float64(idx)
		a, b := float64(input[idx]), float64(input[idx+1])
		output[i] = int16(a + (b-a)*frac)
	}
	return output
}

// StereoToMono 双声道取均值压成单声道
func StereoToMono(samples []int16) []int16 {
	mono := make([]int16, len(samples)/2)
	for i := range mono {
		mono[i] = int16((int32(samples[2*i]) + int32(samples[2*i+1])) / 2)
	}
	return mono
}
