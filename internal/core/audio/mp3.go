package audio

import (
	"bytes"
	"io"

	mp3 "github.com/hajimehoshi/go-mp3"

	"echolink-server/internal/platform/errors"
)

// MP3ToPCM 解码 MP3 为目标采样率的单声道 16-bit PCM。
// 文件型 TTS（edge 等）输出 MP3，统一转成下行编码用的 PCM。
func MP3ToPCM(mp3Data []byte, targetRate int) ([]byte, error) {
	decoder, err := mp3.NewDecoder(bytes.NewReader(mp3Data))
	if err != nil {
		return nil, errors.Wrap(errors.KindProvider, "audio.mp3", "MP3 解码失败", err)
	}

	raw, err := io.ReadAll(decoder)
	if err != nil {
		return nil, errors.Wrap(errors.KindProvider, "audio.mp3", "MP3 读取失败", err)
	}

	// go-mp3 固定输出双声道 16-bit
	samples := StereoToMono(BytesToInt16(raw))
	if rate := decoder.SampleRate(); rate != targetRate {
		samples = ResamplePCM(samples, rate, targetRate)
	}
	return Int16ToBytes(samples), nil
}
