package audio

import (
	"encoding/binary"
	"io"
	"os"

	"echolink-server/internal/platform/errors"
)

const wavHeaderSize = 44

// WriteWavHeader 写标准 44 字节 PCM WAV 头
func WriteWavHeader(w io.Writer, dataLen, sampleRate, channels, bitsPerSample int) error {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	buf := make([]byte, wavHeaderSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataLen))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bitsPerSample))
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))

	_, err := w.Write(buf)
	return err
}

// WritePCMToWavFile 把 PCM 字节落盘为 WAV，用于调试时保存用户语音
func WritePCMToWavFile(path string, pcm []byte, sampleRate, channels int) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(errors.KindPlatform, "audio.wav_write", "创建 WAV 文件失败", err)
	}
	defer file.Close()

	if err := WriteWavHeader(file, len(pcm), sampleRate, channels, 16); err != nil {
		return errors.Wrap(errors.KindPlatform, "audio.wav_write", "写 WAV 头失败", err)
	}
	if _, err := file.Write(pcm); err != nil {
		return errors.Wrap(errors.KindPlatform, "audio.wav_write", "写 WAV 数据失败", err)
	}
	return nil
}

// ReadPCMDataFromWavFile 读取 WAV 的 PCM 数据段，跳过文件头
func ReadPCMDataFromWavFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.KindPlatform, "audio.wav_read", "读取 WAV 文件失败", err)
	}
	if len(data) <= wavHeaderSize || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, errors.New(errors.KindPlatform, "audio.wav_read", "不是有效的 WAV 文件")
	}
	return data[wavHeaderSize:], nil
}
