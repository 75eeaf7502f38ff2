package audio

import (
	"github.com/hraban/opus"

	"echolink-server/internal/platform/errors"
)

const defaultBitrate = 24000

// Decoder 每条连接一个，解码客户端上行的 Opus 帧为 16-bit PCM。
type Decoder struct {
	dec        *opus.Decoder
	sampleRate int
	channels   int
	pcmBuf     []int16
}

func NewDecoder(sampleRate, channels int) (*Decoder, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, errors.Wrap(errors.KindPlatform, "audio.decoder", "创建 Opus 解码器失败", err)
	}
	return &Decoder{
		dec:        dec,
		sampleRate: sampleRate,
		channels:   channels,
		// 单帧最大 120ms
		pcmBuf: make([]int16, sampleRate*channels*120/1000),
	}, nil
}

// Decode 返回一帧 PCM 字节（小端 16-bit）。空输入返回 nil。
func (d *Decoder) Decode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	n, err := d.dec.Decode(data, d.pcmBuf)
	if err != nil {
		return nil, errors.Wrap(errors.KindProtocol, "audio.decode", "Opus 解码失败", err)
	}
	return Int16ToBytes(d.pcmBuf[:n*d.channels]), nil
}

// Encoder 每个下行语音流一个。按帧长缓冲 PCM，攒满一帧编码一帧，
// Flush 时补零凑满最后一帧。轮次之间必须 Reset。
type Encoder struct {
	enc           *opus.Encoder
	sampleRate    int
	channels      int
	frameSamples  int // 每声道每帧采样数
	pending       []int16
	out           []byte
}

func NewEncoder(sampleRate, channels, frameDurationMs int) (*Encoder, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, errors.Wrap(errors.KindPlatform, "audio.encoder", "创建 Opus 编码器失败", err)
	}
	if err := enc.SetBitrate(defaultBitrate); err != nil {
		return nil, errors.Wrap(errors.KindPlatform, "audio.encoder", "设置码率失败", err)
	}
	return &Encoder{
		enc:          enc,
		sampleRate:   sampleRate,
		channels:     channels,
		frameSamples: sampleRate * frameDurationMs / 1000,
		out:          make([]byte, 4000),
	}, nil
}

// Write 送入任意长度的 PCM 字节，返回编码出的完整 Opus 帧（可能为空）。
func (e *Encoder) Write(pcm []byte) ([][]byte, error) {
	e.pending = append(e.pending, BytesToInt16(pcm)...)
	return e.drain(false)
}

// Flush 把残余采样补零成整帧后编码，结束当前流。
func (e *Encoder) Flush() ([][]byte, error) {
	return e.drain(true)
}

// Reset 丢弃缓冲，供下一轮复用编码器。
func (e *Encoder) Reset() {
	e.pending = e.pending[:0]
}

func (e *Encoder) drain(pad bool) ([][]byte, error) {
	frameLen := e.frameSamples * e.channels
	var frames [][]byte
	for len(e.pending) >= frameLen {
		frame, err := e.encodeFrame(e.pending[:frameLen])
		if err != nil {
			return frames, err
		}
		frames = append(frames, frame)
		e.pending = e.pending[frameLen:]
	}
	if pad && len(e.pending) > 0 {
		padded := make([]int16, frameLen)
		copy(padded, e.pending)
		e.pending = e.pending[:0]
		frame, err := e.encodeFrame(padded)
		if err != nil {
			return frames, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func (e *Encoder) encodeFrame(pcm []int16) ([]byte, error) {
	n, err := e.enc.Encode(pcm, e.out)
	if err != nil {
		return nil, errors.Wrap(errors.KindPlatform, "audio.encode", "Opus 编码失败", err)
	}
	frame := make([]byte, n)
	copy(frame, e.out[:n])
	return frame, nil
}
