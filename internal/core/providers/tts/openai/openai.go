package openai

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/go-resty/resty/v2"

	"echolink-server/internal/core/audio"
	"echolink-server/internal/core/providers"
	"echolink-server/internal/platform/config"
	"echolink-server/internal/platform/errors"
	"echolink-server/internal/platform/logging"
)

func init() {
	providers.RegisterTTS("openai", NewProvider)
}

// 服务端以 24kHz 16-bit PCM 流式返回
const sourceSampleRate = 24000

// Provider OpenAI /audio/speech 接口，单句流式：HTTP 分块返回 PCM，
// 边收边重采样为 16kHz 交付。
type Provider struct {
	cfg    *config.TTSConfig
	logger *logging.Logger
	client *resty.Client

	mu    sync.RWMutex
	voice string
}

func NewProvider(cfg *config.TTSConfig, logger *logging.Logger) (providers.TTSProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New(errors.KindConfig, "tts.openai", "缺少 api_key 配置")
	}
	voice := cfg.Voice
	if voice == "" {
		voice = "alloy"
	}
	return &Provider{cfg: cfg, logger: logger, voice: voice}, nil
}

func (p *Provider) Initialize() error {
	p.client = resty.New().
		SetBaseURL(p.cfg.BaseURL).
		SetAuthToken(p.cfg.APIKey)
	return nil
}

func (p *Provider) Cleanup() error { return nil }

func (p *Provider) Mode() providers.TTSMode { return providers.TTSModeSingleStream }

func (p *Provider) SetVoice(voice string) error {
	if voice == "" {
		return errors.New(errors.KindConfig, "tts.openai", "音色不能为空")
	}
	p.mu.Lock()
	p.voice = voice
	p.mu.Unlock()
	return nil
}

func (p *Provider) SynthesizeStream(ctx context.Context, text string, emit func(pcm []byte) error) error {
	if text == "" {
		return errors.New(errors.KindProvider, "tts.synthesize", "合成文本为空")
	}
	p.mu.RLock()
	voice := p.voice
	p.mu.RUnlock()

	model := p.cfg.Cluster
	if model == "" {
		model = "tts-1"
	}

	resp, err := p.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetBody(map[string]interface{}{
			"model":           model,
			"input":           text,
			"voice":           voice,
			"response_format": "pcm",
		}).
		Post("/audio/speech")
	if err != nil {
		return errors.Wrap(errors.KindProvider, "tts.synthesize", "合成请求失败", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() >= 300 {
		return errors.New(errors.KindProvider, "tts.synthesize",
			fmt.Sprintf("合成服务返回 %d", resp.StatusCode()))
	}

	// 按块读取并重采样。块边界留一个尾字节保证采样对齐。
	buf := make([]byte, 9600) // 200ms @ 24kHz
	var carry byte
	hasCarry := false
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if hasCarry {
				chunk = append([]byte{carry}, chunk...)
				hasCarry = false
			}
			if len(chunk)%2 != 0 {
				carry = chunk[len(chunk)-1]
				hasCarry = true
				chunk = chunk[:len(chunk)-1]
			}
			if len(chunk) > 0 {
				samples := audio.ResamplePCM(audio.BytesToInt16(chunk), sourceSampleRate, 16000)
				if err := emit(audio.Int16ToBytes(samples)); err != nil {
					return err
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return errors.Wrap(errors.KindProvider, "tts.synthesize", "读取音频流失败", readErr)
		}
	}
}
