package openai

import (
	"bytes"
	"context"
	"sync"

	"github.com/sashabaranov/go-openai"

	"echolink-server/internal/core/audio"
	"echolink-server/internal/core/providers"
	"echolink-server/internal/platform/config"
	"echolink-server/internal/platform/errors"
	"echolink-server/internal/platform/logging"
)

func init() {
	providers.RegisterASR("openai", NewProvider)
}

// Provider Whisper 式整段识别：Feed 只攒缓冲，Transcribe 打包成 WAV 一次上传。
// 没有中间结果，listener 只会收到最终文本。
type Provider struct {
	cfg    *config.ASRConfig
	logger *logging.Logger
	client *openai.Client

	mu       sync.Mutex
	buf      bytes.Buffer
	listener providers.ASRListener
}

func NewProvider(cfg *config.ASRConfig, logger *logging.Logger) (providers.ASRProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New(errors.KindConfig, "asr.openai", "缺少 api_key 配置")
	}
	return &Provider{cfg: cfg, logger: logger}, nil
}

func (p *Provider) Initialize() error {
	clientConfig := openai.DefaultConfig(p.cfg.APIKey)
	if p.cfg.BaseURL != "" {
		clientConfig.BaseURL = p.cfg.BaseURL
	}
	p.client = openai.NewClientWithConfig(clientConfig)
	return nil
}

func (p *Provider) Cleanup() error { return nil }

func (p *Provider) SetListener(l providers.ASRListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = l
}

func (p *Provider) Feed(pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.buf.Write(pcm)
	return err
}

func (p *Provider) Transcribe(ctx context.Context) (string, error) {
	p.mu.Lock()
	pcm := make([]byte, p.buf.Len())
	copy(pcm, p.buf.Bytes())
	p.buf.Reset()
	listener := p.listener
	p.mu.Unlock()

	if len(pcm) == 0 {
		return "", nil
	}

	var wav bytes.Buffer
	if err := audio.WriteWavHeader(&wav, len(pcm), 16000, 1, 16); err != nil {
		return "", errors.Wrap(errors.KindPlatform, "asr.openai", "构造 WAV 失败", err)
	}
	wav.Write(pcm)

	model := p.cfg.ModelName
	if model == "" {
		model = openai.Whisper1
	}
	resp, err := p.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    model,
		Reader:   &wav,
		FilePath: "audio.wav",
		Language: p.cfg.Language,
	})
	if err != nil {
		return "", errors.Wrap(errors.KindProvider, "asr.transcribe", "识别请求失败", err)
	}

	if listener != nil && resp.Text != "" {
		listener.OnASRResult(resp.Text, true)
	}
	return resp.Text, nil
}

func (p *Provider) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf.Reset()
	return nil
}
