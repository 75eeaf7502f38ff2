package edge

import (
	"context"
	"sync"
	"time"

	"github.com/wujunwei928/edge-tts-go/edge_tts"

	"echolink-server/internal/core/audio"
	"echolink-server/internal/core/providers"
	"echolink-server/internal/platform/config"
	"echolink-server/internal/platform/errors"
	"echolink-server/internal/platform/logging"
)

func init() {
	providers.RegisterTTS("edge", NewProvider)
}

const defaultVoice = "zh-CN-XiaoxiaoNeural"

// Provider Edge TTS，整句合成。服务端返回 MP3，这里统一解码成 16kHz 单声道 PCM。
type Provider struct {
	cfg    *config.TTSConfig
	logger *logging.Logger

	mu    sync.RWMutex
	voice string
}

func NewProvider(cfg *config.TTSConfig, logger *logging.Logger) (providers.TTSProvider, error) {
	voice := cfg.Voice
	if voice == "" {
		voice = defaultVoice
	}
	return &Provider{cfg: cfg, logger: logger, voice: voice}, nil
}

func (p *Provider) Initialize() error { return nil }
func (p *Provider) Cleanup() error    { return nil }

func (p *Provider) Mode() providers.TTSMode { return providers.TTSModeNonStream }

func (p *Provider) SetVoice(voice string) error {
	if voice == "" {
		return errors.New(errors.KindConfig, "tts.edge", "音色不能为空")
	}
	p.mu.Lock()
	p.voice = voice
	p.mu.Unlock()
	return nil
}

func (p *Provider) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if text == "" {
		return nil, errors.New(errors.KindProvider, "tts.synthesize", "合成文本为空")
	}
	p.mu.RLock()
	voice := p.voice
	p.mu.RUnlock()

	communicate, err := edge_tts.New(voice)
	if err != nil {
		return nil, errors.Wrap(errors.KindProvider, "tts.edge", "创建合成会话失败", err)
	}
	defer communicate.Close()

	start := time.Now()
	mp3Data, err := communicate.Output(text)
	if err != nil {
		return nil, errors.Wrap(errors.KindProvider, "tts.synthesize", "合成失败", err)
	}
	p.logger.DebugTag("TTS", "edge 合成完成 字符=%d 耗时=%v", len([]rune(text)), time.Since(start))

	pcm, err := audio.MP3ToPCM(mp3Data, 16000)
	if err != nil {
		return nil, err
	}
	return pcm, nil
}
