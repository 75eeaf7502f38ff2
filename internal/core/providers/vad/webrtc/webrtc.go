package webrtc

import (
	"sync"

	webrtcvad "github.com/baabaaox/go-webrtcvad"

	"echolink-server/internal/core/providers"
	"echolink-server/internal/platform/config"
	"echolink-server/internal/platform/errors"
	"echolink-server/internal/platform/logging"
)

func init() {
	providers.RegisterVAD("webrtc", NewProvider)
}

const (
	sampleRate = 16000
	// WebRTC VAD 只接受 10/20/30ms 帧，上行 60ms 帧切成 20ms 子帧投票
	subFrameMs    = 20
	subFrameBytes = sampleRate / 1000 * subFrameMs * 2
	// 敏感度 0~3，2 在嘈杂环境下误报漏报比较均衡
	defaultMode = 2
)

// Provider 把 WebRTC VAD 的逐子帧布尔判定聚合成 [0,1] 概率，
// 供上层的双阈值滞回状态机消费。实例非并发安全，用锁串行化。
type Provider struct {
	mu   sync.Mutex
	inst webrtcvad.VadInst
}

func NewProvider(cfg *config.VADConfig, logger *logging.Logger) (providers.VADProvider, error) {
	return &Provider{}, nil
}

func (p *Provider) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initLocked()
}

func (p *Provider) initLocked() error {
	if p.inst != nil {
		return nil
	}
	inst := webrtcvad.Create()
	if inst == nil {
		return errors.New(errors.KindProvider, "vad.webrtc", "创建 WebRTC VAD 实例失败")
	}
	if err := webrtcvad.Init(inst); err != nil {
		webrtcvad.Free(inst)
		return errors.Wrap(errors.KindProvider, "vad.webrtc", "初始化 WebRTC VAD 失败", err)
	}
	if err := webrtcvad.SetMode(inst, defaultMode); err != nil {
		webrtcvad.Free(inst)
		return errors.Wrap(errors.KindProvider, "vad.webrtc", "设置 WebRTC VAD 模式失败", err)
	}
	p.inst = inst
	return nil
}

func (p *Provider) Cleanup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inst != nil {
		webrtcvad.Free(p.inst)
		p.inst = nil
	}
	return nil
}

// Probability 子帧多数投票：活动子帧占比即为本帧语音概率。
// 不足一个子帧的残料忽略。
func (p *Provider) Probability(pcm []byte) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.initLocked(); err != nil {
		return 0, err
	}

	total, active := 0, 0
	for off := 0; off+subFrameBytes <= len(pcm); off += subFrameBytes {
		voiced, err := webrtcvad.Process(p.inst, sampleRate, pcm[off:off+subFrameBytes], subFrameBytes/2)
		if err != nil {
			return 0, errors.Wrap(errors.KindProvider, "vad.webrtc", "WebRTC VAD 推理失败", err)
		}
		total++
		if voiced {
			active++
		}
	}
	if total == 0 {
		return 0, nil
	}
	return float64(active) / float64(total), nil
}
