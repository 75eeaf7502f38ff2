package energy

import (
	"math"

	"echolink-server/internal/core/audio"
	"echolink-server/internal/core/providers"
	"echolink-server/internal/platform/config"
	"echolink-server/internal/platform/logging"
)

func init() {
	providers.RegisterVAD("energy", NewProvider)
}

// 语音段典型 RMS 约 0.05~0.3，以 0.12 为概率 1.0 的参考点
const referenceRMS = 0.12

// Provider 短时能量 VAD。把帧 RMS 映射到 [0,1] 概率，
// 供上层的双阈值滞回状态机消费。
type Provider struct {
	noiseFloor float64
}

func NewProvider(cfg *config.VADConfig, logger *logging.Logger) (providers.VADProvider, error) {
	return &Provider{noiseFloor: 0.008}, nil
}

func (p *Provider) Initialize() error { return nil }
func (p *Provider) Cleanup() error    { return nil }

func (p *Provider) Probability(pcm []byte) (float64, error) {
	samples := audio.BytesToInt16(pcm)
	if len(samples) == 0 {
		return 0, nil
	}

	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(samples)))

	if rms <= p.noiseFloor {
		return 0, nil
	}
	prob := (rms - p.noiseFloor) / (referenceRMS - p.noiseFloor)
	if prob > 1 {
		prob = 1
	}
	return prob, nil
}
