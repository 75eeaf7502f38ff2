package providers

import (
	"fmt"
	"sync"

	"echolink-server/internal/platform/config"
	"echolink-server/internal/platform/logging"
)

// 工厂在各适配器包的 init 中注册，键为配置里的 type 字段
type (
	ASRFactory    func(cfg *config.ASRConfig, logger *logging.Logger) (ASRProvider, error)
	LLMFactory    func(cfg *config.LLMConfig, logger *logging.Logger) (LLMProvider, error)
	TTSFactory    func(cfg *config.TTSConfig, logger *logging.Logger) (TTSProvider, error)
	VADFactory    func(cfg *config.VADConfig, logger *logging.Logger) (VADProvider, error)
	MemoryFactory func(cfg *config.MemoryConfig, llm LLMProvider, logger *logging.Logger) (MemoryProvider, error)
	IntentFactory func(cfg *config.IntentConfig, llm LLMProvider, logger *logging.Logger) (IntentProvider, error)
)

var (
	mu              sync.RWMutex
	asrFactories    = make(map[string]ASRFactory)
	llmFactories    = make(map[string]LLMFactory)
	ttsFactories    = make(map[string]TTSFactory)
	vadFactories    = make(map[string]VADFactory)
	memoryFactories = make(map[string]MemoryFactory)
	intentFactories = make(map[string]IntentFactory)
)

func RegisterASR(typ string, f ASRFactory) {
	mu.Lock()
	defer mu.Unlock()
	asrFactories[typ] = f
}

func RegisterLLM(typ string, f LLMFactory) {
	mu.Lock()
	defer mu.Unlock()
	llmFactories[typ] = f
}

func RegisterTTS(typ string, f TTSFactory) {
	mu.Lock()
	defer mu.Unlock()
	ttsFactories[typ] = f
}

func RegisterVAD(typ string, f VADFactory) {
	mu.Lock()
	defer mu.Unlock()
	vadFactories[typ] = f
}

func RegisterMemory(typ string, f MemoryFactory) {
	mu.Lock()
	defer mu.Unlock()
	memoryFactories[typ] = f
}

func RegisterIntent(typ string, f IntentFactory) {
	mu.Lock()
	defer mu.Unlock()
	intentFactories[typ] = f
}

func CreateASR(cfg *config.ASRConfig, logger *logging.Logger) (ASRProvider, error) {
	mu.RLock()
	f, ok := asrFactories[cfg.Type]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("未知的ASR提供者: %s", cfg.Type)
	}
	p, err := f(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("创建ASR提供者失败: %v", err)
	}
	return p, nil
}

func CreateLLM(cfg *config.LLMConfig, logger *logging.Logger) (LLMProvider, error) {
	mu.RLock()
	f, ok := llmFactories[cfg.Type]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("未知的LLM提供者: %s", cfg.Type)
	}
	p, err := f(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("创建LLM提供者失败: %v", err)
	}
	return p, nil
}

func CreateTTS(cfg *config.TTSConfig, logger *logging.Logger) (TTSProvider, error) {
	mu.RLock()
	f, ok := ttsFactories[cfg.Type]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("未知的TTS提供者: %s", cfg.Type)
	}
	p, err := f(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("创建TTS提供者失败: %v", err)
	}
	return p, nil
}

func CreateVAD(typ string, cfg *config.VADConfig, logger *logging.Logger) (VADProvider, error) {
	mu.RLock()
	f, ok := vadFactories[typ]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("未知的VAD提供者: %s", typ)
	}
	return f(cfg, logger)
}

func CreateMemory(cfg *config.MemoryConfig, llm LLMProvider, logger *logging.Logger) (MemoryProvider, error) {
	mu.RLock()
	f, ok := memoryFactories[cfg.Type]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("未知的记忆提供者: %s", cfg.Type)
	}
	return f(cfg, llm, logger)
}

func CreateIntent(typ string, cfg *config.IntentConfig, llm LLMProvider, logger *logging.Logger) (IntentProvider, error) {
	mu.RLock()
	f, ok := intentFactories[typ]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("未知的意图提供者: %s", typ)
	}
	return f(cfg, llm, logger)
}
