package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			IP:   "0.0.0.0",
			Port: 8000,
			Auth: AuthConfig{
				Enabled: false,
				Store: StoreConfig{
					Type:   "memory",
					Expiry: 24 * time.Hour,
				},
			},
		},
		Log: LogConfig{
			Level: "info",
			Dir:   "data/logs",
			File:  "server.log",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Audio: AudioConfig{
			SampleRate:    16000,
			Channels:      1,
			FrameDuration: 60,
			PacedSend:     false,
			SendQueueSize: 256,
		},
		VAD: VADConfig{
			Type:             "webrtc",
			SpeechThreshold:  0.5,
			SilenceThreshold: 0.35,
			TriggerFrames:    3,
			MinSilenceMs:     1000,
			PrefixPaddingMs:  300,
		},
		Pipeline: PipelineConfig{
			TurnDeadline:    30 * time.Second,
			ASRTimeout:      10 * time.Second,
			LLMFirstToken:   8 * time.Second,
			ToolTimeout:     15 * time.Second,
			TTSFirstAudio:   8 * time.Second,
			MaxToolRounds:   5,
			ToolWorkers:     4,
			IdleTimeout:     120 * time.Second,
			MaxSilenceCount: 3,
		},
		Fragment: FragmentConfig{
			SoftBoundaryRunes: 60,
			MinFragmentRunes:  8,
		},
		Quota: QuotaConfig{
			Enabled:       false,
			DailyOutChars: 20000,
			Timezone:      "Local",
		},
		Report: ReportConfig{
			Enabled:   false,
			QueueSize: 1024,
			FlushWait: 5 * time.Second,
		},
		Resolver: ResolverConfig{
			Enabled: false,
			Timeout: 5 * time.Second,
		},
		System: SystemConfig{
			DefaultPrompt: "你是一个亲切自然的语音助手，回答简短口语化，不使用表情符号。",
			CMDExit:       []string{"退出", "关闭", "再见", "拜拜"},
			WakeWords:     []string{"你好小智", "小智小智"},
			MusicDir:      "data/music",
			StoryDir:      "data/story",
		},
		QuickReply: QuickReplyConfig{
			Enabled: true,
			Words:   []string{"来了", "在呢", "我在听", "请讲"},
		},
		Selected: SelectedConfig{
			ASR:    "DoubaoASR",
			LLM:    "ChatGLMLLM",
			TTS:    "EdgeTTS",
			Memory: "LocalShort",
			Intent: "PatternIntent",
		},
		ASR: map[string]ASRConfig{
			"DoubaoASR": {
				Type:        "doubao",
				AppID:       "your_appid",
				AccessToken: "your_access_token",
				OutputDir:   "data/tmp/",
				EndWindowMs: 300,
			},
			"WhisperASR": {
				Type:      "openai",
				BaseURL:   "https://api.openai.com/v1",
				APIKey:    "your_api_key",
				ModelName: "whisper-1",
				Language:  "zh",
				OutputDir: "data/tmp/",
			},
		},
		LLM: map[string]LLMConfig{
			"ChatGLMLLM": {
				Type:      "openai",
				ModelName: "glm-4-flash",
				BaseURL:   "https://open.bigmodel.cn/api/paas/v4/",
				APIKey:    "your_api_key",
			},
			"CozeLLM": {
				Type:    "coze",
				BaseURL: "https://api.coze.cn",
				Extra: map[string]interface{}{
					"bot_id":                "your_bot_id",
					"user_id":               "your_user_id",
					"personal_access_token": "your_personal_access_token",
				},
			},
		},
		TTS: map[string]TTSConfig{
			"EdgeTTS": {
				Type:      "edge",
				Voice:     "zh-CN-XiaoxiaoNeural",
				OutputDir: "data/tmp/",
			},
			"OpenAITTS": {
				Type:    "openai",
				Voice:   "alloy",
				BaseURL: "https://api.openai.com/v1",
				APIKey:  "your_api_key",
			},
			"DoubaoTTS": {
				Type:    "doubao",
				Voice:   "zh_female_wanwanxiaohe_moon_bigtts",
				AppID:   "your_appid",
				Token:   "your_token",
				Cluster: "volcano_tts",
			},
		},
		Intent: IntentConfig{
			Enabled: true,
			UseLLM:  false,
		},
		Memory: MemoryConfig{
			Enabled: true,
			Type:    "local_short",
		},
		MCP: MCPConfig{
			Enabled: false,
		},
	}
}
