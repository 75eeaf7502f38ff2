package config

import (
	"time"
)

// Config 服务端完整配置。yaml 文件、环境变量与远端设备配置合并后的最终形态。
type Config struct {
	Server     ServerConfig         `yaml:"server"`
	Log        LogConfig            `yaml:"log"`
	Web        WebConfig            `yaml:"web"`
	Audio      AudioConfig          `yaml:"audio"`
	VAD        VADConfig            `yaml:"vad"`
	Pipeline   PipelineConfig       `yaml:"pipeline"`
	Fragment   FragmentConfig       `yaml:"fragment"`
	Quota      QuotaConfig          `yaml:"quota"`
	Report     ReportConfig         `yaml:"report"`
	Resolver   ResolverConfig       `yaml:"config_api"`
	System     SystemConfig         `yaml:"system"`
	QuickReply QuickReplyConfig     `yaml:"quick_reply"`
	Selected   SelectedConfig       `yaml:"selected_module"`
	ASR        map[string]ASRConfig `yaml:"ASR"`
	LLM        map[string]LLMConfig `yaml:"LLM"`
	TTS        map[string]TTSConfig `yaml:"TTS"`
	Intent     IntentConfig         `yaml:"intent"`
	Memory     MemoryConfig         `yaml:"memory"`
	MCP        MCPConfig            `yaml:"mcp"`
}

type ServerConfig struct {
	IP    string     `yaml:"ip"`
	Port  int        `yaml:"port"`
	Token string     `yaml:"token"`
	Auth  AuthConfig `yaml:"auth"`
}

type AuthConfig struct {
	Enabled bool        `yaml:"enabled"`
	Secret  string      `yaml:"secret"`
	Devices []string    `yaml:"allowed_devices"`
	Store   StoreConfig `yaml:"store"`
}

type StoreConfig struct {
	Type   string          `yaml:"type"` // memory | redis | sqlite
	Expiry time.Duration   `yaml:"expiry"`
	Redis  RedisStoreConf  `yaml:"redis,omitempty"`
	SQLite SQLiteStoreConf `yaml:"sqlite,omitempty"`
}

type RedisStoreConf struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

type SQLiteStoreConf struct {
	DSN string `yaml:"dsn,omitempty"`
}

type LogConfig struct {
	Level string `yaml:"log_level"`
	Dir   string `yaml:"log_dir"`
	File  string `yaml:"log_file"`
}

// WebConfig 管理面 HTTP 服务
type WebConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// AudioConfig 音频帧参数，hello 握手时与客户端协商
type AudioConfig struct {
	SampleRate    int  `yaml:"sample_rate"`
	Channels      int  `yaml:"channels"`
	FrameDuration int  `yaml:"frame_duration"` // ms
	PacedSend     bool `yaml:"paced_send"`     // 按帧时长节流下发
	SendQueueSize int  `yaml:"send_queue_size"`
}

type VADConfig struct {
	Type             string  `yaml:"type"` // webrtc | energy
	SpeechThreshold  float64 `yaml:"speech_threshold"`
	SilenceThreshold float64 `yaml:"silence_threshold"`
	TriggerFrames    int     `yaml:"trigger_frames"`
	MinSilenceMs     int     `yaml:"min_silence_ms"`
	PrefixPaddingMs  int     `yaml:"prefix_padding_ms"`
}

type PipelineConfig struct {
	TurnDeadline    time.Duration `yaml:"turn_deadline"`
	ASRTimeout      time.Duration `yaml:"asr_timeout"`
	LLMFirstToken   time.Duration `yaml:"llm_first_token_timeout"`
	ToolTimeout     time.Duration `yaml:"tool_timeout"`
	TTSFirstAudio   time.Duration `yaml:"tts_first_audio_timeout"`
	MaxToolRounds   int           `yaml:"max_tool_rounds"`
	ToolWorkers     int           `yaml:"tool_workers"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	MaxSilenceCount int           `yaml:"max_silence_count"`
}

type FragmentConfig struct {
	SoftBoundaryRunes int `yaml:"soft_boundary_runes"`
	MinFragmentRunes  int `yaml:"min_fragment_runes"`
}

type QuotaConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DailyOutChars int    `yaml:"daily_output_chars"`
	Timezone      string `yaml:"timezone"`
}

type ReportConfig struct {
	Enabled   bool          `yaml:"enabled"`
	URL       string        `yaml:"url"`
	Token     string        `yaml:"token"`
	QueueSize int           `yaml:"queue_size"`
	FlushWait time.Duration `yaml:"flush_wait"`
}

// ResolverConfig 设备配置中心（按设备覆盖基础配置）
type ResolverConfig struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type SystemConfig struct {
	DefaultPrompt string   `yaml:"prompt"`
	Roles         []Role   `yaml:"roles"`
	CMDExit       []string `yaml:"CMD_exit"`
	WakeWords     []string `yaml:"wake_words"`
	MusicDir      string   `yaml:"music_dir"`
	StoryDir      string   `yaml:"story_dir"`
}

type Role struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Enabled     bool   `yaml:"enabled"`
}

type QuickReplyConfig struct {
	Enabled bool     `yaml:"enabled"`
	Words   []string `yaml:"words"`
}

type SelectedConfig struct {
	ASR    string `yaml:"ASR"`
	LLM    string `yaml:"LLM"`
	TTS    string `yaml:"TTS"`
	Memory string `yaml:"Memory"`
	Intent string `yaml:"Intent"`
}

type ASRConfig struct {
	Type        string                 `yaml:"type"`
	AppID       string                 `yaml:"appid"`
	AccessToken string                 `yaml:"access_token"`
	BaseURL     string                 `yaml:"url"`
	APIKey      string                 `yaml:"api_key"`
	ModelName   string                 `yaml:"model_name"`
	Language    string                 `yaml:"lang"`
	OutputDir   string                 `yaml:"output_dir"`
	EndWindowMs int                    `yaml:"end_window_size"`
	Extra       map[string]interface{} `yaml:",inline"`
}

type LLMConfig struct {
	Type        string                 `yaml:"type"`
	ModelName   string                 `yaml:"model_name"`
	BaseURL     string                 `yaml:"url"`
	APIKey      string                 `yaml:"api_key"`
	Temperature float64                `yaml:"temperature"`
	MaxTokens   int                    `yaml:"max_tokens"`
	TopP        float64                `yaml:"top_p"`
	Extra       map[string]interface{} `yaml:",inline"`
}

type TTSConfig struct {
	Type      string      `yaml:"type"`
	Voice     string      `yaml:"voice"`
	Format    string      `yaml:"format"`
	OutputDir string      `yaml:"output_dir"`
	AppID     string      `yaml:"appid"`
	Token     string      `yaml:"token"`
	Cluster   string      `yaml:"cluster"`
	BaseURL   string      `yaml:"url"`
	APIKey    string      `yaml:"api_key"`
	Voices    []VoiceInfo `yaml:"supported_voices"`
}

type VoiceInfo struct {
	Name        string `yaml:"name"`
	DisplayName string `yaml:"display_name"`
	Sex         string `yaml:"sex"`
	Description string `yaml:"description"`
}

type IntentConfig struct {
	Enabled     bool   `yaml:"enabled"`
	UseLLM      bool   `yaml:"use_llm"`
	LLMProvider string `yaml:"llm_provider"`
}

type MemoryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Type        string `yaml:"type"`
	LLMProvider string `yaml:"llm_provider"`
}

type MCPConfig struct {
	Enabled bool     `yaml:"enabled"`
	Servers []string `yaml:"servers"`
}
