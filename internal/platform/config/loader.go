package config

import (
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"echolink-server/internal/platform/errors"
)

// Loader 从 .env、yaml 文件与内置默认值装配基础配置
type Loader struct {
	useDotEnv bool
	paths     []string
}

func NewLoader() *Loader {
	return &Loader{
		useDotEnv: true,
		paths:     []string{".config.yaml", "config.yaml"},
	}
}

// WithDotEnv toggles loading variables from a .env file before reading config.
func (l *Loader) WithDotEnv(enabled bool) *Loader {
	l.useDotEnv = enabled
	return l
}

// WithPaths overrides the config file search order (useful for tests).
func (l *Loader) WithPaths(paths ...string) *Loader {
	if len(paths) > 0 {
		l.paths = paths
	}
	return l
}

// Result captures the loaded configuration and its origin path.
type Result struct {
	Config *Config
	Path   string
}

// Load 按顺序查找配置文件并在默认配置上覆盖；yaml 中支持 ${ENV_VAR} 引用
func (l *Loader) Load() (*Result, error) {
	if l.useDotEnv {
		_ = godotenv.Load()
	}

	cfg := DefaultConfig()
	for _, path := range l.paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.Wrap(errors.KindConfig, "loader.read", "读取配置文件失败", err)
		}

		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, errors.Wrap(errors.KindConfig, "loader.parse", "解析配置文件失败", err)
		}
		return &Result{Config: cfg, Path: path}, nil
	}

	// 无配置文件时直接使用默认配置
	return &Result{Config: cfg, Path: ""}, nil
}
