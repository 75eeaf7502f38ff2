package config

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-resty/resty/v2"
	"gopkg.in/yaml.v3"

	"echolink-server/internal/platform/errors"
)

// Resolver 设备配置解析：在基础配置上叠加配置中心下发的设备级覆盖。
// 覆盖结果按设备缓存，收到 server 控制消息后调用 Invalidate 触发热更新。
type Resolver struct {
	base    *Config
	cfg     ResolverConfig
	client  *resty.Client
	mu      sync.RWMutex
	cache   map[string]*Config
}

func NewResolver(base *Config) *Resolver {
	client := resty.New()
	if base.Resolver.Timeout > 0 {
		client.SetTimeout(base.Resolver.Timeout)
	}
	if base.Resolver.Token != "" {
		client.SetAuthToken(base.Resolver.Token)
	}
	return &Resolver{
		base:   base,
		cfg:    base.Resolver,
		client: client,
		cache:  map[string]*Config{},
	}
}

// Base returns the process-wide base configuration.
func (r *Resolver) Base() *Config {
	return r.base
}

// Resolve 返回设备的有效配置。配置中心不可用时回退到基础配置并返回错误，
// 由调用方决定是否继续。
func (r *Resolver) Resolve(ctx context.Context, deviceID string) (*Config, error) {
	if !r.cfg.Enabled || deviceID == "" {
		return r.base, nil
	}

	r.mu.RLock()
	if cached, ok := r.cache[deviceID]; ok {
		r.mu.RUnlock()
		return cached, nil
	}
	r.mu.RUnlock()

	overlay, err := r.fetch(ctx, deviceID)
	if err != nil {
		return r.base, err
	}

	merged, err := r.merge(overlay)
	if err != nil {
		return r.base, err
	}

	r.mu.Lock()
	r.cache[deviceID] = merged
	r.mu.Unlock()
	return merged, nil
}

// Invalidate 丢弃设备的缓存配置，下次 Resolve 时重新拉取
func (r *Resolver) Invalidate(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if deviceID == "" {
		r.cache = map[string]*Config{}
		return
	}
	delete(r.cache, deviceID)
}

func (r *Resolver) fetch(ctx context.Context, deviceID string) ([]byte, error) {
	url := fmt.Sprintf("%s/agents/%s/config", r.cfg.BaseURL, deviceID)
	resp, err := r.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, errors.Wrap(errors.KindConfig, "resolver.fetch", "配置拉取失败", err)
	}
	if resp.StatusCode() == 404 {
		// 设备未登记覆盖配置，使用基础配置
		return nil, nil
	}
	if resp.IsError() {
		return nil, errors.New(errors.KindConfig, "resolver.fetch",
			fmt.Sprintf("配置中心返回 %d", resp.StatusCode()))
	}
	return resp.Body(), nil
}

// merge 将覆盖字段套在基础配置的深拷贝上。深拷贝走 yaml 往返，
// 覆盖文档可以只含要改的字段。
func (r *Resolver) merge(overlay []byte) (*Config, error) {
	raw, err := yaml.Marshal(r.base)
	if err != nil {
		return nil, errors.Wrap(errors.KindConfig, "resolver.merge", "基础配置序列化失败", err)
	}
	merged := &Config{}
	if err := yaml.Unmarshal(raw, merged); err != nil {
		return nil, errors.Wrap(errors.KindConfig, "resolver.merge", "基础配置拷贝失败", err)
	}
	if len(overlay) > 0 {
		if err := yaml.Unmarshal(overlay, merged); err != nil {
			return nil, errors.Wrap(errors.KindConfig, "resolver.merge", "覆盖配置解析失败", err)
		}
	}
	return merged, nil
}
