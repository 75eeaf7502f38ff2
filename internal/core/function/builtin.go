package function

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"echolink-server/internal/core/types"
	"echolink-server/internal/platform/config"
	"echolink-server/internal/platform/errors"
	"echolink-server/internal/platform/logging"
)

var weekdays = []string{"星期日", "星期一", "星期二", "星期三", "星期四", "星期五", "星期六"}

// RegisterBuiltins 注册内置工具。MCP 工具由 Source 另行补注册。
func RegisterBuiltins(reg *Registry, cfg *config.Config, logger *logging.Logger) error {
	client := resty.New().SetTimeout(8 * time.Second)

	tools := []*Tool{
		{
			Info: types.FunctionRegistryInfo{
				Name:        "get_time",
				Description: "获取当前的日期和时间",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{},
				},
			},
			Effect:  EffectReqLLM,
			Handler: handleGetTime,
		},
		{
			Info: types.FunctionRegistryInfo{
				Name:        "get_weather",
				Description: "查询指定城市的实时天气",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"location": map[string]any{
							"type":        "string",
							"description": "城市名称，如北京",
						},
					},
					"required": []string{"location"},
				},
			},
			Effect:  EffectReqLLM,
			Handler: makeWeatherHandler(client),
		},
		{
			Info: types.FunctionRegistryInfo{
				Name:        "set_device_state",
				Description: "控制设备，如调节音量、开关灯",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name": map[string]any{
							"type":        "string",
							"description": "设备或属性名",
						},
						"state": map[string]any{
							"type":        "string",
							"description": "目标状态",
						},
					},
					"required": []string{"name", "state"},
				},
			},
			Effect:  EffectDeviceControl,
			Handler: handleSetDeviceState,
		},
		{
			Info: types.FunctionRegistryInfo{
				Name:        "play_music",
				Description: "播放音乐，可指定歌名，不指定则随机播放",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"song_name": map[string]any{
							"type":        "string",
							"description": "歌曲名称，随机播放时留空",
						},
					},
				},
			},
			Effect:  EffectResponse,
			Handler: makePlayFileHandler(cfg.System.MusicDir, "没有找到歌曲 %s", "正在为你播放 %s"),
		},
		{
			Info: types.FunctionRegistryInfo{
				Name:        "play_story",
				Description: "讲故事，可指定故事名，不指定则随机挑选",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"story_name": map[string]any{
							"type":        "string",
							"description": "故事名称，随机挑选时留空",
						},
					},
				},
			},
			Effect:  EffectResponse,
			Handler: makePlayFileHandler(cfg.System.StoryDir, "没有找到故事 %s", "下面开始讲 %s"),
		},
		{
			Info: types.FunctionRegistryInfo{
				Name:        "change_role",
				Description: "切换助手扮演的角色",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"role": map[string]any{
							"type":        "string",
							"description": "角色名称",
							"enum":        roleNames(cfg.System.Roles),
						},
					},
					"required": []string{"role"},
				},
			},
			Effect:  EffectPromptChange,
			Handler: makeChangeRoleHandler(cfg.System.Roles),
		},
		{
			Info: types.FunctionRegistryInfo{
				Name:        "exit",
				Description: "用户想结束对话时调用，礼貌道别并关闭连接",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{},
				},
			},
			Effect:  EffectSystemControl,
			Handler: handleExit,
		},
	}

	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	logger.InfoTag("函数", "内置工具注册完成，共 %d 个", len(tools))
	return nil
}

func handleGetTime(ctx context.Context, args map[string]any) (Result, error) {
	now := time.Now()
	return Result{
		Action: types.ActionTypeReqLLM,
		Content: fmt.Sprintf("当前时间 %s %s",
			now.Format("2006年01月02日 15:04"), weekdays[now.Weekday()]),
	}, nil
}

func makeWeatherHandler(client *resty.Client) Handler {
	return func(ctx context.Context, args map[string]any) (Result, error) {
		location, _ := args["location"].(string)
		resp, err := client.R().
			SetContext(ctx).
			Get(fmt.Sprintf("https://wttr.in/%s?format=3&lang=zh", location))
		if err != nil {
			return Result{}, errors.Wrap(errors.KindTool, "function.weather", "查询天气失败", err)
		}
		if resp.StatusCode() >= 300 {
			return Result{}, errors.New(errors.KindTool, "function.weather",
				fmt.Sprintf("天气服务返回 %d", resp.StatusCode()))
		}
		return Result{
			Action:  types.ActionTypeReqLLM,
			Content: strings.TrimSpace(string(resp.Body())),
		}, nil
	}
}

func handleSetDeviceState(ctx context.Context, args map[string]any) (Result, error) {
	name, _ := args["name"].(string)
	state, _ := args["state"].(string)
	return Result{
		Action:        types.ActionTypeCallHandler,
		Response:      fmt.Sprintf("好的，已将%s设置为%s", name, state),
		DeviceCommand: map[string]any{"name": name, "state": state},
	}, nil
}

func makePlayFileHandler(dir, missFormat, okFormat string) Handler {
	return func(ctx context.Context, args map[string]any) (Result, error) {
		name, _ := args["song_name"].(string)
		if name == "" {
			name, _ = args["story_name"].(string)
		}
		path, title, err := findAudioFile(dir, name)
		if err != nil {
			return Result{
				Action:   types.ActionTypeResponse,
				Response: fmt.Sprintf(missFormat, name),
			}, nil
		}
		return Result{
			Action:    types.ActionTypeResponse,
			Response:  fmt.Sprintf(okFormat, title),
			AudioFile: path,
		}, nil
	}
}

func makeChangeRoleHandler(roles []config.Role) Handler {
	return func(ctx context.Context, args map[string]any) (Result, error) {
		name, _ := args["role"].(string)
		for _, role := range roles {
			if role.Name == name && role.Enabled {
				return Result{
					Action:          types.ActionTypeCallHandler,
					Response:        fmt.Sprintf("好的，我现在是%s啦", name),
					NewSystemPrompt: role.Description,
				}, nil
			}
		}
		return Result{
			Action:   types.ActionTypeResponse,
			Response: fmt.Sprintf("我还不会扮演%s这个角色", name),
		}, nil
	}
}

func handleExit(ctx context.Context, args map[string]any) (Result, error) {
	return Result{
		Action:     types.ActionTypeCallHandler,
		Response:   "好的，再见，期待下次和你聊天",
		CloseAfter: true,
	}, nil
}

func roleNames(roles []config.Role) []string {
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		if r.Enabled {
			names = append(names, r.Name)
		}
	}
	return names
}

// findAudioFile 在目录下找名字匹配的音频文件，name 为空时随机挑一个
func findAudioFile(dir, name string) (path, title string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", "", err
	}
	var candidates []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".mp3" && ext != ".wav" {
			continue
		}
		candidates = append(candidates, e.Name())
	}
	if len(candidates) == 0 {
		return "", "", errors.New(errors.KindTool, "function.play", "目录下没有音频文件")
	}

	if name != "" {
		for _, c := range candidates {
			base := strings.TrimSuffix(c, filepath.Ext(c))
			if strings.Contains(base, name) {
				return filepath.Join(dir, c), base, nil
			}
		}
		return "", "", errors.New(errors.KindTool, "function.play", "没有匹配的音频文件")
	}

	pick := candidates[rand.Intn(len(candidates))]
	return filepath.Join(dir, pick), strings.TrimSuffix(pick, filepath.Ext(pick)), nil
}
