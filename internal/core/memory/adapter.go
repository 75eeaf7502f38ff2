package memory

import (
	"context"
	"sync"
	"time"

	"echolink-server/internal/core/providers"
	"echolink-server/internal/core/types"
	"echolink-server/internal/platform/logging"
)

const commitTimeout = 30 * time.Second

// Adapter 把记忆能力接到对话流水线两端：
// 轮前取摘要注入系统提示词，轮后在独立协程里总结提交。
// 记忆失败只记日志，永远不影响用户。
type Adapter struct {
	provider providers.MemoryProvider
	logger   *logging.Logger
	wg       sync.WaitGroup
}

func NewAdapter(provider providers.MemoryProvider, logger *logging.Logger) *Adapter {
	return &Adapter{provider: provider, logger: logger}
}

// Digest 返回设备的记忆摘要，出错或未启用返回空串
func (a *Adapter) Digest(ctx context.Context, deviceID string) string {
	if a.provider == nil {
		return ""
	}
	digest, err := a.provider.Query(ctx, deviceID)
	if err != nil {
		a.logger.WarnTag("记忆", "查询记忆失败 设备=%s: %v", deviceID, err)
		return ""
	}
	return digest
}

// CommitAsync 轮结束后异步提交本轮对话，不阻塞流水线
func (a *Adapter) CommitAsync(deviceID string, dialogue []types.Message) {
	if a.provider == nil || len(dialogue) == 0 {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
		defer cancel()
		if err := a.provider.Save(ctx, deviceID, dialogue); err != nil {
			a.logger.WarnTag("记忆", "提交记忆失败 设备=%s: %v", deviceID, err)
		}
	}()
}

// Wait 等待在途的提交完成，优雅退出时调用
func (a *Adapter) Wait() {
	a.wg.Wait()
}
