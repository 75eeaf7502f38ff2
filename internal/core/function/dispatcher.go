package function

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"golang.org/x/sync/semaphore"

	"echolink-server/internal/core/types"
	"echolink-server/internal/platform/logging"
)

// Dispatcher 执行 LLM 发起的工具调用。长任务跑在有界工作池上，
// 超时不中断任务本身，只向对话注入一条合成的错误 tool 消息。
type Dispatcher struct {
	registry *Registry
	logger   *logging.Logger
	sem      *semaphore.Weighted
	timeout  time.Duration
}

func NewDispatcher(registry *Registry, workers int, timeout time.Duration, logger *logging.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Dispatcher{
		registry: registry,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(workers)),
		timeout:  timeout,
	}
}

// Dispatch 执行一次工具调用。所有失败路径都折叠成可回注对话的
// Result，不向上层抛错，保证一次坏调用不打断整轮回复。
func (d *Dispatcher) Dispatch(ctx context.Context, call types.ToolCall) Result {
	name := call.Function.Name
	tool, ok := d.registry.Get(name)
	if !ok {
		d.logger.WarnTag("函数", "未注册的工具: %s", name)
		return Result{
			Action:  types.ActionTypeNotFound,
			Content: fmt.Sprintf("工具 %s 不存在", name),
		}
	}

	args := map[string]any{}
	if call.Function.Arguments != "" {
		if err := sonic.UnmarshalString(call.Function.Arguments, &args); err != nil {
			return Result{
				Action:  types.ActionTypeReqLLM,
				Content: fmt.Sprintf("参数解析失败: %v", err),
			}
		}
	}
	if err := ValidateArgs(tool.Info.Parameters, args); err != nil {
		// 校验失败回给 LLM 让它修正参数，不抛错
		return Result{Action: types.ActionTypeReqLLM, Content: err.Error()}
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return Result{
			Action:  types.ActionTypeReqLLM,
			Content: fmt.Sprintf("工具 %s 等待执行被取消", name),
		}
	}

	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		defer d.sem.Release(1)
		r, err := tool.Handler(ctx, args)
		done <- outcome{result: r, err: err}
	}()

	select {
	case out := <-done:
		d.logger.DebugTag("函数", "%s 执行完成 耗时=%s", name, time.Since(start))
		if out.err != nil {
			return Result{
				Action:  types.ActionTypeReqLLM,
				Content: fmt.Sprintf("工具 %s 执行失败: %v", name, out.err),
			}
		}
		return out.result
	case <-time.After(d.timeout):
		d.logger.WarnTag("函数", "%s 执行超时(%s)", name, d.timeout)
		return Result{
			Action:  types.ActionTypeReqLLM,
			Content: fmt.Sprintf("工具 %s 执行超时", name),
		}
	case <-ctx.Done():
		return Result{
			Action:  types.ActionTypeReqLLM,
			Content: fmt.Sprintf("工具 %s 执行被取消", name),
		}
	}
}
