package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"echolink-server/internal/bootstrap"
)

func main() {
	fmt.Printf("[%s] [信息] [引导] 开始启动 echolink-server...\n", time.Now().Format("2006-01-02 15:04:05.000"))
	if err := bootstrap.Run(context.Background()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "echolink-server 启动失败: %v\n", err)
		os.Exit(1)
	}
}
