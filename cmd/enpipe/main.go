package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 初始化並執行 CLI 命令
// 3. 處理頂層錯誤與 panic recovery
//
// 所有邏輯在 internal/cli，main.go 保持簡單
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/exposure-pipeline/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "嚴重錯誤: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "錯誤: %v\n", err)
		os.Exit(1)
	}
}

/*
# 編譯
go build -ldflags "-X github.com/ChuLiYu/exposure-pipeline/internal/cli.Version=1.0.0" -o bin/enpipe ./cmd/enpipe

# 執行
./bin/enpipe run -c configs/default.yaml
./bin/enpipe detect
./bin/enpipe status --json
*/
