// 文件: cmd/pnlengine/main.go
// 跟单盈亏引擎入口
package main

import (
	"os"

	"pnl.com/cmd/pnlengine/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
