// Command rankwatch はキーワード順位チェックのAPIサーバーとワーカーを起動する。
//
// 使い方:
//
//	rankwatch [serve|worker|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/rankwatch/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "rankwatch: %v\n", err)
		os.Exit(1)
	}
}
