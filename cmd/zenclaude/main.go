package main

import "github.com/zenclaude/zenclaude/internal/cli"

func main() {
	cli.Execute()
}
