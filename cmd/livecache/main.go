package main

import "github.com/zfogg/livecache/internal/cmd"

func main() {
	cmd.Execute()
}
