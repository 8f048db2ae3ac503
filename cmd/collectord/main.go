package main

import "github.com/rainpenber/bili-stats-monitor/services/collector/cli"

func main() {
	cli.Execute()
}
