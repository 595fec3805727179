package main

import "custody-mint-sync/internal/cli"

func main() {
	cli.Execute()
}
