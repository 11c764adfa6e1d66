package main

import "github.com/cmdward/cmdward/internal/cli"

func main() {
	cli.Execute()
}
