package main

import "github.com/taskloop/taskloop/internal/cli"

func main() {
	cli.Execute()
}
