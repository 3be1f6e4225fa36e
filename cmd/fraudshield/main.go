package main

import "fraudshield/internal/cli"

func main() {
	cli.Execute()
}
