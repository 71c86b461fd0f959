package main

import "VLabAssist/internal/cli"

func main() {
	cli.Execute()
}
