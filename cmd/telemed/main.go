package main

import "telemed/cmd/cli"

func main() {
	cli.Execute()
}
