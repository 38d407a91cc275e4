package main

import "crosslend/internal/cli"

func main() {
	cli.Execute()
}
