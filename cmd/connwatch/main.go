package main

import "github.com/vietddude/connwatch/internal/cli"

func main() {
	cli.Execute()
}
