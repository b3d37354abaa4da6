package main

import "github.com/ppiankov/capgate/internal/cli"

func main() {
	cli.Execute()
}
