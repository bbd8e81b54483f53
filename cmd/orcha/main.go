package main

import (
	"github.com/depin-orcha/orcha/cmd/orcha/commands"
)

func main() {
	commands.Execute()
}
