package main

import "github.com/rvelazquez/sectorwars-go/internal/adapters/cli"

func main() {
	cli.Execute()
}
