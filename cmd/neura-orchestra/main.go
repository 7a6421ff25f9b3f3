package main

import "github.com/ILLUVRSE/neura-orchestra/internal/cli"

func main() {
	cli.Execute()
}
