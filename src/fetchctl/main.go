package main

import "github.com/bitswalk/fetchkit/src/fetchctl/internal/cmd"

func main() {
	cmd.Execute()
}
