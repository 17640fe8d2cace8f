package main

import "github.com/repograde/repograde/internal/cmd"

func main() {
	cmd.Execute()
}
