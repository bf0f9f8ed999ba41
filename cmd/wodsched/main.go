package main

import "github.com/example/wodsched/cmd"

func main() {
	cmd.Execute()
}
