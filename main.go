package main

import (
	"relayhub/cmd"
)

func main() {
	cmd.Execute()
}
