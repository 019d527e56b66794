package main

import "github.com/theirongolddev/tokmeter/cmd"

func main() {
	cmd.Execute()
}
