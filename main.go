package main

import "github.com/retroim/buddyd/cmd"

func main() {
	cmd.Execute()
}
