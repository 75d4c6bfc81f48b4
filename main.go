package main

import "avatar-studio/cmd"

func main() {
	cmd.Execute()
}
