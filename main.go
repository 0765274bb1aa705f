package main

import "github.com/duckyblender/duckgpt/cmd"

func main() {
	cmd.Execute()
}
