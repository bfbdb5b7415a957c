package main

import "github.com/segmetric/segmetric/cmd"

func main() {
	cmd.Execute()
}
