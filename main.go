package main

import "github.com/reposweep/reposweep/cmd"

func main() {
	cmd.Execute()
}
