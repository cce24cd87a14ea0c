package main

import "github.com/taskflow/taskflow/cmd"

func main() {
	cmd.Execute()
}
