package main

import "github.com/akaytatsu/cortex-sub000/internal/cmd"

func main() {
	cmd.Execute()
}
