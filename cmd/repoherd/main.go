package main

import (
	"github.com/repoherd/repoherd/internal/cmd"
)

func main() {
	cmd.Execute()
}
