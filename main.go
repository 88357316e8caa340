package main

import (
	"github.com/opentuwa/mediagate/cmd"
)

func main() {
	cmd.Execute()
}
