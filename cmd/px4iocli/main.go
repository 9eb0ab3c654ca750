package main

import (
	"github.com/render-se/PX4-Autopilot/pkg/cli/sh"

	_ "github.com/render-se/PX4-Autopilot/pkg/cli/cmds/link"
)

//go-build: CGO_ENABLED=0

func main() {
	sh.Main()
}
