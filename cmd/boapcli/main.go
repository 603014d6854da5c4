package main

import (
	"github.com/robotalks/boap.go/pkg/cli/sh"
	"github.com/robotalks/boap.go/pkg/env"

	_ "github.com/robotalks/boap.go/pkg/cli/cmds/boap"
)

//go-build: CGO_ENABLED=0

func init() {
	env.SetDefaultStation("sta-pc")
	env.SetupFlags()
}

func main() {
	sh.Main()
}
