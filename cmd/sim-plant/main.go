package main

//go-build: CGO_ENABLED=0

import (
	"flag"
	"log"

	"github.com/robotalks/boap.go/pkg/env"
	"github.com/robotalks/boap.go/pkg/event"
	fx "github.com/robotalks/boap.go/pkg/framework"
	"github.com/robotalks/boap.go/pkg/plant"
	"github.com/robotalks/boap.go/pkg/sim"
	"github.com/robotalks/boap.go/pkg/stats"
)

func init() {
	env.SetDefaultStation("sta-plant")
	env.SetupFlags()
	sim.SetupFlags()
}

func main() {
	flag.Parse()

	e := env.NewConfig().MustNewEnv()
	stack := e.MustNewStack()
	defer stack.Close()

	table := stats.NewTable()
	stack.HookTxDropped(table)
	stack.HookRxDropped(table)

	disp := event.New(&event.Config{Discard: plant.ReleaseDiscarded(table)})
	plate := sim.NewConfig().NewPlate()
	sampler := plant.NewSampler(disp, table)
	service, err := plant.NewService(&plant.Config{
		Stack:   stack,
		Sampler: sampler,
		Source:  plate,
		Servo:   plate,
	})
	if err != nil {
		log.Fatalln(err)
	}
	if err := service.Bind(disp); err != nil {
		log.Fatalln(err)
	}
	disp.Start()

	fx.NewRunner().
		HandleSignals().
		Go("dispatcher", disp).
		Go("listener", plant.NewListener(stack, disp)).
		Go("sampler", sampler).
		Go("plate", plate).
		Go("stats", &stats.Reporter{Table: table, Dispatcher: disp}).
		RunOrFail()
}
