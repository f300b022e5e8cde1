package main

import (
	"context"
	"flag"

	"pupilwatch-backend/lib/configutil"
	"pupilwatch-backend/lib/restyutil"
	"pupilwatch-backend/lib/scrapers/infomentor"
	"pupilwatch-backend/lib/serviceutil"
	"pupilwatch-backend/lib/telemetry"
	"pupilwatch-backend/services/pupilwatch"
)

func main() {
	verbose := flag.Bool("v", false, "enable verbose logging and http traffic dumps")
	flag.Parse()

	ctx := serviceutil.SignalContext()

	config, err := configutil.ReadConfig[pupilwatch.Config]("config.json5")
	if err != nil {
		serviceutil.Fatal("failed to read config", err)
	}

	telemetry.InitSlog(*verbose)
	err = telemetry.SetupFromEnv(ctx, "pupilwatchd")
	if err != nil {
		serviceutil.Fatal("failed to setup telemetry", err)
	}
	defer telemetry.Shutdown(context.Background())
	telemetry.InstrumentPerfStats(ctx)

	if *verbose {
		infomentor.SetRestyInstrumentOutput(restyutil.NewFilesystemOutput(".dev/resty/pupilwatchd"))
	}

	registry := pupilwatch.NewRegistry()
	service, err := registry.Acquire(ctx, config)
	if err != nil {
		serviceutil.Fatal("failed to initialize service", err)
	}
	defer registry.Release(context.Background())

	service.Start(ctx)

	<-ctx.Done()
}
