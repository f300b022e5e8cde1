package main

import (
	"context"

	"pupilwatch-backend/cmd/pupilwatch-cli/commands"
	"pupilwatch-backend/lib/telemetry"
)

func main() {
	telemetry.SetupFromEnv(context.Background(), "pupilwatch-cli")
	telemetry.InitSlog(true)
	commands.ExecuteContext(context.Background())
}
