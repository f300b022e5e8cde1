package infomentor

import (
	"pupilwatch-backend/lib/restyutil"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("pupilwatch.lib.scrapers.infomentor")
var restyInstrumentOutput restyutil.InstrumentOutput

// SetRestyInstrumentOutput must be called before NewClient to take
// effect, clients constructed earlier keep plain span instrumentation.
func SetRestyInstrumentOutput(out restyutil.InstrumentOutput) {
	restyInstrumentOutput = out
}
