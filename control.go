package mmalcam

import (
	"log/slog"
	"strings"
)

// ControlApplier maps named camera control parameters (exposure, white
// balance, shutter speed, ...) onto device settings. It is an external
// collaborator; the capture driver only tokenizes the parameter string and
// hands each name/value pair over.
type ControlApplier interface {
	// Apply interprets one parameter. value is the token following the
	// parameter name, which may or may not belong to it. Apply returns
	// the number of tokens consumed: 2 when the value was used, 1 when
	// the parameter stands alone (the value token is then treated as the
	// next parameter name).
	Apply(name, value string) int
}

// shutterProvider is implemented by control appliers that carry a shutter
// speed. The driver re-arms the shutter before each still trigger; the
// device may lose the setting between exposures.
type shutterProvider interface {
	ShutterSpeed() uint32
}

// applyControlParams tokenizes a control-parameter string and feeds each
// name/value pair to the applier. Tokens are space separated; each
// parameter name carries a one-character marker prefix which is stripped
// before delegation.
func applyControlParams(params string, applier ControlApplier) {
	toks := strings.Fields(params)

	i := 0
	for i < len(toks) {
		name := toks[i]
		if len(name) > 1 {
			name = name[1:]
		}

		value := ""
		if i+1 < len(toks) {
			value = toks[i+1]
		}

		if applier.Apply(name, value) < 2 {
			// Value token not consumed: it is the next parameter.
			i++
		} else {
			i += 2
		}
	}

	slog.Debug("mmalcam: control parameters applied", "params", params)
}
