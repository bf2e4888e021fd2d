package recognizer

import (
	"log/slog"

	"github.com/samber/do/v2"

	"sonicres/internal/ports"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (ports.Dialer, error) {
		logger := do.MustInvoke[*slog.Logger](i)
		metrics := do.MustInvoke[ports.SessionMetrics](i)
		return NewDialer(Config{
			Logger: logger,
			OnMalformed: func([]byte, error) {
				metrics.ProtocolAnomaly("malformed")
			},
		}), nil
	})
}
