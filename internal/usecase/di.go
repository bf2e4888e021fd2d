package usecase

import (
	"github.com/samber/do/v2"

	"sonicres/internal/ports"
)

// RegisterDI provides the Orchestrator. The injector must already hold a
// Config value and the capture, dialer and metrics ports.
func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Orchestrator, error) {
		cfg := do.MustInvoke[Config](i)
		cfg.Metrics = do.MustInvoke[ports.SessionMetrics](i)
		return NewOrchestrator(
			do.MustInvoke[ports.CaptureDevice](i),
			do.MustInvoke[ports.Dialer](i),
			cfg,
		), nil
	})
}
