package audio

import (
	"log/slog"

	"github.com/samber/do/v2"

	"sonicres/internal/config"
	"sonicres/internal/ports"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (ports.CaptureDevice, error) {
		cfg := do.MustInvoke[config.Config](i)
		logger := do.MustInvoke[*slog.Logger](i)
		return NewFFMPEGCapture(Config{
			Command:     cfg.Audio.FFMPEGCommand,
			InputFormat: cfg.Audio.InputFormat,
			InputDevice: cfg.Audio.InputDevice,
			Logger:      logger,
		}), nil
	})
}
