package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"sonicres/internal/bootstrap"
	"sonicres/internal/config"
	"sonicres/internal/domain"
	"sonicres/internal/usecase"
)

const (
	eventConnected  = "sonicres:connected"
	eventRecording  = "sonicres:recording"
	eventProcessing = "sonicres:processing"
	eventResult     = "sonicres:result"
	eventError      = "sonicres:error"
	eventComplete   = "sonicres:complete"
)

// App is the Wails application root. It also receives session events and
// forwards them to the frontend.
type App struct {
	ctx context.Context

	orchestrator *usecase.Orchestrator
	cfg          config.Config
	logger       *slog.Logger
	bootErr      error

	emit func(ctx context.Context, name string, data ...interface{})
}

func NewApp() *App {
	return &App{emit: runtime.EventsEmit}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	services, err := bootstrap.Build()
	if err != nil {
		a.bootErr = err
		a.OnError(startupMessage(err))
		return
	}

	a.cfg = services.Config
	a.logger = services.Logger
	a.orchestrator = services.Orchestrator
	a.orchestrator.SetListener(a)
	a.logger.Info("desktop shell ready")
}

func (a *App) shutdown(context.Context) {
	if a.orchestrator != nil {
		a.orchestrator.Destroy()
	}
}

// StartListening begins a listen session and returns once audio is flowing.
func (a *App) StartListening() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	if err := a.orchestrator.StartRecording(a.ctx); err != nil {
		if errors.Is(err, usecase.ErrSessionDestroyed) {
			return a.orchestrator.Status(), nil
		}
		return domain.Status{}, err
	}
	return a.orchestrator.Status(), nil
}

// StopListening ends capture early and waits for the server verdict.
func (a *App) StopListening() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	a.orchestrator.StopRecording()
	return a.orchestrator.Status(), nil
}

// GetStatus returns the current session status.
func (a *App) GetStatus() domain.Status {
	if a.orchestrator == nil {
		if a.bootErr != nil {
			return domain.Status{State: domain.SessionStateFailed}
		}
		return domain.Status{State: domain.SessionStateIdle}
	}
	return a.orchestrator.Status()
}

// GetRuntimeInfo returns non-sensitive config for the UI.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}

	return map[string]string{
		"apiBase":          a.cfg.Server.APIBase,
		"wsUrl":            a.cfg.Server.WSURL,
		"durationSeconds":  strconv.Itoa(int(a.cfg.Duration().Seconds())),
		"audioInput":       a.cfg.Audio.InputDevice,
		"audioInputFormat": a.cfg.Audio.InputFormat,
	}
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if a.orchestrator == nil {
		return fmt.Errorf("application is not initialized")
	}
	return nil
}

func (a *App) send(name string, data ...interface{}) {
	if a.ctx == nil || a.emit == nil {
		return
	}
	a.emit(a.ctx, name, data...)
}

func (a *App) OnConnected() {
	a.send(eventConnected)
}

func (a *App) OnRecording(secondsRemaining int) {
	a.send(eventRecording, map[string]int{"secondsRemaining": secondsRemaining})
}

func (a *App) OnProcessing() {
	a.send(eventProcessing)
}

func (a *App) OnResult(result domain.Result) {
	a.send(eventResult, result)
}

func (a *App) OnError(message string) {
	a.send(eventError, map[string]string{"message": message})
}

func (a *App) OnComplete() {
	a.send(eventComplete)
}

func startupMessage(err error) string {
	if err == nil {
		return ""
	}
	return "Startup failed: " + err.Error()
}
