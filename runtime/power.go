package runtime

import (
	"context"
	"os/exec"
	goruntime "runtime"
	"time"

	"go.uber.org/zap"
)

// Power issues the platform shutdown and restart commands. Calls return once the
// command has been started; the outcome is only logged.
type Power struct {
	goos   string
	dryRun bool
	log    *zap.SugaredLogger
	exec   func(ctx context.Context, name string, args ...string) error
}

func NewPower(dryRun bool, log *zap.SugaredLogger) *Power {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Power{
		goos:   goruntime.GOOS,
		dryRun: dryRun,
		log:    log,
		exec: func(ctx context.Context, name string, args ...string) error {
			return exec.CommandContext(ctx, name, args...).Run()
		},
	}
}

func (p *Power) Shutdown() {
	p.log.Infow("Performing system shutdown")
	p.run(p.command(false))
}

func (p *Power) Restart() {
	p.log.Infow("Performing system restart")
	p.run(p.command(true))
}

// command returns the argv for the host platform.
func (p *Power) command(restart bool) []string {
	switch p.goos {
	case "windows":
		if restart {
			return []string{"shutdown", "/r", "/f", "/t", "0"}
		}
		return []string{"shutdown", "/s", "/f", "/t", "0"}
	default:
		if restart {
			return []string{"shutdown", "-r", "now"}
		}
		return []string{"shutdown", "-h", "now"}
	}
}

func (p *Power) run(argv []string) {
	if p.dryRun {
		p.log.Warnw("Dry run, power command not executed", "command", argv)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.exec(ctx, argv[0], argv[1:]...); err != nil {
			p.log.Errorw("Power command failed", "command", argv, "error", err)
		}
	}()
}
