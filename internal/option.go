package internal

import (
	"io"

	"github.com/starford/larder/internal/notify"
)

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config    *Config
	logOutput io.Writer
	oneShot   bool
	prompt    func() notify.Permission
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithLogOutput redirects the JSON log (stdout by default).
func WithLogOutput(w io.Writer) Option {
	return func(a *application) {
		a.logOutput = w
	}
}

// WithOneShot disables the scan timers and the periodic resync, for
// commands that run one operation and exit.
func WithOneShot() Option {
	return func(a *application) {
		a.oneShot = true
	}
}

// WithPermissionPrompt sets how a pending alert permission request is answered.
func WithPermissionPrompt(fn func() notify.Permission) Option {
	return func(a *application) {
		a.prompt = fn
	}
}
