package update

import (
	"context"

	"cachegen/internal/lifecycle"
)

// InstallPrompt is a deferred platform install prompt.
type InstallPrompt interface {
	// Prompt shows the prompt and reports whether the user accepted.
	Prompt(ctx context.Context) (bool, error)
}

// Handlers receive platform notifications.
type Handlers struct {
	Online        func(online bool)
	InstallPrompt func(InstallPrompt)
	Installed     func()
}

// Platform is the host the foreground runs in.
type Platform interface {
	Online() bool
	// Standalone reports whether the app already runs installed.
	Standalone() bool
	// Watch registers h until the returned func is called.
	Watch(h Handlers) (cancel func())
	Reload(ctx context.Context) error
}

// Background is the foreground's channel to the lifecycle controller.
type Background interface {
	Post(ctx context.Context, msg lifecycle.Message) (lifecycle.Reply, error)
	Status(ctx context.Context) (lifecycle.Status, error)
	// Events streams lifecycle events until cancel is called or ctx is done.
	Events(ctx context.Context) (events <-chan lifecycle.Event, cancel func(), err error)
}

// Local talks to a controller in the same process.
type Local struct {
	Controller *lifecycle.Controller
}

var _ Background = Local{}

func (l Local) Post(ctx context.Context, msg lifecycle.Message) (lifecycle.Reply, error) {
	return l.Controller.Ask(ctx, msg)
}

func (l Local) Status(context.Context) (lifecycle.Status, error) {
	return l.Controller.Status(), nil
}

func (l Local) Events(context.Context) (<-chan lifecycle.Event, func(), error) {
	ch, cancel := l.Controller.Subscribe(32)
	return ch, cancel, nil
}
