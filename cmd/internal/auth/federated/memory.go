package federated

import (
	"context"
	"log/slog"
)

// Memory is an in-process provider. Tests drive it directly; the dev
// provider builds on it.
type Memory struct {
	name string
	log  *slog.Logger
	feed *stateFeed

	// signOutErr, when set, is returned by SignOut after the state is cleared.
	signOutErr error
}

// NewMemory constructs a signed-out Memory provider.
func NewMemory(name string, log *slog.Logger) *Memory {
	if name == "" {
		name = "memory"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Memory{name: name, log: log, feed: newStateFeed()}
}

func (m *Memory) Name() string { return m.name }

func (m *Memory) Watch(ctx context.Context) (<-chan *Identity, func()) {
	return m.feed.watch(ctx)
}

// SignIn publishes id as the signed-in identity.
func (m *Memory) SignIn(id *Identity) {
	m.log.Info("federated.sign_in", "provider", m.name, "subject", subjectOf(id))
	m.feed.publish(id)
}

// SignOut publishes nil.
func (m *Memory) SignOut(_ context.Context) error {
	m.log.Info("federated.sign_out", "provider", m.name)
	m.feed.publish(nil)
	return m.signOutErr
}

// Current returns the signed-in identity, nil when signed out.
func (m *Memory) Current() *Identity {
	return m.feed.Current()
}

func subjectOf(id *Identity) string {
	if id == nil {
		return ""
	}
	return id.Subject
}
