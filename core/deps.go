package core

import (
	"context"

	"pkt.systems/pslog"

	"github.com/hullworks/deckhand/internal/envsync"
	"github.com/hullworks/deckhand/internal/eventbus"
	"github.com/hullworks/deckhand/schema"
)

// SessionRegistry is the tmux side of the coordinator.
type SessionRegistry interface {
	Initialize(ctx context.Context) ([]schema.TabID, error)
	CreateWindow(ctx context.Context, tabID schema.TabID, command []string) (schema.WindowIndex, error)
	SendInput(ctx context.Context, tabID schema.TabID, data string) bool
	Resize(ctx context.Context, tabID schema.TabID, cols, rows int)
	CloseWindow(ctx context.Context, tabID schema.TabID) error
	Windows() []schema.TabState
}

// HubSender queues outbound envelopes on the hub channel.
type HubSender interface {
	Send(env schema.Envelope) error
}

// EnvSyncer reconciles desired environment sets.
type EnvSyncer interface {
	Load(ctx context.Context) error
	Apply(ctx context.Context, desired map[string]string) (envsync.Diff, error)
}

// FileStager stages hub-delivered files.
type FileStager interface {
	Stage(name, contentBase64 string) (string, error)
}

// Deps carries the coordinator's collaborators.
type Deps struct {
	Session SessionRegistry
	Env     EnvSyncer
	Stager  FileStager
	Bus     *eventbus.Bus
	Logger  pslog.Logger
	Version string
}
