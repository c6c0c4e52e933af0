package core

import (
	"context"
	"errors"
	"sync"

	"pkt.systems/pslog"

	"github.com/hullworks/deckhand/internal/eventbus"
	"github.com/hullworks/deckhand/internal/gitinfo"
	"github.com/hullworks/deckhand/internal/logx"
	"github.com/hullworks/deckhand/internal/sysinfo"
	"github.com/hullworks/deckhand/internal/vpnstatus"
	"github.com/hullworks/deckhand/schema"
)

// Test hooks for the shell-out probes.
var (
	gitStatusFn   = gitinfo.Status
	collectInfoFn = sysinfo.Collect
	probeVPNFn    = vpnstatus.Probe
)

// Service is the coordinator between the session registry, the per-tab
// buffers, and the hub channel. It implements hub.Handler; every hub command
// terminates here.
type Service struct {
	cfg     schema.AgentConfig
	session SessionRegistry
	buffers *Buffers
	env     EnvSyncer
	stager  FileStager
	bus     *eventbus.Bus
	log     pslog.Logger
	version string

	mu           sync.Mutex
	hub          HubSender
	cancelEvents func()
}

// NewService constructs the coordinator.
func NewService(cfg schema.AgentConfig, deps Deps) (*Service, error) {
	normalized, err := schema.NormalizeAgentConfig(cfg)
	if err != nil {
		return nil, err
	}
	cfg = normalized
	if deps.Session == nil {
		return nil, errors.New("session registry is required")
	}
	if deps.Bus == nil {
		return nil, errors.New("event bus is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Service{
		cfg:     cfg,
		session: deps.Session,
		buffers: NewBuffers(cfg.BufferMaxLines),
		env:     deps.Env,
		stager:  deps.Stager,
		bus:     deps.Bus,
		log:     logger.With("agent", cfg.AgentID),
		version: deps.Version,
	}, nil
}

// AttachHub wires the hub channel in. The hub and the coordinator reference
// each other, so one side has to be attached after construction.
func (s *Service) AttachHub(hub HubSender) {
	s.mu.Lock()
	s.hub = hub
	s.mu.Unlock()
}

// Start prepares the session, restores the env baseline, and begins routing
// capture events. Recovered tabs are announced to the hub at registration
// time, not here; the channel may not exist yet.
func (s *Service) Start(ctx context.Context) error {
	recovered, err := s.session.Initialize(ctx)
	if err != nil {
		return err
	}
	if len(recovered) > 0 {
		s.log.Info("tabs recovered from previous lifetime", "count", len(recovered))
	}
	if s.env != nil {
		if err := s.env.Load(ctx); err != nil {
			s.log.Warn("env baseline load failed", "err", err)
		}
	}
	events, cancel := s.bus.Subscribe()
	s.mu.Lock()
	s.cancelEvents = cancel
	s.mu.Unlock()
	go s.eventLoop(ctx, events)
	return nil
}

// Stop halts event routing. The tmux session keeps running so tabs survive
// into the next agent lifetime.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancelEvents
	s.cancelEvents = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Heartbeat builds the periodic heartbeat payload.
func (s *Service) Heartbeat() schema.HeartbeatPayload {
	return schema.HeartbeatPayload{
		Tabs:           s.roster(),
		UptimeSeconds:  sysinfo.Uptime(),
		MemoryRSSBytes: sysinfo.MemoryRSS(),
		Version:        s.version,
	}
}

func (s *Service) eventLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			switch event.Type {
			case eventbus.EventOutput:
				data := string(event.Output.Data)
				s.buffers.Append(event.Output.TabID, data)
				s.send(schema.KindTabOutput, "", schema.TabOutputPayload{
					TabID: event.Output.TabID,
					Data:  data,
				})
			case eventbus.EventExit:
				// The ring is kept so the hub can still read the tab's final
				// output after it ended. A trailing partial line can no longer
				// be completed, so it is promoted into the ring now.
				s.buffers.Flush(event.Exit.TabID)
				s.send(schema.KindTabEnded, "", schema.TabEndedPayload{
					TabID:    event.Exit.TabID,
					ExitCode: event.Exit.ExitCode,
				})
			case eventbus.EventError:
				s.log.Warn("tab capture error", "tab", event.Err.TabID, "err", event.Err.Err)
			}
		}
	}
}

// HandleRegistered reacts to the hub's registration ack. In recovery mode
// the hub lost its view of this agent and wants the full roster.
func (s *Service) HandleRegistered(ctx context.Context, requestID string, p schema.RegisteredPayload) {
	if !p.RecoveryMode {
		return
	}
	s.log.Info("recovery handshake, pushing state snapshot")
	s.send(schema.KindStateSnapshot, requestID, schema.StateSnapshotPayload{Tabs: s.roster()})
}

func (s *Service) HandleTabCreate(ctx context.Context, requestID string, p schema.TabCreatePayload) {
	log := logx.WithTab(ctx, p.TabID)
	index, err := s.session.CreateWindow(ctx, p.TabID, p.Command)
	if err != nil {
		log.Warn("tab create failed", "err", err)
	} else {
		log.Info("tab created", "index", index)
	}
	s.send(schema.KindTabCreated, requestID, schema.TabCreatedPayload{
		Result:      schema.Failure(err),
		TabID:       p.TabID,
		WindowIndex: index,
	})
}

func (s *Service) HandleTabInput(ctx context.Context, requestID string, p schema.TabInputPayload) {
	if !s.session.SendInput(ctx, p.TabID, p.Data) {
		logx.WithTab(ctx, p.TabID).Debug("input dropped")
	}
}

func (s *Service) HandleTabResize(ctx context.Context, requestID string, p schema.TabResizePayload) {
	s.session.Resize(ctx, p.TabID, p.Cols, p.Rows)
}

func (s *Service) HandleTabClose(ctx context.Context, requestID string, p schema.TabClosePayload) {
	log := logx.WithTab(ctx, p.TabID)
	if err := s.session.CloseWindow(ctx, p.TabID); err != nil {
		log.Warn("tab close failed", "err", err)
		s.send(schema.KindCommandFailed, requestID, schema.CommandFailedPayload{
			Result: schema.Failure(err),
			Kind:   schema.KindTabClose,
		})
		return
	}
	// Deliberate close is the one path that discards buffered history.
	s.buffers.Clear(p.TabID)
	log.Info("tab closed")
}

func (s *Service) HandleTabAttach(ctx context.Context, requestID string, p schema.TabAttachPayload) {
	s.send(schema.KindBufferChunk, requestID, schema.BufferChunkPayload{
		Result: schema.OK(),
		TabID:  p.TabID,
		Lines:  s.buffers.All(p.TabID),
	})
}

func (s *Service) HandleBufferRequest(ctx context.Context, requestID string, p schema.BufferRequestPayload) {
	s.send(schema.KindBufferChunk, requestID, schema.BufferChunkPayload{
		Result: schema.OK(),
		TabID:  p.TabID,
		Lines:  s.buffers.Recent(p.TabID, p.Lines),
	})
}

func (s *Service) HandleEnvUpdate(ctx context.Context, requestID string, p schema.EnvUpdatePayload) {
	if s.env == nil {
		s.send(schema.KindEnvApplied, requestID, schema.EnvAppliedPayload{
			Result: schema.Failure(errors.New("environment sync is not configured")),
		})
		return
	}
	diff, err := s.env.Apply(ctx, p.Env)
	s.send(schema.KindEnvApplied, requestID, schema.EnvAppliedPayload{
		Result:  schema.Failure(err),
		Added:   len(diff.Added),
		Removed: len(diff.Removed),
		Changed: len(diff.Changed),
	})
}

func (s *Service) HandleGitStatus(ctx context.Context, requestID string, p schema.GitStatusRequestPayload) {
	dir := p.Dir
	if dir == "" {
		dir = s.cfg.WorkspaceDir
	}
	status, err := gitStatusFn(ctx, dir)
	if err != nil {
		status = schema.GitStatusResultPayload{Result: schema.Failure(err)}
	}
	s.send(schema.KindGitStatusResult, requestID, status)
}

func (s *Service) HandleContainerInfo(ctx context.Context, requestID string) {
	s.send(schema.KindContainerInfoResult, requestID, collectInfoFn(ctx, s.cfg.WorkspaceDir))
}

func (s *Service) HandleVPNStatus(ctx context.Context, requestID string) {
	s.send(schema.KindVPNStatusResult, requestID, probeVPNFn(ctx))
}

func (s *Service) HandleFileUpload(ctx context.Context, requestID string, p schema.FileUploadPayload) {
	if s.stager == nil {
		s.send(schema.KindFileUploadResult, requestID, schema.FileUploadResultPayload{
			Result: schema.Failure(errors.New("upload staging is not configured")),
		})
		return
	}
	path, err := s.stager.Stage(p.Name, p.ContentBase64)
	if err != nil {
		s.log.Warn("upload failed", "name", p.Name, "err", err)
	}
	s.send(schema.KindFileUploadResult, requestID, schema.FileUploadResultPayload{
		Result: schema.Failure(err),
		Path:   path,
	})
}

func (s *Service) HandleStateRequest(ctx context.Context, requestID string) {
	s.send(schema.KindStateSnapshot, requestID, schema.StateSnapshotPayload{Tabs: s.roster()})
}

// roster enriches the registry's tab list with buffer occupancy.
func (s *Service) roster() []schema.TabState {
	tabs := s.session.Windows()
	for i := range tabs {
		tabs[i].Buffered = s.buffers.Has(tabs[i].TabID)
	}
	return tabs
}

func (s *Service) send(kind schema.MessageKind, requestID string, payload any) {
	s.mu.Lock()
	hub := s.hub
	s.mu.Unlock()
	if hub == nil {
		s.log.Debug("hub not attached, message dropped", "kind", kind)
		return
	}
	env, err := schema.NewEnvelope(kind, requestID, payload)
	if err != nil {
		s.log.Warn("envelope marshal failed", "kind", kind, "err", err)
		return
	}
	if err := hub.Send(env); err != nil {
		// Disconnected is routine; buffered history covers the gap.
		s.log.Debug("hub send dropped", "kind", kind, "err", err)
	}
}
