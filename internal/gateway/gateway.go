// Package gateway wires the capture channels, command queue,
// interpreter, and task syncer into the running daemon.
package gateway

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/kestrelworks/donna/internal/bus"
	"github.com/kestrelworks/donna/internal/channel"
	"github.com/kestrelworks/donna/internal/config"
	"github.com/kestrelworks/donna/internal/cron"
	"github.com/kestrelworks/donna/internal/interpreter"
	"github.com/kestrelworks/donna/internal/queue"
	"github.com/kestrelworks/donna/internal/remote/googletasks"
	"github.com/kestrelworks/donna/internal/task"
	"github.com/kestrelworks/donna/internal/tasksync"
)

const purgeJobMessage = "__internal:queue:purge-completed"

// Transcriber turns a recorded voice note into command text. None is
// configured by default; voice commands are then parked with
// action-needed until the user resends as text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// Options for creating a Gateway
type Options struct {
	RuntimeFactory interpreter.RuntimeFactory
	Gate           tasksync.Gate
	Transcriber    Transcriber
	SignalChan     chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg         *config.Config
	bus         *bus.MessageBus
	store       *queue.Store
	syncer      *tasksync.Syncer
	poller      *tasksync.Poller
	interp      *interpreter.Interpreter
	transcriber Transcriber
	channels    *channel.ChannelManager
	cron        *cron.Service
	signalChan  chan os.Signal
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{cfg: cfg}

	g.bus = bus.NewMessageBus(config.DefaultBufSize)

	store, err := queue.Open(cfg.Queue.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open command queue: %w", err)
	}
	g.store = store

	gate := opts.Gate
	if gate == nil {
		gate = googletasks.NewGate(cfg.Tasks.ClientPath, cfg.Tasks.TokenPath)
	}
	g.syncer = tasksync.NewSyncer(gate, cfg.Tasks.ListID)
	g.poller = tasksync.NewPoller(g.syncer, cfg.Tasks.PollIntervalDuration())

	// A missing or broken agent runtime must not take capture down: the
	// interpreter falls back to raw-text titles without one.
	factory := opts.RuntimeFactory
	if factory == nil {
		factory = interpreter.DefaultRuntimeFactory
	}
	runtime, err := factory(cfg)
	if err != nil {
		log.Printf("[gateway] agent runtime unavailable, using raw-text interpretation: %v", err)
		runtime = nil
	}
	g.interp = interpreter.New(runtime)

	g.transcriber = opts.Transcriber
	g.signalChan = opts.SignalChan

	g.cron = cron.NewService(filepath.Join(config.ConfigDir(), "data", "cron", "jobs.json"))
	g.cron.OnJob = g.runJob

	mediaDir := filepath.Join(cfg.Agent.Workspace, "media")
	chMgr, err := channel.NewChannelManager(cfg.Channels, mediaDir, g.bus)
	if err != nil {
		_ = g.store.Close()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	return g, nil
}

// Syncer exposes the task syncer for status inspection.
func (g *Gateway) Syncer() *tasksync.Syncer {
	return g.syncer
}

func (g *Gateway) runJob(job cron.CronJob) (string, error) {
	if job.Payload.Message == purgeJobMessage {
		n, err := g.store.PurgeCompleted(g.cfg.Queue.RetainCompletedDuration())
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("purged %d completed commands", n), nil
	}

	// Every other job is a reminder: deliver its message as-is.
	if job.Payload.Deliver && job.Payload.Channel != "" {
		g.bus.Outbound <- bus.OutboundMessage{
			Channel: job.Payload.Channel,
			ChatID:  job.Payload.To,
			Text:    job.Payload.Message,
		}
	}
	return job.Payload.Message, nil
}

func (g *Gateway) ensureMaintenanceJobs() error {
	const purgeName = "__internal_queue_purge"

	for _, job := range g.cron.ListJobs() {
		if job.Payload.Message == purgeJobMessage || job.Name == purgeName {
			return nil
		}
	}

	_, err := g.cron.AddJob(purgeName,
		cron.Schedule{Kind: "cron", Expr: "0 30 3 * * *"},
		cron.Payload{Message: purgeJobMessage})
	return err
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if err := g.cron.Start(ctx); err != nil {
		log.Printf("[gateway] cron start warning: %v", err)
	}
	if err := g.ensureMaintenanceJobs(); err != nil {
		log.Printf("[gateway] ensure maintenance jobs warning: %v", err)
	}

	if err := g.syncer.Refresh(ctx); err != nil {
		log.Printf("[gateway] initial refresh warning: %v", err)
	}
	g.poller.Start(ctx)

	go g.processLoop(ctx)

	log.Printf("[gateway] running")

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	<-sigCh

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			log.Printf("[gateway] inbound from %s/%s: %s", msg.Channel, msg.SenderID, truncate(msg.Text, 80))
			g.handleInbound(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	cmd, err := g.store.Enqueue(msg.Text, msg.AudioPath, msg.PhotoPaths)
	if err != nil {
		log.Printf("[gateway] enqueue error: %v", err)
		g.reply(msg, "Sorry, I could not save that command.")
		return
	}

	if cmd.Status == queue.StatusRecorded {
		text, ok := g.transcribe(ctx, &cmd, msg)
		if !ok {
			return
		}
		cmd.Transcription = text
	}

	g.process(ctx, cmd, msg)
}

// transcribe resolves a voice command into text, or parks it with
// action-needed when that is not possible.
func (g *Gateway) transcribe(ctx context.Context, cmd *queue.Command, msg bus.InboundMessage) (string, bool) {
	if g.transcriber == nil {
		if err := g.store.Fail(cmd.ID, "no transcriber configured", true); err != nil {
			log.Printf("[gateway] mark command failed error: %v", err)
		}
		g.reply(msg, "I saved your voice note but cannot transcribe it yet. Please send the command as text.")
		return "", false
	}

	if err := g.store.SetStatus(cmd.ID, queue.StatusTranscribing); err != nil {
		log.Printf("[gateway] set status error: %v", err)
	}

	text, err := g.transcriber.Transcribe(ctx, cmd.AudioPath)
	if err != nil {
		log.Printf("[gateway] transcription error: %v", err)
		if ferr := g.store.Fail(cmd.ID, fmt.Sprintf("transcription failed: %v", err), true); ferr != nil {
			log.Printf("[gateway] mark command failed error: %v", ferr)
		}
		g.reply(msg, "I could not make out that voice note. Please send the command as text.")
		return "", false
	}

	if err := g.store.SetTranscription(cmd.ID, text); err != nil {
		log.Printf("[gateway] save transcription error: %v", err)
	}
	return text, true
}

func (g *Gateway) process(ctx context.Context, cmd queue.Command, msg bus.InboundMessage) {
	if err := g.store.SetStatus(cmd.ID, queue.StatusProcessing); err != nil {
		log.Printf("[gateway] set status error: %v", err)
	}

	intent := g.interp.Interpret(ctx, cmd.EffectiveText())
	if intent.Clarify != "" {
		if err := g.store.Fail(cmd.ID, intent.Clarify, true); err != nil {
			log.Printf("[gateway] mark command failed error: %v", err)
		}
		g.reply(msg, intent.Clarify)
		return
	}

	notes := intent.Notes
	if len(cmd.PhotoPaths) > 0 {
		if notes != "" {
			notes += "\n\n"
		}
		notes += "Attachments:\n" + strings.Join(cmd.PhotoPaths, "\n")
	}

	created, err := g.syncer.CreateTask(ctx, intent.Title, notes, intent.Due)
	if err != nil {
		log.Printf("[gateway] create task error: %v", err)
		if ferr := g.store.Fail(cmd.ID, err.Error(), false); ferr != nil {
			log.Printf("[gateway] mark command failed error: %v", ferr)
		}
		g.reply(msg, "I could not add that task: "+friendlyError(err))
		return
	}

	if err := g.store.Complete(cmd.ID); err != nil {
		log.Printf("[gateway] mark command completed error: %v", err)
	}
	g.reply(msg, "Added: "+created.Title)
}

func (g *Gateway) reply(msg bus.InboundMessage, text string) {
	g.bus.Outbound <- bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Text:    text,
	}
}

func friendlyError(err error) string {
	switch task.KindOf(err) {
	case task.KindNotConnected, task.KindTransientNetwork:
		return "not connected to Google Tasks right now. The command is saved and marked failed; try again later."
	case task.KindAuthExpired:
		return "Google Tasks authorization has expired. Run `donna onboard` again."
	default:
		return err.Error()
	}
}

func (g *Gateway) Shutdown() error {
	g.poller.Stop()
	g.cron.Stop()
	_ = g.channels.StopAll()
	g.interp.Close()
	if err := g.store.Close(); err != nil {
		log.Printf("[gateway] close queue warning: %v", err)
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
