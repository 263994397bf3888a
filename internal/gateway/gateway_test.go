package gateway

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/cexll/agentsdk-go/pkg/api"

	"github.com/kestrelworks/donna/internal/bus"
	"github.com/kestrelworks/donna/internal/config"
	"github.com/kestrelworks/donna/internal/cron"
	"github.com/kestrelworks/donna/internal/interpreter"
	"github.com/kestrelworks/donna/internal/queue"
	"github.com/kestrelworks/donna/internal/task"
	"github.com/kestrelworks/donna/internal/testutil"
)

// mockRuntime implements interpreter.Runtime for testing
type mockRuntime struct {
	output string
	err    error
	closed bool
}

func (m *mockRuntime) Run(ctx context.Context, req api.Request) (*api.Response, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &api.Response{Result: &api.Result{Output: m.output}}, nil
}

func (m *mockRuntime) Close() {
	m.closed = true
}

type fakeGate struct {
	api       task.API
	connected bool
	svcErr    error
}

func (g *fakeGate) Connected() bool {
	return g.connected
}

func (g *fakeGate) Service(ctx context.Context) (task.API, error) {
	if g.svcErr != nil {
		return nil, g.svcErr
	}
	return g.api, nil
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audioPath string) (string, error) {
	return f.text, f.err
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)

	cfg := config.DefaultConfig()
	cfg.Agent.Workspace = filepath.Join(dir, "workspace")
	cfg.Queue.DBPath = filepath.Join(dir, "queue.db")
	cfg.Tasks.ListID = "list-1"
	return cfg
}

func runtimeFactory(rt interpreter.Runtime) interpreter.RuntimeFactory {
	return func(cfg *config.Config) (interpreter.Runtime, error) {
		return rt, nil
	}
}

func newTestGateway(t *testing.T, opts Options) (*Gateway, *testutil.FakeAPI) {
	t.Helper()
	cfg := testConfig(t)

	fake := testutil.NewFakeAPI()
	fake.SetLists([]task.TaskList{{ID: "list-1", Title: "My Tasks"}})
	if opts.Gate == nil {
		opts.Gate = &fakeGate{api: fake, connected: true}
	}
	if opts.RuntimeFactory == nil {
		opts.RuntimeFactory = runtimeFactory(&mockRuntime{
			output: `{"title": "Buy milk", "notes": "", "due": ""}`,
		})
	}

	g, err := NewWithOptions(cfg, opts)
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	t.Cleanup(func() { _ = g.store.Close() })
	return g, fake
}

func latestCommand(t *testing.T, g *Gateway) queue.Command {
	t.Helper()
	cmds, err := g.store.List("", 1)
	if err != nil {
		t.Fatalf("list commands: %v", err)
	}
	if len(cmds) == 0 {
		t.Fatal("no commands in queue")
	}
	return cmds[0]
}

func readReply(t *testing.T, g *Gateway) bus.OutboundMessage {
	t.Helper()
	select {
	case msg := <-g.bus.Outbound:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
		return bus.OutboundMessage{}
	}
}

func inbound(text string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:   "telegram",
		SenderID:  "42",
		ChatID:    "100",
		Text:      text,
		Timestamp: time.Now(),
	}
}

func TestGateway_TextCommandBecomesTask(t *testing.T) {
	g, fake := newTestGateway(t, Options{})

	g.handleInbound(context.Background(), inbound("buy milk on the way home"))

	reply := readReply(t, g)
	if reply.Channel != "telegram" || reply.ChatID != "100" {
		t.Errorf("reply addressed to %s/%s", reply.Channel, reply.ChatID)
	}
	if reply.Text != "Added: Buy milk" {
		t.Errorf("reply = %q", reply.Text)
	}

	if fake.Calls(testutil.OpCreateTask) != 1 {
		t.Errorf("CreateTask called %d times, want 1", fake.Calls(testutil.OpCreateTask))
	}

	cmd := latestCommand(t, g)
	if cmd.Status != queue.StatusCompleted {
		t.Errorf("command status = %q, want completed", cmd.Status)
	}
	if cmd.Failed {
		t.Error("command should not be failed")
	}
}

func TestGateway_ClarificationParksCommand(t *testing.T) {
	g, fake := newTestGateway(t, Options{
		RuntimeFactory: runtimeFactory(&mockRuntime{
			output: `{"title": "", "notes": "", "due": "", "clarify": "Which doctor?"}`,
		}),
	})

	g.handleInbound(context.Background(), inbound("book the doctor"))

	reply := readReply(t, g)
	if reply.Text != "Which doctor?" {
		t.Errorf("reply = %q, want the clarification question", reply.Text)
	}
	if fake.Calls(testutil.OpCreateTask) != 0 {
		t.Error("no task should be created for an ambiguous command")
	}

	cmd := latestCommand(t, g)
	if cmd.Status != queue.StatusFailed || !cmd.ActionNeeded {
		t.Errorf("command = %+v, want failed with action needed", cmd)
	}
	if cmd.ErrorMessage != "Which doctor?" {
		t.Errorf("error message = %q", cmd.ErrorMessage)
	}
}

func TestGateway_RemoteFailureMarksCommandFailed(t *testing.T) {
	g, fake := newTestGateway(t, Options{})
	fake.SetErr(testutil.OpCreateTask, fmt.Errorf("connection refused"))

	g.handleInbound(context.Background(), inbound("buy milk"))

	reply := readReply(t, g)
	if !strings.Contains(reply.Text, "not connected to Google Tasks") {
		t.Errorf("reply = %q, want a not-connected explanation", reply.Text)
	}

	cmd := latestCommand(t, g)
	if cmd.Status != queue.StatusFailed {
		t.Errorf("command status = %q, want failed", cmd.Status)
	}
	if cmd.ActionNeeded {
		t.Error("network failures should not demand user action")
	}
}

func TestGateway_VoiceWithoutTranscriber(t *testing.T) {
	g, fake := newTestGateway(t, Options{})

	msg := inbound("")
	msg.AudioPath = "/tmp/note.oga"
	g.handleInbound(context.Background(), msg)

	reply := readReply(t, g)
	if !strings.Contains(reply.Text, "voice note") {
		t.Errorf("reply = %q", reply.Text)
	}
	if fake.Calls(testutil.OpCreateTask) != 0 {
		t.Error("no task should be created without a transcription")
	}

	cmd := latestCommand(t, g)
	if cmd.Status != queue.StatusFailed || !cmd.ActionNeeded {
		t.Errorf("command = %+v, want failed with action needed", cmd)
	}
	if cmd.AudioPath != "/tmp/note.oga" {
		t.Errorf("audio path = %q, should be kept for later", cmd.AudioPath)
	}
}

func TestGateway_VoiceWithTranscriber(t *testing.T) {
	g, fake := newTestGateway(t, Options{
		Transcriber: &fakeTranscriber{text: "buy milk"},
	})

	msg := inbound("")
	msg.AudioPath = "/tmp/note.oga"
	g.handleInbound(context.Background(), msg)

	reply := readReply(t, g)
	if reply.Text != "Added: Buy milk" {
		t.Errorf("reply = %q", reply.Text)
	}
	if fake.Calls(testutil.OpCreateTask) != 1 {
		t.Errorf("CreateTask called %d times, want 1", fake.Calls(testutil.OpCreateTask))
	}

	cmd := latestCommand(t, g)
	if cmd.Status != queue.StatusCompleted {
		t.Errorf("command status = %q, want completed", cmd.Status)
	}
	if cmd.Transcription != "buy milk" {
		t.Errorf("transcription = %q", cmd.Transcription)
	}
}

func TestGateway_TranscriptionFailure(t *testing.T) {
	g, _ := newTestGateway(t, Options{
		Transcriber: &fakeTranscriber{err: fmt.Errorf("unintelligible")},
	})

	msg := inbound("")
	msg.AudioPath = "/tmp/note.oga"
	g.handleInbound(context.Background(), msg)

	reply := readReply(t, g)
	if !strings.Contains(reply.Text, "voice note") {
		t.Errorf("reply = %q", reply.Text)
	}

	cmd := latestCommand(t, g)
	if cmd.Status != queue.StatusFailed || !cmd.ActionNeeded {
		t.Errorf("command = %+v, want failed with action needed", cmd)
	}
	if !strings.Contains(cmd.ErrorMessage, "transcription failed") {
		t.Errorf("error message = %q", cmd.ErrorMessage)
	}
}

func TestGateway_PhotoPathsLandInNotes(t *testing.T) {
	g, fake := newTestGateway(t, Options{})

	msg := inbound("keep this receipt")
	msg.PhotoPaths = []string{"/tmp/receipt.jpg"}
	g.handleInbound(context.Background(), msg)

	readReply(t, g)

	tasks := fake.Tasks("list-1")
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks, want 1", len(tasks))
	}
	if !strings.Contains(tasks[0].Notes, "/tmp/receipt.jpg") {
		t.Errorf("notes = %q, want the photo path", tasks[0].Notes)
	}
}

func TestGateway_RuntimeFactoryFailureFallsBack(t *testing.T) {
	g, _ := newTestGateway(t, Options{
		RuntimeFactory: func(cfg *config.Config) (interpreter.Runtime, error) {
			return nil, fmt.Errorf("no api key")
		},
	})

	g.handleInbound(context.Background(), inbound("water the plants"))

	reply := readReply(t, g)
	if reply.Text != "Added: water the plants" {
		t.Errorf("reply = %q, want raw-text title", reply.Text)
	}
}

func TestGateway_PurgeJob(t *testing.T) {
	g, _ := newTestGateway(t, Options{})

	cmd, err := g.store.Enqueue("old command", "", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := g.store.Complete(cmd.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// Age the row past the retention window.
	old := time.Now().Add(-14 * 24 * time.Hour).UTC().Format(time.RFC3339Nano)
	if _, err := g.store.DB().Exec(`UPDATE commands SET created_at = ?`, old); err != nil {
		t.Fatalf("age row: %v", err)
	}

	job := cron.NewCronJob("purge", cron.Schedule{Kind: "cron", Expr: "0 30 3 * * *"},
		cron.Payload{Message: purgeJobMessage})
	result, err := g.runJob(job)
	if err != nil {
		t.Fatalf("runJob error: %v", err)
	}
	if !strings.Contains(result, "purged 1") {
		t.Errorf("result = %q, want one purge", result)
	}

	if _, err := g.store.Get(cmd.ID); err == nil {
		t.Error("purged command should be gone")
	}
}

func TestGateway_ReminderJobDelivers(t *testing.T) {
	g, _ := newTestGateway(t, Options{})

	job := cron.NewCronJob("reminder", cron.Schedule{Kind: "at", AtMs: time.Now().UnixMilli()},
		cron.Payload{Message: "Stand-up in 5 minutes", Deliver: true, Channel: "telegram", To: "100"})
	result, err := g.runJob(job)
	if err != nil {
		t.Fatalf("runJob error: %v", err)
	}
	if result != "Stand-up in 5 minutes" {
		t.Errorf("result = %q", result)
	}

	reply := readReply(t, g)
	if reply.ChatID != "100" || reply.Text != "Stand-up in 5 minutes" {
		t.Errorf("delivered = %+v", reply)
	}
}

func TestGateway_RunShutsDownOnSignal(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	g, _ := newTestGateway(t, Options{SignalChan: sigCh})

	done := make(chan error, 1)
	go func() {
		done <- g.Run(context.Background())
	}()

	// Give Run a moment to start its loops, then signal.
	time.Sleep(50 * time.Millisecond)
	sigCh <- syscall.SIGTERM

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not shut down after signal")
	}
}
