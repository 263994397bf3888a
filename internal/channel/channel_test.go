package channel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/kestrelworks/donna/internal/bus"
	"github.com/kestrelworks/donna/internal/config"
)

func TestBaseChannel_Name(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch := NewBaseChannel("test", b, nil)
	if ch.Name() != "test" {
		t.Errorf("Name = %q, want test", ch.Name())
	}
}

func TestBaseChannel_IsAllowed_NoFilter(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch := NewBaseChannel("test", b, nil)
	if !ch.IsAllowed("anyone") {
		t.Error("should allow anyone when allowFrom is empty")
	}
}

func TestBaseChannel_IsAllowed_WithFilter(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch := NewBaseChannel("test", b, []string{"user1", "user2"})

	if !ch.IsAllowed("user1") {
		t.Error("should allow user1")
	}
	if !ch.IsAllowed("user2") {
		t.Error("should allow user2")
	}
	if ch.IsAllowed("user3") {
		t.Error("should reject user3")
	}
}

func newTestTelegramChannel(t *testing.T) (*TelegramChannel, *bus.MessageBus) {
	t.Helper()
	b := bus.NewMessageBus(10)
	ch, err := NewTelegramChannel(config.TelegramConfig{Token: "fake-token"}, t.TempDir(), b)
	if err != nil {
		t.Fatalf("NewTelegramChannel error: %v", err)
	}
	return ch, b
}

func TestNewTelegramChannel_NoToken(t *testing.T) {
	b := bus.NewMessageBus(10)
	_, err := NewTelegramChannel(config.TelegramConfig{}, t.TempDir(), b)
	if err == nil {
		t.Error("expected error for empty token")
	}
}

func TestNewTelegramChannel_Valid(t *testing.T) {
	ch, _ := newTestTelegramChannel(t)
	if ch.Name() != "telegram" {
		t.Errorf("Name = %q, want telegram", ch.Name())
	}
}

func TestTelegramChannel_Stop_NotStarted(t *testing.T) {
	ch, _ := newTestTelegramChannel(t)

	// Should not panic when stopping before starting
	if err := ch.Stop(); err != nil {
		t.Errorf("Stop error: %v", err)
	}
}

func TestTelegramChannel_Send_NilBot(t *testing.T) {
	ch, _ := newTestTelegramChannel(t)

	err := ch.Send(bus.OutboundMessage{ChatID: "123", Text: "test"})
	if err == nil {
		t.Error("expected error when bot is nil")
	}
}

func TestTelegramChannel_Send_InvalidChatID(t *testing.T) {
	ch, _ := newTestTelegramChannel(t)
	ch.SetBot(newMockBot())

	err := ch.Send(bus.OutboundMessage{ChatID: "not-a-number", Text: "test"})
	if err == nil {
		t.Error("expected error for invalid chat ID")
	}
}

func TestTelegramChannel_Send_ChunksLongMessages(t *testing.T) {
	ch, _ := newTestTelegramChannel(t)
	mockBot := newMockBot()
	ch.SetBot(mockBot)

	long := strings.Repeat("line of confirmation text\n", 300) // > 4000 chars
	if err := ch.Send(bus.OutboundMessage{ChatID: "456", Text: long}); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if len(mockBot.sentMsgs) < 2 {
		t.Errorf("sent %d messages, want at least 2 chunks", len(mockBot.sentMsgs))
	}
}

func TestTelegramChannel_HandleMessage_Allowed(t *testing.T) {
	ch, b := newTestTelegramChannel(t)

	msg := &tgbotapi.Message{
		From: &tgbotapi.User{ID: 123, UserName: "testuser"},
		Chat: &tgbotapi.Chat{ID: 456},
		Text: "buy milk",
		Date: 1234567890,
	}

	ch.handleMessage(msg)

	select {
	case inbound := <-b.Inbound:
		if inbound.Text != "buy milk" {
			t.Errorf("text = %q, want 'buy milk'", inbound.Text)
		}
		if inbound.SenderID != "123" {
			t.Errorf("senderID = %q, want 123", inbound.SenderID)
		}
		if inbound.ChatID != "456" {
			t.Errorf("chatID = %q, want 456", inbound.ChatID)
		}
	default:
		t.Error("expected inbound message")
	}
}

func TestTelegramChannel_HandleMessage_Rejected(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, _ := NewTelegramChannel(config.TelegramConfig{
		Token:     "fake-token",
		AllowFrom: []string{"999"},
	}, t.TempDir(), b)

	msg := &tgbotapi.Message{
		From: &tgbotapi.User{ID: 123, UserName: "testuser"},
		Chat: &tgbotapi.Chat{ID: 456},
		Text: "hello",
	}

	ch.handleMessage(msg)

	select {
	case <-b.Inbound:
		t.Error("should not receive message from rejected user")
	default:
	}
}

func TestTelegramChannel_HandleMessage_Empty(t *testing.T) {
	ch, b := newTestTelegramChannel(t)

	msg := &tgbotapi.Message{
		From: &tgbotapi.User{ID: 123},
		Chat: &tgbotapi.Chat{ID: 456},
		Text: "",
	}

	ch.handleMessage(msg)

	select {
	case <-b.Inbound:
		t.Error("should not forward a message with no text or media")
	default:
	}
}

func TestTelegramChannel_HandleMessage_Caption(t *testing.T) {
	ch, b := newTestTelegramChannel(t)

	msg := &tgbotapi.Message{
		From:    &tgbotapi.User{ID: 123},
		Chat:    &tgbotapi.Chat{ID: 456},
		Caption: "receipt from lunch",
	}

	ch.handleMessage(msg)

	select {
	case inbound := <-b.Inbound:
		if inbound.Text != "receipt from lunch" {
			t.Errorf("text = %q, want the caption", inbound.Text)
		}
	default:
		t.Error("expected inbound message")
	}
}

func TestTelegramChannel_HandleMessage_Photo(t *testing.T) {
	ch, b := newTestTelegramChannel(t)
	mockBot := newMockBot()
	mockBot.files["photo-large"] = tgbotapi.File{FileID: "photo-large", FilePath: "photos/large.jpg"}
	ch.SetBot(mockBot)

	photoData := []byte{0xff, 0xd8, 0xff, 0xd9}
	ch.httpClient = &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(bytes.NewReader(photoData)),
			Header:     make(http.Header),
		}, nil
	})}

	msg := &tgbotapi.Message{
		From:    &tgbotapi.User{ID: 123},
		Chat:    &tgbotapi.Chat{ID: 456},
		Caption: "photo caption",
		Photo: []tgbotapi.PhotoSize{
			{FileID: "photo-small"},
			{FileID: "photo-large"},
		},
	}

	ch.handleMessage(msg)

	select {
	case inbound := <-b.Inbound:
		if inbound.Text != "photo caption" {
			t.Errorf("text = %q, want 'photo caption'", inbound.Text)
		}
		if len(inbound.PhotoPaths) != 1 {
			t.Fatalf("photo paths len = %d, want 1", len(inbound.PhotoPaths))
		}
		data, err := os.ReadFile(inbound.PhotoPaths[0])
		if err != nil {
			t.Fatalf("read saved photo: %v", err)
		}
		if !bytes.Equal(data, photoData) {
			t.Error("saved photo data mismatch")
		}
	default:
		t.Error("expected inbound message")
	}
}

func TestTelegramChannel_HandleMessage_VoiceNote(t *testing.T) {
	ch, b := newTestTelegramChannel(t)
	mockBot := newMockBot()
	mockBot.files["voice-1"] = tgbotapi.File{FileID: "voice-1", FilePath: "voice/note.oga"}
	ch.SetBot(mockBot)

	voiceData := []byte("OggS fake voice data")
	ch.httpClient = &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(bytes.NewReader(voiceData)),
			Header:     make(http.Header),
		}, nil
	})}

	msg := &tgbotapi.Message{
		From:  &tgbotapi.User{ID: 123},
		Chat:  &tgbotapi.Chat{ID: 456},
		Voice: &tgbotapi.Voice{FileID: "voice-1", Duration: 3},
	}

	ch.handleMessage(msg)

	select {
	case inbound := <-b.Inbound:
		if inbound.Text != "" {
			t.Errorf("text = %q, want empty", inbound.Text)
		}
		if inbound.AudioPath == "" {
			t.Fatal("expected audio path")
		}
		if !strings.HasSuffix(inbound.AudioPath, ".oga") {
			t.Errorf("audio path = %q, want .oga suffix", inbound.AudioPath)
		}
		data, err := os.ReadFile(inbound.AudioPath)
		if err != nil {
			t.Fatalf("read saved voice note: %v", err)
		}
		if !bytes.Equal(data, voiceData) {
			t.Error("saved voice data mismatch")
		}
	default:
		t.Error("expected inbound message")
	}
}

func TestTelegramChannel_HandleMessage_VoiceDownloadFails(t *testing.T) {
	ch, b := newTestTelegramChannel(t)
	mockBot := newMockBot()
	mockBot.getFileErr = fmt.Errorf("file gone")
	ch.SetBot(mockBot)

	msg := &tgbotapi.Message{
		From:  &tgbotapi.User{ID: 123},
		Chat:  &tgbotapi.Chat{ID: 456},
		Text:  "with broken voice",
		Voice: &tgbotapi.Voice{FileID: "voice-gone"},
	}

	ch.handleMessage(msg)

	// Text still goes through even when the media download fails.
	select {
	case inbound := <-b.Inbound:
		if inbound.Text != "with broken voice" {
			t.Errorf("text = %q", inbound.Text)
		}
		if inbound.AudioPath != "" {
			t.Errorf("audio path = %q, want empty after failed download", inbound.AudioPath)
		}
	default:
		t.Error("expected inbound message")
	}
}

func TestChannelManager_Empty(t *testing.T) {
	b := bus.NewMessageBus(10)
	m, err := NewChannelManager(config.ChannelsConfig{}, t.TempDir(), b)
	if err != nil {
		t.Fatalf("NewChannelManager error: %v", err)
	}
	if len(m.EnabledChannels()) != 0 {
		t.Errorf("expected 0 enabled channels, got %d", len(m.EnabledChannels()))
	}
	if err := m.StartAll(context.Background()); err != nil {
		t.Errorf("StartAll error: %v", err)
	}
	if err := m.StopAll(); err != nil {
		t.Errorf("StopAll error: %v", err)
	}
}

// mockChannel implements Channel interface for testing
type mockChannel struct {
	name     string
	started  bool
	stopped  bool
	startErr error
	stopErr  error
	sentMsgs []bus.OutboundMessage
}

func (m *mockChannel) Name() string { return m.name }

func (m *mockChannel) Start(ctx context.Context) error {
	m.started = true
	return m.startErr
}

func (m *mockChannel) Stop() error {
	m.stopped = true
	return m.stopErr
}

func (m *mockChannel) Send(msg bus.OutboundMessage) error {
	m.sentMsgs = append(m.sentMsgs, msg)
	return nil
}

func TestChannelManager_WithMockChannel(t *testing.T) {
	b := bus.NewMessageBus(10)

	mock := &mockChannel{name: "mock"}
	m := &ChannelManager{
		channels: map[string]Channel{"mock": mock},
		bus:      b,
	}

	if err := m.StartAll(context.Background()); err != nil {
		t.Errorf("StartAll error: %v", err)
	}
	if !mock.started {
		t.Error("mock channel should be started")
	}

	channels := m.EnabledChannels()
	if len(channels) != 1 || channels[0] != "mock" {
		t.Errorf("EnabledChannels = %v, want [mock]", channels)
	}

	if err := m.StopAll(); err != nil {
		t.Errorf("StopAll error: %v", err)
	}
	if !mock.stopped {
		t.Error("mock channel should be stopped")
	}
}

func TestChannelManager_StartAll_Error(t *testing.T) {
	b := bus.NewMessageBus(10)

	mock := &mockChannel{name: "mock", startErr: fmt.Errorf("start failed")}
	m := &ChannelManager{
		channels: map[string]Channel{"mock": mock},
		bus:      b,
	}

	if err := m.StartAll(context.Background()); err == nil {
		t.Error("expected error from StartAll")
	}
}

func TestChannelManager_StopAll_Error(t *testing.T) {
	b := bus.NewMessageBus(10)

	mock := &mockChannel{name: "mock", stopErr: fmt.Errorf("stop failed")}
	m := &ChannelManager{
		channels: map[string]Channel{"mock": mock},
		bus:      b,
	}

	// Errors are logged, not returned
	if err := m.StopAll(); err != nil {
		t.Errorf("StopAll should not return error: %v", err)
	}
}

type roundTripFunc func(req *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// mockTelegramBot implements TelegramBot interface for testing
type mockTelegramBot struct {
	updatesChan chan tgbotapi.Update
	stopped     bool
	sentMsgs    []tgbotapi.Chattable
	sendErr     error
	getFileErr  error
	files       map[string]tgbotapi.File
	self        tgbotapi.User
}

func newMockBot() *mockTelegramBot {
	return &mockTelegramBot{
		updatesChan: make(chan tgbotapi.Update, 10),
		files:       make(map[string]tgbotapi.File),
		self:        tgbotapi.User{UserName: "testbot"},
	}
}

func (m *mockTelegramBot) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return m.updatesChan
}

func (m *mockTelegramBot) StopReceivingUpdates() {
	m.stopped = true
}

func (m *mockTelegramBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m.sentMsgs = append(m.sentMsgs, c)
	if m.sendErr != nil {
		return tgbotapi.Message{}, m.sendErr
	}
	return tgbotapi.Message{MessageID: 1}, nil
}

func (m *mockTelegramBot) GetSelf() tgbotapi.User {
	return m.self
}

func (m *mockTelegramBot) GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error) {
	if m.getFileErr != nil {
		return tgbotapi.File{}, m.getFileErr
	}
	file, ok := m.files[config.FileID]
	if !ok {
		return tgbotapi.File{}, fmt.Errorf("file %s not found", config.FileID)
	}
	return file, nil
}
