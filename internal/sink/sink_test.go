package sink

import (
	"path/filepath"
	"strings"
	"testing"

	"batchlog/internal/config"
	"batchlog/internal/sink/beats"
	"batchlog/internal/sink/console"
	"batchlog/internal/sink/store"
	"batchlog/internal/sink/telegram"
	"batchlog/internal/storage"
	"batchlog/pkg/logx"
)

func TestNew(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "s.jsonl")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	defer st.Close()

	tests := []struct {
		name    string
		dc      config.DestinationConfig
		deps    Deps
		check   func(Sink) bool
		wantErr string
	}{
		{"console", config.DestinationConfig{Type: config.SinkConsole}, Deps{}, func(s Sink) bool { _, ok := s.(*console.Sink); return ok }, ""},
		{"telegram", config.DestinationConfig{Type: config.SinkTelegram, Telegram: &config.TelegramSinkConfig{Token: "123:abc", ChatID: 5}}, Deps{},
			func(s Sink) bool { _, ok := s.(*telegram.Sink); return ok }, ""},
		{"telegram bad timeout", config.DestinationConfig{Type: config.SinkTelegram, Telegram: &config.TelegramSinkConfig{Token: "t", ChatID: 5, Timeout: "x"}}, Deps{}, nil, "telegram.timeout"},
		{"beats", config.DestinationConfig{Type: config.SinkBeats, Beats: &config.BeatsSinkConfig{Addr: "localhost:5044"}}, Deps{},
			func(s Sink) bool { _, ok := s.(*beats.Sink); return ok }, ""},
		{"store", config.DestinationConfig{Type: config.SinkStore}, Deps{Store: st}, func(s Sink) bool { _, ok := s.(*store.Sink); return ok }, ""},
		{"store without storage", config.DestinationConfig{Type: config.SinkStore}, Deps{}, nil, "requires storage"},
		{"unknown", config.DestinationConfig{Type: "pager"}, Deps{}, nil, "unknown sink"},
	}
	for _, tt := range tests {
		s, err := New("d", tt.dc, tt.deps)
		if tt.wantErr != "" {
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("%s: err = %v, want %q", tt.name, err, tt.wantErr)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if !tt.check(s) {
			t.Fatalf("%s: got %T", tt.name, s)
		}
		_ = s.Close()
	}
}
