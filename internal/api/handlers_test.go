package api

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"funding-arb/internal/config"
	"funding-arb/pkg/types"
)

func TestIsOriginAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		origin  string
		cfg     config.DashboardConfig
		reqHost string
		want    bool
	}{
		{
			name:    "empty origin is allowed",
			origin:  "",
			cfg:     config.DashboardConfig{},
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "localhost origin allowed by default",
			origin:  "http://localhost:8080",
			cfg:     config.DashboardConfig{},
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "non-local origin denied by default",
			origin:  "https://evil.example",
			cfg:     config.DashboardConfig{},
			reqHost: "localhost:8080",
			want:    false,
		},
		{
			name:    "allowlist permits exact origin",
			origin:  "https://dash.example.com",
			cfg:     config.DashboardConfig{AllowedOrigins: []string{"https://dash.example.com"}},
			reqHost: "0.0.0.0:8080",
			want:    true,
		},
		{
			name:    "allowlist denies everything else",
			origin:  "https://evil.example",
			cfg:     config.DashboardConfig{AllowedOrigins: []string{"https://dash.example.com"}},
			reqHost: "0.0.0.0:8080",
			want:    false,
		},
		{
			name:    "same host allowed when no allowlist",
			origin:  "https://arb.internal:8080",
			cfg:     config.DashboardConfig{},
			reqHost: "arb.internal:8080",
			want:    true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := isOriginAllowed(tt.origin, tt.cfg, tt.reqHost); got != tt.want {
				t.Fatalf("isOriginAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

type fakeSource struct{}

func (fakeSource) Session() types.Session {
	return types.Session{ID: "sess-1", Health: types.HealthRunning, Stage: types.StageIdle}
}
func (fakeSource) DashboardPositions() []*types.Position { return nil }
func (fakeSource) TotalFundingUSD() float64              { return 0 }

type fakeCommander struct {
	paused   bool
	resumed  bool
	closed   []string
	closeErr error
}

func (f *fakeCommander) Pause()  { f.paused = true }
func (f *fakeCommander) Resume() { f.resumed = true }
func (f *fakeCommander) RequestClose(id string) error {
	if f.closeErr != nil {
		return f.closeErr
	}
	f.closed = append(f.closed, id)
	return nil
}

func testServer(cmd *fakeCommander) *Server {
	cfg := config.Config{Dashboard: config.DashboardConfig{Port: 0}}
	return NewServer(cfg, fakeSource{}, cmd, nil, "sess-1", slog.Default())
}

func TestCommandRouting(t *testing.T) {
	t.Parallel()

	cmd := &fakeCommander{}
	s := testServer(cmd)

	if r := s.hub.HandleCommand(Command{Type: "ping"}); !r.OK || r.Message != "pong" {
		t.Errorf("ping reply = %+v", r)
	}
	if r := s.hub.HandleCommand(Command{Type: "pause_strategy"}); !r.OK || !cmd.paused {
		t.Errorf("pause reply = %+v, paused = %v", r, cmd.paused)
	}
	if r := s.hub.HandleCommand(Command{Type: "resume_strategy"}); !r.OK || !cmd.resumed {
		t.Errorf("resume reply = %+v, resumed = %v", r, cmd.resumed)
	}
	if r := s.hub.HandleCommand(Command{Type: "close_position", PositionID: "pos-7"}); !r.OK {
		t.Errorf("close reply = %+v", r)
	}
	if len(cmd.closed) != 1 || cmd.closed[0] != "pos-7" {
		t.Errorf("closed = %v, want [pos-7]", cmd.closed)
	}
}

func TestCommandErrors(t *testing.T) {
	t.Parallel()

	cmd := &fakeCommander{closeErr: errors.New("position not found")}
	s := testServer(cmd)

	if r := s.hub.HandleCommand(Command{Type: "close_position"}); r.OK || r.Error == "" {
		t.Errorf("missing position_id should fail, got %+v", r)
	}
	if r := s.hub.HandleCommand(Command{Type: "close_position", PositionID: "nope"}); r.OK || r.Error != "position not found" {
		t.Errorf("close error should propagate, got %+v", r)
	}
	if r := s.hub.HandleCommand(Command{Type: "self_destruct"}); r.OK {
		t.Errorf("unknown command should fail, got %+v", r)
	}
}

func TestBuildSnapshotPortfolio(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Strategy: config.StrategyConfig{
			MaxTotalExposureUSD: 10000,
			CycleInterval:       time.Minute,
		},
	}
	snap := BuildSnapshot(fakeSource{}, cfg)
	if snap.Session.ID != "sess-1" {
		t.Errorf("session id = %q", snap.Session.ID)
	}
	if snap.Portfolio.MaxExposureUSD != 10000 || snap.Portfolio.OpenPositions != 0 {
		t.Errorf("portfolio = %+v", snap.Portfolio)
	}
}
