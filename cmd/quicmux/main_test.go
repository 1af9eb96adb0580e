package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/postalsys/quicmux/internal/config"
	"github.com/postalsys/quicmux/internal/stats"
)

const testSecret = "000102030405060708090a0b0c0d0e0f000102030405060708090a0b0c0d0e0f"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := tokenCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestTokenIssueVerify(t *testing.T) {
	tok, err := execute(t, "issue", "--secret", testSecret, "--addr", "192.0.2.1:4433", "--odcid", "8394c8f03e515708")
	if err != nil {
		t.Fatalf("issue error = %v", err)
	}
	if tok == "" {
		t.Fatal("issue printed nothing")
	}

	out, err := execute(t, "verify", tok, "--secret", testSecret, "--addr", "192.0.2.1:4433")
	if err != nil {
		t.Fatalf("verify error = %v", err)
	}
	if !strings.Contains(out, "odcid=8394c8f03e515708") {
		t.Errorf("verify output = %q", out)
	}

	if _, err := execute(t, "verify", tok, "--secret", testSecret, "--addr", "192.0.2.2:4433"); err == nil {
		t.Error("verify for a different address should fail")
	}
}

func TestTokenBadFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing secret", []string{"issue", "--addr", "192.0.2.1:1", "--odcid", "01"}},
		{"bad addr", []string{"issue", "--secret", testSecret, "--addr", "nope", "--odcid", "01"}},
		{"bad odcid", []string{"issue", "--secret", testSecret, "--addr", "192.0.2.1:1", "--odcid", "zz"}},
		{"bad token", []string{"verify", "zz", "--secret", testSecret, "--addr", "192.0.2.1:1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := execute(t, tt.args...); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestPrintStats(t *testing.T) {
	var out bytes.Buffer
	printStats(&out, stats.Snapshot{
		CreatedAt:       time.Now(),
		PacketsReceived: 12345,
		BytesReceived:   3 << 20,
		RetriesSent:     2,
	})

	s := out.String()
	for _, want := range []string{"12,345 packets", "3.0 MiB", "Retries:     2"} {
		if !strings.Contains(s, want) {
			t.Errorf("output missing %q:\n%s", want, s)
		}
	}
}

func TestRun_ContextCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Socket.Address = "127.0.0.1:0"
	cfg.Log.Level = "error"

	ctx, cancel := context.WithCancel(context.Background())
	var out bytes.Buffer
	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx, cfg, &out) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run() did not return after cancel")
	}

	if !strings.Contains(out.String(), "Socket closed.") {
		t.Errorf("output missing close message:\n%s", out.String())
	}
}
