package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	logx "github.com/gitduk/nanoclaw/pkg/logx"
)

func TestParseResult(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		out     string
		want    Result
		wantErr bool
	}{
		{
			name: "plain result",
			out:  `{"status":"success","output":"done"}`,
			want: Result{Status: StatusSuccess, Output: "done"},
		},
		{
			name: "progress noise before result",
			out:  "thinking...\nstill thinking\n{\"status\":\"success\",\"newResumeToken\":\"t1\"}",
			want: Result{Status: StatusSuccess, NewResumeToken: "t1"},
		},
		{
			name: "last object wins",
			out:  "{\"status\":\"error\"}\n{\"status\":\"success\",\"output\":\"ok\"}",
			want: Result{Status: StatusSuccess, Output: "ok"},
		},
		{
			name: "missing status defaults to success",
			out:  `{"output":"x"}`,
			want: Result{Status: StatusSuccess, Output: "x"},
		},
		{name: "no json at all", out: "hello\nworld", wantErr: true},
		{name: "empty output", out: "", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseResult([]byte(tt.out))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseResult accepted %q", tt.out)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseResult: %v", err)
			}
			if got != tt.want {
				t.Fatalf("parseResult = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCLIRunnerRoundTrip(t *testing.T) {
	t.Parallel()
	// The fake engine echoes a result and proves env plumbing works.
	r := NewCLIRunner("sh", []string{"-c",
		`echo "log line"; echo "{\"status\":\"success\",\"output\":\"dir=$NANOCLAW_MAILBOX_DIR\"}"`,
	}, logx.Nop())

	dir := t.TempDir()
	res, err := r.Execute(context.Background(), Request{
		Prompt:     "hello",
		WorkingDir: dir,
		MailboxDir: dir + "/inbox",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("status = %q", res.Status)
	}
	if !strings.HasSuffix(res.Output, "/inbox") {
		t.Fatalf("output = %q, mailbox env not passed", res.Output)
	}
}

func TestCLIRunnerNonzeroExit(t *testing.T) {
	t.Parallel()
	r := NewCLIRunner("sh", []string{"-c", `echo "boom" >&2; exit 3`}, logx.Nop())

	res, err := r.Execute(context.Background(), Request{WorkingDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != StatusError {
		t.Fatalf("status = %q, want error", res.Status)
	}
	if !strings.Contains(res.Error, "boom") {
		t.Fatalf("error = %q, want stderr content", res.Error)
	}
}

func TestCLIRunnerHonorsCancellation(t *testing.T) {
	t.Parallel()
	r := NewCLIRunner("sh", []string{"-c", "sleep 30"}, logx.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Execute(ctx, Request{WorkingDir: t.TempDir()})
	if err == nil {
		t.Fatal("expected context error")
	}
	if took := time.Since(start); took > 5*time.Second {
		t.Fatalf("cancellation took %v", took)
	}
}
