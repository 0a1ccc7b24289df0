package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/moltbunker/escrowd/pkg/types"
)

func TestSetAndGetLogger(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	var buf bytes.Buffer
	customLogger := slog.New(slog.NewJSONHandler(&buf, nil))

	SetLogger(customLogger)

	if Logger() != customLogger {
		t.Error("Logger() did not return the logger set by SetLogger()")
	}
}

func TestSetOutput(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	var buf bytes.Buffer
	SetOutput(&buf)

	Debug("should not appear")
	if buf.Len() > 0 {
		t.Error("Debug messages should not appear at Info level")
	}

	Info("deposit received", "service_id", 7)

	output := buf.String()
	if !strings.Contains(output, "deposit received") {
		t.Errorf("expected output to contain message, got: %s", output)
	}
	if !strings.Contains(output, `"service_id"`) {
		t.Errorf("expected output to contain key, got: %s", output)
	}
}

func TestSetup(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	tests := []struct {
		name      string
		level     string
		format    string
		wantErr   bool
		wantDebug bool
		wantText  bool
	}{
		{"json info", "info", "json", false, false, false},
		{"text debug", "debug", "text", false, true, true},
		{"defaults", "", "", false, false, false},
		{"bad level", "loud", "json", true, false, false},
		{"bad format", "info", "xml", true, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := Setup(&buf, tt.level, tt.format)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Setup failed: %v", err)
			}

			Debug("debug line")
			if got := strings.Contains(buf.String(), "debug line"); got != tt.wantDebug {
				t.Errorf("debug visible = %v, want %v", got, tt.wantDebug)
			}
			buf.Reset()
			Info("info line")
			isJSON := strings.HasPrefix(strings.TrimSpace(buf.String()), "{")
			if isJSON == tt.wantText {
				t.Errorf("unexpected format, output: %s", buf.String())
			}
		})
	}
}

func TestSetupRedacts(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	var buf bytes.Buffer
	if err := Setup(&buf, "info", "json"); err != nil {
		t.Fatal(err)
	}
	Info("wallet unlocked", "password", "hunter2")
	if strings.Contains(buf.String(), "hunter2") {
		t.Errorf("password leaked: %s", buf.String())
	}
}

func TestLogLevels(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	var buf bytes.Buffer
	SetTextOutput(&buf)

	tests := []struct {
		name    string
		logFunc func(string, ...any)
		level   string
	}{
		{"Debug", Debug, "DEBUG"},
		{"Info", Info, "INFO"},
		{"Warn", Warn, "WARN"},
		{"Error", Error, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.logFunc(tt.name+" test message", "key", "val")
			output := buf.String()
			if !strings.Contains(output, tt.name+" test message") {
				t.Errorf("expected output to contain message, got: %s", output)
			}
			if !strings.Contains(output, tt.level) {
				t.Errorf("expected output to contain level %s, got: %s", tt.level, output)
			}
		})
	}
}

func TestLogWithContext(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	var buf bytes.Buffer
	SetTextOutput(&buf)

	ctx := context.Background()

	tests := []struct {
		name    string
		logFunc func(context.Context, string, ...any)
	}{
		{"DebugContext", DebugContext},
		{"InfoContext", InfoContext},
		{"WarnContext", WarnContext},
		{"ErrorContext", ErrorContext},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.logFunc(ctx, tt.name+" context message")
			if !strings.Contains(buf.String(), tt.name+" context message") {
				t.Errorf("expected output to contain message, got: %s", buf.String())
			}
		})
	}
}

func TestWith(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	var buf bytes.Buffer
	SetTextOutput(&buf)

	logger := With(Component("settlement"))
	logger.Info("with context")
	if !strings.Contains(buf.String(), "component=settlement") {
		t.Errorf("expected component attribute, got: %s", buf.String())
	}
}

func TestFieldHelpers(t *testing.T) {
	token := common.HexToAddress("0x2222222222222222222222222222222222222222")

	tests := []struct {
		attr     slog.Attr
		key      string
		expected string
	}{
		{ServiceID(7), "service_id", "7"},
		{RecordID(42), "record_id", "42"},
		{Asset(types.NativeAsset), "asset", "native"},
		{Asset(token), "asset", token.Hex()},
		{Address("payer", token), "payer", token.Hex()},
		{Amount("principal", uint256.NewInt(1000)), "principal", "1000"},
		{Amount("fee", nil), "fee", "0"},
		{Operation("deposit"), "operation", "deposit"},
		{Component("api"), "component", "api"},
	}

	for _, tt := range tests {
		if tt.attr.Key != tt.key {
			t.Errorf("expected key %q, got %q", tt.key, tt.attr.Key)
		}
		if tt.attr.Value.String() != tt.expected {
			t.Errorf("%s: expected %q, got %q", tt.key, tt.expected, tt.attr.Value.String())
		}
	}
}

func TestErrAttr(t *testing.T) {
	t.Run("with error", func(t *testing.T) {
		attr := Err(errors.New("something failed"))
		if attr.Key != "error" || attr.Value.String() != "something failed" {
			t.Errorf("unexpected attr %v", attr)
		}
	})

	t.Run("with nil error", func(t *testing.T) {
		attr := Err(nil)
		if attr.Value.String() != "" {
			t.Errorf("expected empty string for nil error, got %s", attr.Value.String())
		}
	})
}

func TestAudit(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	var buf bytes.Buffer
	SetOutput(&buf)

	Audit(AuditEvent{
		Operation: "beneficiary_withdraw",
		Actor:     "0xmanager",
		Target:    "service:1",
		Result:    "success",
		Details:   "amount=1000",
	})

	output := buf.String()
	for _, want := range []string{`"audit":true`, "beneficiary_withdraw", "service:1", "amount=1000"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in audit output: %s", want, output)
		}
	}
}

func TestConcurrentLogging(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	var buf bytes.Buffer
	SetOutput(&buf)

	done := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func(n int) {
			Info("concurrent message", "goroutine", n)
			done <- true
		}(i)
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	if buf.Len() == 0 {
		t.Error("expected some log output from concurrent logging")
	}
}
