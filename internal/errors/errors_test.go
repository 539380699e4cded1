package errors

import (
	"bytes"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

func TestWrapPreservesCodeThroughFmtWrapping(t *testing.T) {
	cause := stdErrors.New("dial tcp: refused")
	err := fmt.Errorf("save session: %w", Wrap(CodeStorageFailure, cause, "写入会话失败"))

	if got := CodeOf(err); got != CodeStorageFailure {
		t.Fatalf("unexpected code: %s", got)
	}
	if !RetryableError(err) {
		t.Fatalf("storage failures should be retryable by default")
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable via errors.Is")
	}
	if !stdErrors.Is(err, New(CodeStorageFailure, "")) {
		t.Fatalf("expected code based equality")
	}
}

func TestOptionsOverrideRegistryDefaults(t *testing.T) {
	err := New(CodeTimeout, "", WithRetryable(false), WithSeverity(SeverityCritical), WithMetadata("tool", "tool_fmp_quote"))

	if err.Message() != "operation timed out" {
		t.Fatalf("expected registry message, got %q", err.Message())
	}
	if err.Retryable() {
		t.Fatalf("expected retryable override")
	}
	if err.Severity() != SeverityCritical {
		t.Fatalf("expected severity override, got %s", err.Severity())
	}
	if err.Metadata()["tool"] != "tool_fmp_quote" {
		t.Fatalf("metadata missing: %+v", err.Metadata())
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom", Severity: SeverityWarning, Alert: true})

	if !ShouldAlert(New(code, "")) {
		t.Fatalf("expected alert flag from registry")
	}
	if SeverityOf(stdErrors.New("plain")) != SeverityCritical {
		t.Fatalf("plain errors should map to UNKNOWN severity")
	}
	found := false
	for _, c := range Registered() {
		if c == code {
			found = true
		}
	}
	if !found {
		t.Fatalf("registered code not listed")
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[error]int{
		New(CodeNotFound, ""): 404,
		fmt.Errorf("wrapped: %w", New(CodeInvalidArgument, "")): 400,
		New(CodeStorageFailure, ""):                             500,
		stdErrors.New("plain"):                                  500,
	}
	for err, want := range cases {
		if got := HTTPStatusOf(err); got != want {
			t.Fatalf("%v: expected %d, got %d", err, want, got)
		}
	}
}

func TestLogValueGroupsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("失败", "error", Wrap(CodeUpstreamFailure, stdErrors.New("502"), "FMP 请求失败", WithMetadata("tool", "tool_fmp_quote")))

	out := buf.String()
	for _, want := range []string{"error.code=UPSTREAM_FAILURE", "error.cause=502", "error.tool=tool_fmp_quote", "error.severity=warning"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %s", want, out)
		}
	}
}
