package validation

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestConfigValidator_Required(t *testing.T) {
	cv := NewConfigValidator("TestConfig")
	cv.Required("Name", "")

	if !cv.HasErrors() {
		t.Error("Expected error for empty required field")
	}

	cv2 := NewConfigValidator("TestConfig")
	cv2.Required("Name", "value")

	if cv2.HasErrors() {
		t.Error("Expected no error for non-empty required field")
	}
}

func TestConfigValidator_RangeInt(t *testing.T) {
	tests := []struct {
		name      string
		value     int
		expectErr bool
	}{
		{"below", 0, true},
		{"at min", 1, false},
		{"inside", 50, false},
		{"at max", 100, false},
		{"above", 101, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cv := NewConfigValidator("TestConfig")
			cv.RangeInt("Value", tt.value, 1, 100)
			if cv.HasErrors() != tt.expectErr {
				t.Errorf("RangeInt(%d) HasErrors = %v, want %v", tt.value, cv.HasErrors(), tt.expectErr)
			}
		})
	}
}

func TestConfigValidator_Minimums(t *testing.T) {
	cv := NewConfigValidator("ReplicationConfig")
	cv.MinInt("BacklogSize", 0, 16).
		MinInt64("OutputBufferLimit", -1, 0).
		MinDuration("Timeout", 10*time.Millisecond, time.Second).
		NonNegative("MinReplicasToWrite", -1).
		NonNegativeDuration("BacklogTTL", -time.Second)

	if got := len(cv.Errors()); got != 5 {
		t.Fatalf("Expected 5 errors, got %d: %v", got, cv.Errors())
	}
	if !strings.HasPrefix(cv.Errors()[0].Error(), "ReplicationConfig.BacklogSize:") {
		t.Errorf("unexpected error prefix: %v", cv.Errors()[0])
	}

	ok := NewConfigValidator("ReplicationConfig")
	ok.MinInt("BacklogSize", 16, 16).
		MinInt64("OutputBufferLimit", 0, 0).
		MinDuration("Timeout", time.Second, time.Second).
		NonNegative("MinReplicasToWrite", 0).
		NonNegativeDuration("BacklogTTL", 0)
	if ok.HasErrors() {
		t.Errorf("Expected no errors, got %v", ok.Errors())
	}
}

func TestConfigValidator_OneOf(t *testing.T) {
	cv := NewConfigValidator("LogConfig")
	cv.OneOf("Format", "xml", []string{"json", "console"})
	if !cv.HasErrors() {
		t.Error("Expected error for value outside allowed set")
	}

	cv2 := NewConfigValidator("LogConfig")
	cv2.OneOf("Format", "json", []string{"json", "console"})
	if cv2.HasErrors() {
		t.Error("Expected no error for allowed value")
	}
}

func TestConfigValidator_Custom(t *testing.T) {
	sentinel := errors.New("bad endpoint")
	cv := NewConfigValidator("TestConfig")
	cv.Custom("Master", func() error { return sentinel })

	if !errors.Is(cv.Validate(), sentinel) {
		t.Errorf("Validate() = %v, want wrapped sentinel", cv.Validate())
	}
}

func TestConfigValidator_When(t *testing.T) {
	cv := NewConfigValidator("TestConfig")
	cv.When(false, func(cv *ConfigValidator) {
		cv.Required("MasterHost", "")
	})
	if cv.HasErrors() {
		t.Error("Expected validations to be skipped when condition is false")
	}

	cv.When(true, func(cv *ConfigValidator) {
		cv.Required("MasterHost", "")
	})
	if !cv.HasErrors() {
		t.Error("Expected validations to run when condition is true")
	}
}

func TestConfigValidator_ValidateJoinsAllErrors(t *testing.T) {
	cv := NewConfigValidator("TestConfig")
	if err := cv.Validate(); err != nil {
		t.Errorf("Validate() on clean validator = %v, want nil", err)
	}

	cv.Required("A", "").Required("B", "")
	err := cv.Validate()
	if err == nil {
		t.Fatal("Expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "TestConfig.A") || !strings.Contains(msg, "TestConfig.B") {
		t.Errorf("Validate() = %q, want both field errors", msg)
	}
}

func TestDefaults(t *testing.T) {
	if got := DefaultOrInt(0, 5); got != 5 {
		t.Errorf("DefaultOrInt(0, 5) = %d", got)
	}
	if got := DefaultOrInt(3, 5); got != 3 {
		t.Errorf("DefaultOrInt(3, 5) = %d", got)
	}
	if got := DefaultOrInt64(-1, 7); got != 7 {
		t.Errorf("DefaultOrInt64(-1, 7) = %d", got)
	}
	if got := DefaultOrDuration(0, time.Second); got != time.Second {
		t.Errorf("DefaultOrDuration(0, 1s) = %v", got)
	}
	if got := DefaultOrString("", "x"); got != "x" {
		t.Errorf("DefaultOrString(\"\", x) = %q", got)
	}
}
