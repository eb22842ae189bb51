package config

import (
	"testing"

	"go.uber.org/zap"
)

func TestNewLogger(t *testing.T) {
	for _, json := range []bool{true, false} {
		logger, err := NewLogger("warn", json)
		if err != nil {
			t.Fatalf("NewLogger(json=%t): %v", json, err)
		}
		if logger.Core().Enabled(zap.InfoLevel) {
			t.Error("info enabled at warn level")
		}
		if !logger.Core().Enabled(zap.ErrorLevel) {
			t.Error("error disabled at warn level")
		}
	}

	if _, err := NewLogger("loud", false); err == nil {
		t.Error("NewLogger accepted an unknown level")
	}
}
