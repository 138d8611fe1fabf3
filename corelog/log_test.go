package corelog

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewWritesUnstructuredOutputAtInfoLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(WithWriter(&buf), WithLevel(LevelInfo))
	log.Info("hello")
	assert.Contains(t, buf.String(), "hello")
}

func TestDebugIsSuppressedBelowConfiguredLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(WithWriter(&buf), WithLevel(LevelInfo))
	log.Debug("should not appear")
	assert.Empty(t, buf.String())
}

func TestJSONFormatProducesStructuredOutput(t *testing.T) {
	var buf bytes.Buffer
	log := New(WithWriter(&buf), WithFormat(FormatJSON), WithLevel(LevelInfo))
	log.Infof("count=%d", 3)
	assert.Contains(t, buf.String(), `"msg"`)
	assert.Contains(t, buf.String(), "count=3")
}

func TestChildLoggerCarriesSubsystemName(t *testing.T) {
	var buf bytes.Buffer
	log := New(WithWriter(&buf), WithLevel(LevelInfo))
	child := log.New("GOSSIP")
	child.Info("round started")
	assert.Contains(t, buf.String(), "GOSSIP")
	assert.Contains(t, buf.String(), "round started")
}

func TestDiscardLoggerNeverPanicsAndProducesNoOutput(t *testing.T) {
	assert.NotPanics(t, func() {
		DiscardLogger.Debug("x")
		DiscardLogger.Info("x")
		DiscardLogger.Warn("x")
		DiscardLogger.Error("x")
		DiscardLogger.Debugf("x")
		DiscardLogger.Infof("x")
		DiscardLogger.Warnf("x")
		DiscardLogger.Errorf("x")
		DiscardLogger.Warnln("x")
		_ = DiscardLogger.New("CHILD")
	})
}

func TestNewNoOpReturnsDiscardLogger(t *testing.T) {
	assert.Equal(t, DiscardLogger, NewNoOp())
}
