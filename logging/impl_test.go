package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
	"go.viam.com/test"
)

func TestObservedLevels(t *testing.T) {
	logger, logs := NewObservedTestLogger(t)
	logger.Debugw("debug", "k", 1)
	logger.Infof("info %d", 2)

	logger.SetLevel(WARN)
	logger.Info("dropped")
	logger.Warnw("solver failed", "status", "fail_safe")

	entries := logs.All()
	test.That(t, entries, test.ShouldHaveLength, 3)
	test.That(t, entries[0].Message, test.ShouldEqual, "debug")
	test.That(t, entries[0].ContextMap()["k"], test.ShouldEqual, int64(1))
	test.That(t, entries[1].Message, test.ShouldEqual, "info 2")
	test.That(t, entries[2].Level, test.ShouldEqual, zapcore.WarnLevel)
	test.That(t, entries[2].ContextMap()["status"], test.ShouldEqual, "fail_safe")
}

func TestSublogger(t *testing.T) {
	logger, logs := NewObservedTestLogger(t)
	sub := logger.Sublogger("mpc")
	subsub := sub.Sublogger("qp")

	subsub.Info("hello")
	test.That(t, logs.FilterLoggerName("mpc.qp").Len(), test.ShouldEqual, 1)

	// Level changes do not leak between parent and child.
	sub.SetLevel(ERROR)
	test.That(t, logger.GetLevel(), test.ShouldEqual, DEBUG)
	test.That(t, subsub.GetLevel(), test.ShouldEqual, DEBUG)
	sub.Warn("dropped")
	test.That(t, logs.FilterLoggerName("mpc").Len(), test.ShouldEqual, 0)
}

func TestLevelFromString(t *testing.T) {
	for _, tc := range []struct {
		in       string
		expected Level
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"Warn", WARN},
		{"warning", WARN},
		{"error", ERROR},
	} {
		level, err := LevelFromString(tc.in)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, level, test.ShouldEqual, tc.expected)
	}

	_, err := LevelFromString("loud")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "loud")
}

func TestBlankLogger(t *testing.T) {
	logger := NewBlankLogger("quiet")
	logger.Errorw("nothing to see", "a", 1)
	test.That(t, logger.Sync(), test.ShouldBeNil)
}
