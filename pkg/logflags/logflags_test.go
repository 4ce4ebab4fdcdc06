package logflags

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

type bufferWriter struct {
	bytes.Buffer
}

func (bw *bufferWriter) Close() error {
	return nil
}

func reset() {
	ptrace, breakpoints, wait, threadMgr, server = false, false, false, false, false
	logOut = nil
}

func TestMakeLogger_withFlagFalse(t *testing.T) {
	defer reset()
	actual := makeLogger(false, logrus.Fields{"foo": "bar"})
	if actual.Logger.Level != logrus.ErrorLevel {
		t.Fatalf("expected level to be <%v>; but was <%v>", logrus.ErrorLevel, actual.Logger.Level)
	}
	if len(actual.Data) != 1 || actual.Data["foo"] != "bar" {
		t.Fatalf("expected fields to be {'foo':'bar'}; but was <%v>", actual.Data)
	}
}

func TestMakeLogger_withFlagTrue(t *testing.T) {
	defer reset()
	actual := makeLogger(true, logrus.Fields{"foo": "bar"})
	if actual.Logger.Level != logrus.DebugLevel {
		t.Fatalf("expected level to be <%v>; but was <%v>", logrus.DebugLevel, actual.Logger.Level)
	}
}

func TestMakeLogger_usesLogOut(t *testing.T) {
	defer reset()
	bw := &bufferWriter{}
	logOut = bw
	makeLogger(true, logrus.Fields{"layer": "test"}).Debugf("hello %d", 42)
	out := bw.String()
	if !strings.Contains(out, "hello 42") || !strings.Contains(out, "layer=test") {
		t.Fatalf("unexpected log output %q", out)
	}
}

func TestSetup_withoutLogFlag(t *testing.T) {
	defer reset()
	if err := Setup(false, "", ""); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if err := Setup(false, "wait", ""); err != errLogstrWithoutLog {
		t.Fatalf("expected %v; but was %v", errLogstrWithoutLog, err)
	}
}

func TestSetup_layers(t *testing.T) {
	defer reset()
	if err := Setup(true, "ptrace,threadmgr", ""); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if !Ptrace() || !ThreadMgr() {
		t.Fatalf("expected ptrace and threadmgr to be enabled")
	}
	if Wait() || Breakpoints() || Server() {
		t.Fatalf("unexpected layer enabled")
	}
	if err := Setup(true, "bogus", ""); err == nil {
		t.Fatalf("expected error for unknown layer")
	}
}

func TestSetup_defaultLayer(t *testing.T) {
	defer reset()
	if err := Setup(true, "", ""); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if !Server() {
		t.Fatalf("expected server layer to be enabled by default")
	}
}
