package log

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestLoggerLevels(t *testing.T) {
	type logTest struct {
		with       []interface{}
		level      int
		allowedLvl int
		msg        string
		out        []string
	}

	w := func(kv ...interface{}) []interface{} {
		return kv
	}
	o := func(outs ...string) []string {
		return outs
	}
	var tests = []logTest{
		{nil, InfoLevel, InfoLevel, "grouper", o("grouper")},
		{nil, DebugLevel, InfoLevel, "grouper", nil},
		{nil, ErrorLevel, DebugLevel, "grouper", o("grouper")},
		{nil, WarnLevel, ErrorLevel, "grouper", nil},
		{nil, WarnLevel, DebugLevel, "grouper", o("grouper")},
		{w("gateway", "!deadbeef"), WarnLevel, InfoLevel, "relay", o("gateway", "!deadbeef", "relay")},
	}

	for i, test := range tests {
		t.Logf(" -- test %d -- \n", i)

		var b bytes.Buffer
		writer := bufio.NewWriter(&b)
		syncer := zapcore.AddSync(writer)

		var logging func(...interface{})
		logger := New(syncer, test.allowedLvl, true)

		if test.with != nil {
			logger = logger.With(test.with...)
		}

		switch test.level {
		case InfoLevel:
			logging = logger.Info
		case DebugLevel:
			logging = logger.Debug
		case WarnLevel:
			logging = logger.Warn
		case ErrorLevel:
			logging = logger.Error
		case FatalLevel:
			logging = logger.Fatal
		case PanicLevel:
			logging = logger.Panic
		default:
			t.FailNow()
		}

		logging("msg=", test.msg)
		writer.Flush()

		if test.out != nil {
			requireContains(t, &b, test.out, true)
		} else {
			requireContains(t, &b, nil, false)
		}
	}
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, DebugLevel, ParseLevel("debug"))
	require.Equal(t, WarnLevel, ParseLevel("warning"))
	require.Equal(t, ErrorLevel, ParseLevel("ERROR"))
	require.Equal(t, InfoLevel, ParseLevel("info"))
	require.Equal(t, InfoLevel, ParseLevel("banana"))
}

func requireContains(t *testing.T, r io.Reader, outs []string, present bool) {
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	if !present {
		require.Equal(t, string(out), "")
		return
	}
	for _, o := range outs {
		require.Contains(t, string(out), o)
	}
}
