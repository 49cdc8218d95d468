package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fgouget/wine-tools-sub001/internal/types"
)

func TestClassifyLogOk(t *testing.T) {
	out := ClassifyLog([]byte("compiling...\nok\n"), true)
	assert.Equal(t, types.TaskCompleted, out.Status)
	assert.True(t, out.Definitive)
}

func TestClassifyLogBadPatch(t *testing.T) {
	out := ClassifyLog([]byte("applying patch...\nbadpatch\n"), true)
	assert.Equal(t, types.TaskBadPatch, out.Status)
}

func TestClassifyLogNolog(t *testing.T) {
	out := ClassifyLog([]byte("nolog:agent disconnected mid-build"), true)
	assert.Equal(t, types.TaskBotError, out.Status)
	assert.True(t, out.Retry)
}

func TestClassifyLogMissingLineOnBuildStep(t *testing.T) {
	out := ClassifyLog([]byte("compiling...\nstill going\n"), true)
	assert.Equal(t, types.TaskBadBuild, out.Status)
}

func TestClassifyLogMissingLineOnSuiteStepIsNotDefinitive(t *testing.T) {
	out := ClassifyLog([]byte("running tests...\n"), false)
	assert.False(t, out.Definitive)
}

func TestParseReportCountsFailures(t *testing.T) {
	data := []byte(
		"kernel32:file start 1234\n" +
			"Tests: 12\n" +
			"Failures: 2\n" +
			"Todos: 1\n" +
			"Skipped: 0\n" +
			"kernel32:file done (0)\n",
	)
	report := ParseReport(data, 0)
	assert.Len(t, report.Units, 1)
	assert.Equal(t, 2, report.Units[0].Failures)
	assert.True(t, report.HasFailures())
}

func TestParseReportDetectsCrash(t *testing.T) {
	data := []byte("kernel32:file start 1234\nsome garbage, no done line\n")
	report := ParseReport(data, 0)
	assert.Len(t, report.Units, 1)
	assert.True(t, report.Units[0].Crashed)
	assert.True(t, report.HasFailures())
}

func TestParseReportFileLimitTruncation(t *testing.T) {
	report := ParseReport([]byte("anything"), 4)
	assert.True(t, report.Truncated)
	assert.True(t, report.HasFailures())
}

func TestParseReportClean(t *testing.T) {
	data := []byte(
		"kernel32:file start 1234\n" +
			"Tests: 5\nFailures: 0\nTodos: 0\nSkipped: 0\n" +
			"kernel32:file done (0)\n",
	)
	report := ParseReport(data, 0)
	assert.False(t, report.HasFailures())
}
