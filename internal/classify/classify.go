// Package classify turns a Task's raw log and report artifacts into a
// terminal or retry status (spec §4.4), grounded on the teacher's
// reconciler-style "inspect observed state, decide next status" functions in
// pkg/reconciler.
package classify

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"

	"github.com/fgouget/wine-tools-sub001/internal/types"
)

// LogOutcome is the result of parsing a Task.log final status line.
type LogOutcome struct {
	Status types.TaskStatus
	Retry  bool
	// Definitive is true when the log line overrides any prior transport
	// error, because the build script itself reported a result ("ok" wins
	// over a flaky agent channel, §4.4).
	Definitive bool
}

// ClassifyLog parses a build-style Task.log final line. isBuildStep controls
// the "missing final line" fallback, since suite steps have no such line by
// design.
func ClassifyLog(log []byte, isBuildStep bool) LogOutcome {
	line := lastNonEmptyLine(log)

	switch {
	case line == "ok":
		return LogOutcome{Status: types.TaskCompleted, Definitive: true}
	case line == "badpatch":
		return LogOutcome{Status: types.TaskBadPatch, Definitive: true}
	case strings.HasPrefix(line, "nolog:"):
		return LogOutcome{Status: types.TaskBotError, Retry: true, Definitive: true}
	case isBuildStep:
		return LogOutcome{Status: types.TaskBadBuild, Definitive: true}
	default:
		// Suite steps have no build-style result line; caller keeps
		// whatever classification the report parse or transport state
		// already produced.
		return LogOutcome{Definitive: false}
	}
}

func lastNonEmptyLine(data []byte) string {
	lines := bytes.Split(bytes.TrimRight(data, "\n"), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(string(lines[i]))
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// UnitResult is one <unit>:<test> start/done block from a *.report file.
type UnitResult struct {
	Unit        string
	Test        string
	ExitCode    int
	Failures    int
	Todos       int
	Skipped     int
	Total       int
	Crashed     bool // a "start" with no matching "done"
	TimedOut    bool
	FileLimited bool
}

// Report is the parsed outcome of one *.report artifact.
type Report struct {
	Units       []UnitResult
	Truncated   bool // file-limit truncation: treated as "failed filelimit"
	TimedOut    bool
	TotalFailed int
}

// HasFailures reports whether any unit in the report failed, crashed, timed
// out, or was truncated.
func (r Report) HasFailures() bool {
	if r.Truncated || r.TimedOut {
		return true
	}
	for _, u := range r.Units {
		if u.Crashed || u.TimedOut || u.FileLimited || u.Failures > 0 {
			return true
		}
	}
	return false
}

// ParseReport parses a *.report file. maxBytes enforces the same file-size
// ceiling as the agent-side writer (Config.MaxReportFileBytes); a report at
// or over that size is reported as Truncated without attempting to parse
// its tail, matching the "failed filelimit" outcome of §4.4.
func ParseReport(data []byte, maxBytes int) Report {
	if maxBytes > 0 && len(data) >= maxBytes {
		return Report{Truncated: true}
	}

	var report Report
	var cur *UnitResult

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.Contains(line, " start "):
			if cur != nil {
				cur.Crashed = true
				report.Units = append(report.Units, *cur)
			}
			unit, test := splitUnitTest(line, " start ")
			cur = &UnitResult{Unit: unit, Test: test}
		case strings.Contains(line, " done ("):
			if cur == nil {
				continue
			}
			cur.ExitCode = parseRC(line)
			report.Units = append(report.Units, *cur)
			cur = nil
		case strings.Contains(line, "timeout"):
			report.TimedOut = true
			if cur != nil {
				cur.TimedOut = true
			}
		case strings.HasPrefix(line, "Failures:"):
			if cur != nil {
				cur.Failures = parseCount(line, "Failures:")
			}
		case strings.HasPrefix(line, "Todos:"):
			if cur != nil {
				cur.Todos = parseCount(line, "Todos:")
			}
		case strings.HasPrefix(line, "Skipped:"):
			if cur != nil {
				cur.Skipped = parseCount(line, "Skipped:")
			}
		case strings.HasPrefix(line, "Tests:"):
			if cur != nil {
				cur.Total = parseCount(line, "Tests:")
			}
		}
	}
	if cur != nil {
		cur.Crashed = true
		report.Units = append(report.Units, *cur)
	}

	for _, u := range report.Units {
		report.TotalFailed += u.Failures
		if u.Crashed || u.TimedOut {
			report.TotalFailed++
		}
	}
	return report
}

func splitUnitTest(line, marker string) (unit, test string) {
	idx := strings.Index(line, marker)
	if idx < 0 {
		return "", ""
	}
	key := line[:idx]
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 {
		return key, ""
	}
	return parts[0], parts[1]
}

func parseRC(line string) int {
	open := strings.Index(line, "(")
	close := strings.Index(line, ")")
	if open < 0 || close < 0 || close < open {
		return 0
	}
	rc, _ := strconv.Atoi(strings.TrimSpace(line[open+1 : close]))
	return rc
}

func parseCount(line, prefix string) int {
	v := strings.TrimSpace(strings.TrimPrefix(line, prefix))
	n, _ := strconv.Atoi(v)
	return n
}
