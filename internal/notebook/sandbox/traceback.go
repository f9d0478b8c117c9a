package sandbox

import (
	"fmt"
	"strings"
)

const (
	tracebackRule      = "---------------------------------------------------------------------------"
	tracebackTypeWidth = 41
	contextBefore      = 2
	contextAfter       = 1
)

// ExceptionInfo is what the bootstrap reports about an uncaught exception.
type ExceptionInfo struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Line    int    `json:"line"`
}

// FormatTraceback renders an exception in notebook style:
//
//	---------------------------------------------------------------------------
//	ZeroDivisionError                        Traceback (most recent call last)
//	<cell> in <cell line: 3>()
//	     2 b = 0
//	---> 3 c = a / b
//	     4 d = 3
//
//	ZeroDivisionError: division by zero
func FormatTraceback(exc ExceptionInfo, source, filename string) string {
	if filename == "" {
		filename = "<cell>"
	}
	excType := exc.Type
	if excType == "" {
		excType = "Exception"
	}

	var b strings.Builder
	b.WriteString(tracebackRule)
	b.WriteByte('\n')
	pad := tracebackTypeWidth - len(excType)
	if pad < 1 {
		pad = 1
	}
	b.WriteString(excType)
	b.WriteString(strings.Repeat(" ", pad))
	b.WriteString("Traceback (most recent call last)\n")

	lines := strings.Split(strings.ReplaceAll(source, "\r\n", "\n"), "\n")
	if exc.Line >= 1 && exc.Line <= len(lines) {
		fmt.Fprintf(&b, "%s in <cell line: %d>()\n", filename, exc.Line)
		first := max(1, exc.Line-contextBefore)
		last := min(len(lines), exc.Line+contextAfter)
		for n := first; n <= last; n++ {
			marker := "     "
			if n == exc.Line {
				marker = "---> "
			}
			fmt.Fprintf(&b, "%s%d %s\n", marker, n, lines[n-1])
		}
	} else {
		fmt.Fprintf(&b, "%s in <module>()\n", filename)
	}

	b.WriteByte('\n')
	if exc.Message != "" {
		fmt.Fprintf(&b, "%s: %s", excType, exc.Message)
	} else {
		b.WriteString(excType)
	}
	return b.String()
}
