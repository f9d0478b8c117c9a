package sandbox

import (
	"regexp"
	"strings"

	"booml/pkg/errors"
)

var (
	importStmtRe  = regexp.MustCompile(`(?m)^[ \t]*import[ \t]+([^\n;]+)`)
	fromImportRe  = regexp.MustCompile(`(?m)^[ \t]*from[ \t]+([A-Za-z_][\w.]*)[ \t]+import[ \t]+\(?([^\n;)]+)`)
	dunderImport  = regexp.MustCompile(`__import__\(\s*[rbuRBU]?['"]([\w.]+)['"]`)
	importModule  = regexp.MustCompile(`import_module\(\s*[rbuRBU]?['"]([\w.]+)['"]`)
	osCallRe      = regexp.MustCompile(`\bos\s*\.\s*(system|popen|open|exec\w*|spawn\w*|posix_spawn\w*|fork\w*)\s*\(`)
	rawSocketRe   = regexp.MustCompile(`\bSOCK_RAW\b|\bAF_PACKET\b`)
	introspectRe  = regexp.MustCompile(`\b(_getframe|_current_frames|f_globals|f_locals|f_back|tb_frame|gi_frame|cr_frame|ag_frame|__globals__|__closure__|__subclasses__)\b`)
	deniedOSNames = map[string]bool{"system": true, "popen": true, "open": true}
)

// CheckImports statically scans code for denied imports, process/syscall
// escapes and frame introspection. It returns a sandbox violation error for
// the first finding.
func (p *Policy) CheckImports(code string) error {
	withStrings, blanked := stripPython(code)

	for _, m := range importStmtRe.FindAllStringSubmatch(blanked, -1) {
		for _, part := range strings.Split(m[1], ",") {
			fields := strings.Fields(part)
			if len(fields) == 0 {
				continue
			}
			if err := p.checkModule(fields[0]); err != nil {
				return err
			}
		}
	}
	for _, m := range fromImportRe.FindAllStringSubmatch(blanked, -1) {
		if err := p.checkModule(m[1]); err != nil {
			return err
		}
		if rootModule(m[1]) == "os" {
			for _, name := range strings.Split(m[2], ",") {
				fields := strings.Fields(name)
				if len(fields) == 0 {
					continue
				}
				if deniedOSName(fields[0]) {
					return errors.Violation("use of os.%s is not allowed", fields[0])
				}
			}
		}
	}
	for _, re := range []*regexp.Regexp{dunderImport, importModule} {
		for _, m := range re.FindAllStringSubmatch(withStrings, -1) {
			if err := p.checkModule(m[1]); err != nil {
				return err
			}
		}
	}
	if m := osCallRe.FindStringSubmatch(blanked); m != nil {
		return errors.Violation("use of os.%s is not allowed", m[1])
	}
	if m := rawSocketRe.FindString(blanked); m != "" {
		return errors.Violation("raw sockets are not allowed (%s)", m)
	}
	if m := introspectRe.FindString(blanked); m != "" {
		return errors.Violation("use of %s is not allowed", m)
	}
	return nil
}

func (p *Policy) checkModule(name string) error {
	name = strings.TrimSpace(name)
	if name == "" || strings.HasPrefix(name, ".") {
		return nil
	}
	root := rootModule(name)
	if p.AllowedModules.Contains(root) {
		return nil
	}
	if p.DeniedImports.Contains(root) || p.DeniedImports.Contains(name) {
		return errors.Violation("import of module '%s' is not allowed", name)
	}
	return nil
}

func rootModule(name string) string {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return name
}

func deniedOSName(name string) bool {
	if deniedOSNames[name] {
		return true
	}
	for _, prefix := range []string{"exec", "spawn", "posix_spawn", "fork"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// stripPython removes comments from Python source. The first result keeps
// string literals intact; the second also blanks their contents so that
// text inside strings cannot match statement patterns.
func stripPython(src string) (string, string) {
	var keep, blank strings.Builder
	keep.Grow(len(src))
	blank.Grow(len(src))

	n := len(src)
	for i := 0; i < n; {
		c := src[i]
		switch {
		case c == '#':
			for i < n && src[i] != '\n' {
				i++
			}
		case c == '\'' || c == '"':
			quote := string(c)
			if i+2 < n && src[i+1] == c && src[i+2] == c {
				quote = strings.Repeat(string(c), 3)
			}
			start := i + len(quote)
			end := scanString(src, start, quote)
			body := src[start:end]
			closed := strings.HasSuffix(body, quote) && len(body) >= len(quote)
			if closed {
				body = body[:len(body)-len(quote)]
			}
			keep.WriteString(src[i:end])
			blank.WriteString(quote)
			for _, r := range body {
				if r == '\n' {
					blank.WriteByte('\n')
				} else {
					blank.WriteByte(' ')
				}
			}
			if closed {
				blank.WriteString(quote)
			}
			i = end
		default:
			keep.WriteByte(c)
			blank.WriteByte(c)
			i++
		}
	}
	return keep.String(), blank.String()
}

// scanString returns the index just past the closing quote, or len(src).
func scanString(src string, i int, quote string) int {
	single := len(quote) == 1
	for i < len(src) {
		switch {
		case src[i] == '\\':
			i += 2
		case single && src[i] == '\n':
			return i
		case strings.HasPrefix(src[i:], quote):
			return i + len(quote)
		default:
			i++
		}
	}
	return len(src)
}
