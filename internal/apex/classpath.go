package apex

import (
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
)

// DeriveFunc produces the raw classpath export lines. The production
// implementation runs the derive_classpath host executable; tests inject
// a canned string.
type DeriveFunc func() (string, error)

// DeriveClasspathCommand returns a DeriveFunc that runs the given
// executable and captures its stdout. The executable writes its exports
// to the output target named by its single argument; pointing it at
// stdout keeps the exchange in-process.
func DeriveClasspathCommand(bin string) DeriveFunc {
	return func() (string, error) {
		out, err := exec.Command(bin, "/proc/self/fd/1").Output()
		if err != nil {
			return "", fmt.Errorf("run %s: %w", bin, err)
		}
		return string(out), nil
	}
}

// Each line should be "export <var name> <paths>" where <paths> is a
// colon-separated list of JAR paths.
var classpathLine = regexp.MustCompile(`^export [^ ]+ ([^ ]+)$`)

// NamesInClasspath extracts the set of APEX module names whose paths
// appear in classpath export lines. Only paths of the form
// /apex/<module>/... count. A line that does not match the expected
// shape is logged and skipped; it never fails the parse.
func NamesInClasspath(vars string, logger *slog.Logger) map[string]struct{} {
	apexes := make(map[string]struct{})

	for _, line := range strings.Split(vars, "\n") {
		if line == "" {
			continue
		}
		m := classpathLine.FindStringSubmatch(line)
		if m == nil {
			logger.Warn("malformed line from derive_classpath", "line", line)
			continue
		}
		for _, path := range strings.Split(m[1], ":") {
			rest, ok := strings.CutPrefix(path, "/apex/")
			if !ok {
				continue
			}
			name, _, ok := strings.Cut(rest, "/")
			if !ok {
				continue
			}
			apexes[name] = struct{}{}
		}
	}

	return apexes
}
