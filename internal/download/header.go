package download

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// HeaderSuffix names the response-header sidecar written next to a sink.
const HeaderSuffix = ".header"

// HeaderPath returns the sidecar path for a sink.
func HeaderPath(sinkPath string) string {
	return sinkPath + HeaderSuffix
}

// ParseContentLength extracts Content-Length from a header sidecar, parsed
// by line. Returns 0 when the file is absent, unparseable, or carries no
// usable length; callers treat that as "full download".
func ParseContentLength(headerPath string) int64 {
	f, err := os.Open(headerPath)
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err != nil || n < 0 {
				return 0
			}
			return n
		}
	}
	return 0
}
