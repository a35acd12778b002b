package imaging

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/letrecovery/recoverykit/internal/logging"
	"github.com/letrecovery/recoverykit/pkg/progress"
)

var log = logging.L("imaging")

var percentRe = regexp.MustCompile(`(\d{1,3}(?:\.\d+)?)%`)

// ParseProgress extracts the percentage from a DISM progress bar line such as
// "[=====      10.0%        ]".
func ParseProgress(line string) (float64, bool) {
	m := percentRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil || v > 100 {
		return 0, false
	}
	return v, true
}

// ParseImageInfo reads `dism /Get-ImageInfo` output.
func ParseImageInfo(out string) []Volume {
	var vols []Volume
	var cur *Volume

	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		key, val, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		key, val = strings.TrimSpace(key), strings.TrimSpace(val)

		switch key {
		case "Index":
			n, err := strconv.Atoi(val)
			if err != nil {
				cur = nil
				continue
			}
			vols = append(vols, Volume{Index: n})
			cur = &vols[len(vols)-1]
		case "Name":
			if cur != nil {
				cur.Name = val
			}
		case "Description":
			if cur != nil {
				cur.Description = val
			}
		case "Size":
			if cur != nil {
				digits := strings.Map(func(r rune) rune {
					if r >= '0' && r <= '9' {
						return r
					}
					return -1
				}, val)
				cur.SizeBytes, _ = strconv.ParseUint(digits, 10, 64)
			}
		}
	}
	return vols
}

// installImageNames are the images a Windows ISO may carry, in lookup order.
var installImageNames = []string{"install.wim", "install.esd", "install.swm"}

// IsISO reports whether path names an optical disc image.
func IsISO(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".iso")
}

// ParseMountedLetter reads the drive letter printed after Mount-DiskImage.
func ParseMountedLetter(out string) (string, bool) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		c := line[0]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') {
			return strings.ToUpper(line[:1]) + ":", true
		}
	}
	return "", false
}

// FindInstallImage returns the install image under the sources directory of
// a mounted ISO root.
func FindInstallImage(root string) (string, error) {
	for _, name := range installImageNames {
		candidate := filepath.Join(root, "sources", name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no install image found under %s", root)
}

// scanLinesOrCR splits on \n and on the bare \r DISM uses to redraw its bar.
func scanLinesOrCR(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// runTool executes a servicing tool, forwarding every percentage it prints to
// report. On failure the error carries the tool's last output lines verbatim.
func runTool(ctx context.Context, report progress.Reporter, name string, args ...string) (string, error) {
	if report == nil {
		report = progress.Discard
	}
	log.Info("tool_started", "tool", name, "args", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		log.Error("tool_start_failed", "tool", name, "error", err)
		return "", fmt.Errorf("failed to start %s: %w", name, err)
	}

	var out strings.Builder
	last := -1.0
	sc := bufio.NewScanner(stdout)
	sc.Split(scanLinesOrCR)
	for sc.Scan() {
		line := sc.Text()
		if pct, ok := ParseProgress(line); ok {
			if pct > last {
				last = pct
				report(pct)
			}
			continue
		}
		if strings.TrimSpace(line) != "" {
			out.WriteString(line)
			out.WriteByte('\n')
		}
	}
	io.Copy(io.Discard, stdout)

	if err := cmd.Wait(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = tail(out.String(), 5)
		}
		log.Error("tool_failed", "tool", name, "error", err, "output", detail)
		return out.String(), fmt.Errorf("%s failed: %w: %s", name, err, detail)
	}
	log.Info("tool_complete", "tool", name)
	return out.String(), nil
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
