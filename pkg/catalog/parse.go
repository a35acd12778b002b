// Package catalog parses the remote image, recovery-environment and software
// lists and fetches them in the background.
package catalog

import (
	"bufio"
	"encoding/json"
	"net/url"
	"path"
	"strings"

	"github.com/letrecovery/recoverykit/internal/logging"
)

var log = logging.L("catalog")

// DefaultEnvironmentFile names a recovery environment image whose URL has no usable last segment.
const DefaultEnvironmentFile = "pe.wim"

// SystemImage is an installable OS image offered for download.
type SystemImage struct {
	URL         string `json:"url"`
	DisplayName string `json:"display_name"`
	IsWin11     bool   `json:"is_win11"`
}

// Environment is a downloadable recovery environment image.
type Environment struct {
	URL         string `json:"url"`
	DisplayName string `json:"display_name"`
	Filename    string `json:"filename"`
}

// Software is an auxiliary tool offered for download.
type Software struct {
	Name           string `json:"name"`
	Description    string `json:"description"`
	UpdateDate     string `json:"update_date"`
	FileSize       string `json:"file_size"`
	IconURL        string `json:"icon_url,omitempty"`
	DownloadURL    string `json:"download_url"`
	DownloadURLx86 string `json:"download_url_x86,omitempty"`
	DownloadURLNT5 string `json:"download_url_nt5,omitempty"`
	Filename       string `json:"filename"`
}

// DownloadURLFor picks the build matching the machine: the NT5 build on legacy
// systems, the x86 build on 32-bit systems, the default otherwise. Missing
// variants fall back to the default URL.
func (s Software) DownloadURLFor(arch string, legacyNT5 bool) string {
	if legacyNT5 && s.DownloadURLNT5 != "" {
		return s.DownloadURLNT5
	}
	if (arch == "386" || arch == "x86") && s.DownloadURLx86 != "" {
		return s.DownloadURLx86
	}
	return s.DownloadURL
}

// records yields the trimmed comma-separated fields of every meaningful line.
func records(content string, fn func(fields []string)) {
	sc := bufio.NewScanner(strings.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ",")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		fn(fields)
	}
}

// ParseSystemList parses `url,name[,Win11|Win10]` lines. Lines with fewer than
// two fields or an empty URL are skipped. A present third field decides alone,
// even when empty; without it the name decides: anything mentioning "11" is
// treated as Windows 11.
func ParseSystemList(content string) []SystemImage {
	var out []SystemImage
	records(content, func(f []string) {
		if len(f) < 2 || f[0] == "" {
			log.Debug("system_entry_skipped", "fields", len(f))
			return
		}
		img := SystemImage{URL: f[0], DisplayName: f[1]}
		if len(f) >= 3 {
			img.IsWin11 = strings.EqualFold(f[2], "win11")
		} else {
			img.IsWin11 = strings.Contains(f[1], "11")
		}
		out = append(out, img)
	})
	return out
}

// ParseEnvironmentList parses `url,name[,filename]` lines.
func ParseEnvironmentList(content string) []Environment {
	var out []Environment
	records(content, func(f []string) {
		if len(f) < 2 || f[0] == "" {
			log.Debug("environment_entry_skipped", "fields", len(f))
			return
		}
		env := Environment{URL: f[0], DisplayName: f[1]}
		if len(f) >= 3 && f[2] != "" {
			env.Filename = f[2]
		} else {
			env.Filename = FilenameFromURL(f[0], DefaultEnvironmentFile)
		}
		out = append(out, env)
	})
	return out
}

// FilenameFromURL returns the last path segment of raw, or fallback.
func FilenameFromURL(raw, fallback string) string {
	p := raw
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		p = u.Path
	}
	base := path.Base(strings.TrimRight(p, "/"))
	if base == "" || base == "." || base == "/" || strings.Contains(base, ":") {
		return fallback
	}
	return base
}

// ParseSoftwareList decodes the software document one entry at a time so a
// malformed entry only loses itself. A document that is not JSON at all yields
// an empty list.
func ParseSoftwareList(content string) []Software {
	var doc struct {
		Software []json.RawMessage `json:"software"`
	}
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		log.Warn("software_list_parse_failed", "error", err)
		return nil
	}

	out := make([]Software, 0, len(doc.Software))
	for i, raw := range doc.Software {
		var s Software
		if err := json.Unmarshal(raw, &s); err != nil {
			log.Warn("software_entry_skipped", "index", i, "error", err)
			continue
		}
		if s.Name == "" || s.DownloadURL == "" || s.Filename == "" {
			log.Warn("software_entry_skipped", "index", i, "reason", "missing required field")
			continue
		}
		out = append(out, s)
	}
	return out
}
