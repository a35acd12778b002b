package imaging

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const imageInfo = `
Deployment Image Servicing and Management tool
Version: 10.0.19041.844

Details for image : D:\sources\install.wim

Index : 1
Name : Windows 10 Home
Description : Windows 10 Home
Size : 15,145,951,077 bytes

Index : 6
Name : Windows 10 Pro
Description : Windows 10 Pro
Size : 15,395,536,325 bytes

The operation completed successfully.
`

func TestParseImageInfo(t *testing.T) {
	vols := ParseImageInfo(imageInfo)
	if len(vols) != 2 {
		t.Fatalf("expected 2 volumes, got %d", len(vols))
	}
	if vols[1].Index != 6 || vols[1].Name != "Windows 10 Pro" {
		t.Errorf("unexpected second volume: %+v", vols[1])
	}
	if vols[0].SizeBytes != 15145951077 {
		t.Errorf("size = %d", vols[0].SizeBytes)
	}
}

func TestParseImageInfoEmpty(t *testing.T) {
	if vols := ParseImageInfo("Error: 2\n\nThe system cannot find the file specified."); len(vols) != 0 {
		t.Errorf("expected none, got %+v", vols)
	}
}

func TestParseProgress(t *testing.T) {
	tests := []struct {
		line string
		want float64
		ok   bool
	}{
		{"[==========                 18.0%                          ]", 18, true},
		{"[==========================100.0%==========================]", 100, true},
		{"[=                          2.5%                           ]", 2.5, true},
		{"Applying image", 0, false},
		{"", 0, false},
		{"450%", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseProgress(tt.line)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseProgress(%q) = %v, %v; want %v, %v", tt.line, got, ok, tt.want, tt.ok)
		}
	}
}

func TestScanLinesOrCR(t *testing.T) {
	sc := bufio.NewScanner(strings.NewReader("a\r[ 10.0% ]\r[ 20.0% ]\ndone"))
	sc.Split(scanLinesOrCR)

	var got []string
	for sc.Scan() {
		got = append(got, sc.Text())
	}
	want := []string{"a", "[ 10.0% ]", "[ 20.0% ]", "done"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestIsISO(t *testing.T) {
	for path, want := range map[string]bool{
		`C:\dl\win11.iso`: true,
		`C:\dl\WIN10.ISO`: true,
		`D:\sources\install.wim`: false,
		"pe.wim.iso.part": false,
	} {
		if got := IsISO(path); got != want {
			t.Errorf("IsISO(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestParseMountedLetter(t *testing.T) {
	if got, ok := ParseMountedLetter("\r\ne\r\n"); !ok || got != "E:" {
		t.Errorf("ParseMountedLetter() = %q, %v", got, ok)
	}
	if _, ok := ParseMountedLetter("  \n"); ok {
		t.Error("expected no letter from empty output")
	}
}

func TestFindInstallImage(t *testing.T) {
	root := t.TempDir()
	if _, err := FindInstallImage(root); err == nil {
		t.Fatal("expected error without a sources directory")
	}

	sources := filepath.Join(root, "sources")
	if err := os.MkdirAll(sources, 0755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"install.esd", "install.swm"} {
		if err := os.WriteFile(filepath.Join(sources, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	got, err := FindInstallImage(root)
	if err != nil {
		t.Fatalf("FindInstallImage() error = %v", err)
	}
	if filepath.Base(got) != "install.esd" {
		t.Errorf("FindInstallImage() = %s, want install.esd before install.swm", got)
	}

	if err := os.WriteFile(filepath.Join(sources, "install.wim"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if got, _ := FindInstallImage(root); filepath.Base(got) != "install.wim" {
		t.Errorf("FindInstallImage() = %s, want install.wim first", got)
	}
}
