//go:build windows

package imaging

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/letrecovery/recoverykit/pkg/errors"
	"github.com/letrecovery/recoverykit/pkg/progress"
)

// DISM drives dism.exe.
type DISM struct {
	binary string
}

// NewService returns the DISM-backed imaging service.
func NewService() (Service, error) {
	return &DISM{binary: "dism.exe"}, nil
}

func root(partition string) string {
	return strings.TrimRight(partition, `\/`) + `\`
}

func (d *DISM) Inspect(ctx context.Context, path string) ([]Volume, error) {
	image, release, err := openImage(ctx, path)
	if err != nil {
		return nil, err
	}
	defer release()

	out, err := runTool(ctx, nil, d.binary, "/English", "/Get-ImageInfo", "/ImageFile:"+image)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read image info")
	}
	vols := ParseImageInfo(out)
	if len(vols) == 0 {
		return nil, fmt.Errorf("no installable images in %s", path)
	}
	return vols, nil
}

// openImage resolves path to a file DISM can read. ISOs are mounted and
// resolved to the install image inside; release detaches them again.
func openImage(ctx context.Context, path string) (string, func(), error) {
	if !IsISO(path) {
		return path, func() {}, nil
	}
	letter, err := mountISO(ctx, path)
	if err != nil {
		return "", nil, err
	}
	release := func() { dismountISO(path) }

	image, err := FindInstallImage(letter + `\`)
	if err != nil {
		release()
		return "", nil, err
	}
	return image, release, nil
}

func quotePS(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// mountISO attaches the ISO and returns its drive, e.g. "E:".
func mountISO(ctx context.Context, path string) (string, error) {
	script := fmt.Sprintf("(Mount-DiskImage -ImagePath %s -PassThru | Get-Volume).DriveLetter", quotePS(path))
	out, err := runTool(ctx, nil, "powershell.exe", "-NoProfile", "-Command", script)
	if err != nil {
		return "", errors.Wrap(err, "failed to mount iso")
	}
	letter, ok := ParseMountedLetter(out)
	if !ok {
		dismountISO(path)
		return "", fmt.Errorf("mounted %s but no drive letter was assigned", path)
	}
	return letter, nil
}

// dismountISO runs detached from the caller's context so a cancelled apply
// still releases the drive.
func dismountISO(path string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	script := "Dismount-DiskImage -ImagePath " + quotePS(path) + " | Out-Null"
	if _, err := runTool(ctx, nil, "powershell.exe", "-NoProfile", "-Command", script); err != nil {
		log.Warn("iso_dismount_failed", "path", path, "error", err)
	}
}

func (d *DISM) Apply(ctx context.Context, opts ApplyOptions, report progress.Reporter) error {
	image, release, err := openImage(ctx, opts.ImagePath)
	if err != nil {
		return err
	}
	defer release()

	_, err = runTool(ctx, report, d.binary, "/English", "/Apply-Image",
		"/ImageFile:"+image,
		fmt.Sprintf("/Index:%d", opts.VolumeIndex),
		"/ApplyDir:"+root(opts.TargetPartition))
	return err
}

func (d *DISM) Capture(ctx context.Context, opts CaptureOptions, report progress.Reporter) error {
	verb := "/Capture-Image"
	if opts.Append {
		verb = "/Append-Image"
	}
	args := []string{"/English", verb,
		"/ImageFile:" + opts.DestPath,
		"/CaptureDir:" + root(opts.SourcePartition),
		"/Name:" + opts.Name,
	}
	if opts.Description != "" {
		args = append(args, "/Description:"+opts.Description)
	}
	if !opts.Append {
		args = append(args, "/Compress:max")
	}
	_, err := runTool(ctx, report, d.binary, args...)
	return err
}

func (d *DISM) ExportDrivers(ctx context.Context, scope DriverScope, dest string) error {
	target := "/Online"
	if !scope.Online {
		target = "/Image:" + root(scope.WindowsRoot)
	}
	_, err := runTool(ctx, nil, d.binary, "/English", target, "/Export-Driver", "/Destination:"+dest)
	return err
}

func (d *DISM) AddDrivers(ctx context.Context, windowsRoot, dir string) error {
	_, err := runTool(ctx, nil, d.binary, "/English", "/Image:"+root(windowsRoot), "/Add-Driver", "/Driver:"+dir, "/Recurse")
	return err
}

func (d *DISM) ApplyUnattend(ctx context.Context, windowsRoot, path string) error {
	_, err := runTool(ctx, nil, d.binary, "/English", "/Image:"+root(windowsRoot), "/Apply-Unattend:"+path)
	return err
}

func (d *DISM) Format(ctx context.Context, partition, label string) error {
	args := []string{strings.TrimRight(partition, `\/`), "/FS:NTFS", "/Q", "/Y"}
	if label != "" {
		args = append(args, "/V:"+label)
	}
	_, err := runTool(ctx, nil, "format.com", args...)
	return err
}
