package orchestrator

import (
	"github.com/letrecovery/recoverykit/pkg/imaging"
)

type inspectResult struct {
	path    string
	volumes []imaging.Volume
	err     error
}

type inspection struct {
	path    string
	volumes []imaging.Volume
	err     string
	loading bool
	ch      chan inspectResult
}

// Inspection is the volume list of the selected source image.
type Inspection struct {
	Path    string
	Volumes []imaging.Volume
	Err     string
	Loading bool
}

// Inspect lists the volumes of path in the background. Selecting a different
// path discards the previous list. It returns false when path is already
// loaded or loading.
func (o *ImagingOrchestrator) Inspect(path string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if path == o.insp.path && (o.insp.loading || o.insp.err == "") && path != "" {
		return false
	}
	ch := make(chan inspectResult, 1)
	o.insp = inspection{path: path, loading: path != "", ch: ch}
	if path == "" {
		return false
	}

	go func() {
		vols, err := o.service.Inspect(o.ctx, path)
		ch <- inspectResult{path: path, volumes: vols, err: err}
	}()
	log.Info("image_inspection_started", "path", path)
	return true
}

func (o *ImagingOrchestrator) pollInspection() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.insp.loading {
		return
	}
	select {
	case res := <-o.insp.ch:
		o.insp.loading = false
		if res.err != nil {
			o.insp.err = res.err.Error()
			log.Warn("image_inspection_failed", "path", res.path, "error", res.err)
			return
		}
		o.insp.volumes = res.volumes
		log.Info("image_inspection_complete", "path", res.path, "volumes", len(res.volumes))
	default:
	}
}

// Inspection returns the current inspection state.
func (o *ImagingOrchestrator) Inspection() Inspection {
	o.mu.Lock()
	defer o.mu.Unlock()
	vols := make([]imaging.Volume, len(o.insp.volumes))
	copy(vols, o.insp.volumes)
	return Inspection{Path: o.insp.path, Volumes: vols, Err: o.insp.err, Loading: o.insp.loading}
}

// Volumes returns the inspected volumes of path, if path is the inspected
// source and inspection succeeded.
func (o *ImagingOrchestrator) Volumes(path string) ([]imaging.Volume, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if path == "" || path != o.insp.path || o.insp.loading || o.insp.err != "" {
		return nil, false
	}
	return o.insp.volumes, true
}

// Inspecting reports whether an inspection is in flight.
func (o *ImagingOrchestrator) Inspecting() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.insp.loading
}
