package fsm

import "encoding/json"

// HandoffRequest is the FSM input: an operation that must run from inside the
// recovery environment on next boot.
type HandoffRequest struct {
	OperationID string
	Kind        string

	// EnvironmentImage is the local recovery environment WIM.
	EnvironmentImage string
	// SDIPath is the ramdisk template to stage next to the image. Optional.
	SDIPath string
	// StagingDir receives the image, the ramdisk template and the request file.
	StagingDir string

	UEFI       bool
	AutoReboot bool

	// Operation is the serialized request the environment executes.
	Operation json.RawMessage
}

// HandoffResponse is the FSM output (accumulated across transitions)
type HandoffResponse struct {
	// From Stage
	StagedImage string
	StagedSDI   string
	StagedBytes int64

	// From WriteRequest
	RequestFile string

	// From ConfigureBoot
	BootEntryID string

	// From Complete/Failed
	Status       string
	ErrorMessage string
}

// HandoffFile is what the recovery environment reads on boot.
type HandoffFile struct {
	OperationID string          `json:"operation_id"`
	Kind        string          `json:"kind"`
	CreatedAt   string          `json:"created_at"`
	Operation   json.RawMessage `json:"operation"`
}

// RequestFileName is written into the staging directory.
const RequestFileName = "handoff.json"

// State names
const (
	StateStage         = "stage"
	StateWriteRequest  = "write_request"
	StateConfigureBoot = "configure_boot"
	StateComplete      = "complete"
	StateFailed        = "failed"
)

// Status values
const (
	StatusStaged   = "staged"
	StatusComplete = "complete"
)
