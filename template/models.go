package template

import "time"

// Template is the control plane's view of one sandbox template.
type Template struct {
	TemplateID  string    `json:"templateID"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Aliases     []string  `json:"aliases"`
	Public      bool      `json:"public"`
	CPUCount    uint32    `json:"cpuCount"`
	MemoryMB    uint32    `json:"memoryMB"`
	DiskMB      uint32    `json:"diskMB"`
	BuildID     string    `json:"buildID"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// BuildStatus is the lifecycle state of a template build.
type BuildStatus string

const (
	BuildStatusWaiting  BuildStatus = "waiting"
	BuildStatusBuilding BuildStatus = "building"
	BuildStatusReady    BuildStatus = "ready"
	BuildStatusError    BuildStatus = "error"
)

// Build is one build of a template.
type Build struct {
	BuildID    string      `json:"buildID"`
	TemplateID string      `json:"templateID"`
	Status     BuildStatus `json:"status"`
	Logs       []BuildLog  `json:"logs"`
	StartedAt  time.Time   `json:"startedAt"`
	FinishedAt *time.Time  `json:"finishedAt"`
}

// BuildLog is one line of build output.
type BuildLog struct {
	Timestamp time.Time `json:"timestamp"`
	Line      string    `json:"line"`
}

type createRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Dockerfile  string `json:"dockerfile,omitempty"`
	StartCmd    string `json:"startCmd,omitempty"`
	CPUCount    uint32 `json:"cpuCount,omitempty"`
	MemoryMB    uint32 `json:"memoryMB,omitempty"`
	DiskMB      uint32 `json:"diskMB,omitempty"`
}
