package transition

import "switchyard/pkg/workspace"

// Stage identifies where a transition currently is.
type Stage int

// Stages in pipeline order.
const (
	StageNone Stage = iota
	StageIntro
	StageUnloadPre
	StageUnloadMain
	StageUnloadPost
	StageLoadPre
	StageLoadMain
	StageLoadPost
	StageOutro
	StageTeardown
)

// StageCount is the number of progress-tracked stages, unload-pre through load-post.
const StageCount = 6

var stageNames = map[Stage]string{
	StageNone:       "none",
	StageIntro:      "intro",
	StageUnloadPre:  "unload-pre",
	StageUnloadMain: "unload-main",
	StageUnloadPost: "unload-post",
	StageLoadPre:    "load-pre",
	StageLoadMain:   "load-main",
	StageLoadPost:   "load-post",
	StageOutro:      "outro",
	StageTeardown:   "teardown",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "unknown"
}

// HandleIndex returns the stage's position among the progress-tracked
// stages, or -1 for intro, outro and the rest.
func (s Stage) HandleIndex() int {
	if s < StageUnloadPre || s > StageLoadPost {
		return -1
	}
	return int(s - StageUnloadPre)
}

// Status is either Idle or InFlight.
type Status interface {
	isStatus()
}

// Idle means no transition is running.
type Idle struct {
	Previous workspace.Descriptor
	Current  workspace.Descriptor
}

// InFlight describes the running transition. Current already equals Next
// once Activated is true.
type InFlight struct {
	ID        string
	Previous  workspace.Descriptor
	Current   workspace.Descriptor
	Next      workspace.Descriptor
	Stage     Stage
	Activated bool
}

func (Idle) isStatus() {}
func (InFlight) isStatus() {}
