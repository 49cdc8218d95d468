// Package types holds the scheduler's entity model (§3): Jobs, Steps, Tasks,
// VMs, RecordGroups and the peripheral Patch/User/Session rows the janitor
// needs to know about for cascading cleanup.
package types

import "time"

// JobStatus is the terminal/non-terminal state of a Job, derived from its Steps.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobBotError  JobStatus = "boterror"
	JobCanceled  JobStatus = "canceled"
)

// Terminal reports whether a JobStatus can no longer change on its own.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobBotError, JobCanceled:
		return true
	default:
		return false
	}
}

// Job is a unit of submitted work: a patch validation or a full-suite run.
type Job struct {
	ID        int64
	Priority  int // 1 = high, 9 = low
	Remarks   string
	User      string
	Patch     *int64 // references Patch.ID, nil for non-patch jobs (e.g. full suite)
	Submitted time.Time
	Ended     time.Time
	Status    JobStatus
	Archived  bool
}

// StepType distinguishes the four kinds of step a Job can contain.
type StepType string

const (
	StepBuild    StepType = "build"
	StepSuite    StepType = "suite"
	StepSingle   StepType = "single"
	StepReconfig StepType = "reconfig"
)

// StepFileType is the kind of input file a Step ships to its Tasks.
type StepFileType string

const (
	FileNone  StepFileType = "none"
	FileExe32 StepFileType = "exe32"
	FileExe64 StepFileType = "exe64"
	FilePatch StepFileType = "patch"
)

// Step is one stage of a Job; Steps chain via PreviousNo.
type Step struct {
	JobID                 int64
	No                    int
	PreviousNo            *int // nil if this Step has no predecessor in the Job
	Type                  StepType
	FileType              StepFileType
	FileName              string
	InStaging             bool
	DebugLevel            int
	ReportSuccessfulTests bool
}

// TaskStatus is the lifecycle state of a single Task execution.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskBadPatch  TaskStatus = "badpatch"
	TaskBadBuild  TaskStatus = "badbuild"
	TaskBotError  TaskStatus = "boterror"
	TaskCanceled  TaskStatus = "canceled"
)

// Terminal reports whether a TaskStatus will not change without external action.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskBadPatch, TaskBadBuild, TaskBotError, TaskCanceled:
		return true
	default:
		return false
	}
}

// Task is one VM-bound execution of a Step.
type Task struct {
	JobID        int64
	StepNo       int
	No           int
	VM           string
	CmdLineArg   string
	Timeout      time.Duration
	Status       TaskStatus
	TestFailures int // retry count while Status=queued; final failure count once Status=completed
	Started      time.Time
	Ended        time.Time
}

// TaskKey identifies a Task uniquely within the store.
type TaskKey struct {
	JobID  int64
	StepNo int
	No     int
}

func (t *Task) Key() TaskKey { return TaskKey{JobID: t.JobID, StepNo: t.StepNo, No: t.No} }

// VMType is the platform a VM provides.
type VMType string

const (
	VMBuild VMType = "build"
	VMWin32 VMType = "win32"
	VMWin64 VMType = "win64"
	VMWine  VMType = "wine"
)

// VMRole further qualifies a test VM's place in the fleet.
type VMRole string

const (
	RoleBase     VMRole = "base"
	RoleWinetest VMRole = "winetest"
	RoleRetired  VMRole = "retired"
	RoleDeleted  VMRole = "deleted"
	RoleExtra    VMRole = "extra"
)

// VMStatus is a node in the state machine described in spec §4.2.
type VMStatus string

const (
	VMDirty       VMStatus = "dirty"
	VMReverting   VMStatus = "reverting"
	VMSleeping    VMStatus = "sleeping"
	VMIdle        VMStatus = "idle"
	VMRunning     VMStatus = "running"
	VMOff         VMStatus = "off"
	VMOffline     VMStatus = "offline"
	VMMaintenance VMStatus = "maintenance"
)

// VM is a libvirt-managed guest the scheduler drives through VMStatus.
type VM struct {
	Name          string // unique
	Type          VMType
	Role          VMRole
	SortOrder     int
	IdleSnapshot  string
	Status        VMStatus
	ChildPid      *int32
	ChildDeadline *time.Time
	Errors        int // consecutive failure count
	Description   string
	Details       string
}

// RecordType classifies the free-form audit Records the scheduler appends.
type RecordType string

const (
	RecordEngine   RecordType = "engine"
	RecordTasks    RecordType = "tasks"
	RecordVMResult RecordType = "vmresult"
	RecordVMStatus RecordType = "vmstatus"
)

// Record is one (Type, Name, Value) audit entry inside a RecordGroup.
type Record struct {
	Type  RecordType
	Name  string
	Value string
}

// RecordGroup timestamps a batch of Records appended together by ED or a worker.
type RecordGroup struct {
	ID        string
	Timestamp time.Time
	Records   []Record
}

// PatchDisposition is the free-text outcome recorded against a Patch part.
type PatchDisposition string

// Patch is the minimal record of a candidate source patch; the mailing-list
// ingestion pipeline that produces these lives outside the core (§1).
// AuthorEmail and Subject are carried through from the ingested message so
// the notifier can thread a status reply without re-parsing mail it never
// stored.
type Patch struct {
	ID          int64
	MsgID       string
	AuthorEmail string
	Subject     string
	Received    time.Time
}

// PendingPatchSet groups the not-yet-complete parts of a multi-part patch
// series awaiting the remaining parts before it becomes Job-eligible.
type PendingPatchSet struct {
	MsgID    string
	Received time.Time
	Parts    map[int]*PendingPatchPart
}

// PendingPatchPart is one numbered part of a PendingPatchSet.
type PendingPatchPart struct {
	Index       int
	Disposition PatchDisposition
}

// UserStatus mirrors the out-of-scope user/session system's lifecycle enough
// for the janitor to cascade-delete sessions of deleted users (§2.8/§3).
type UserStatus string

const (
	UserActive   UserStatus = "active"
	UserDisabled UserStatus = "disabled"
	UserDeleted  UserStatus = "deleted"
)

// User is the minimal shape the core needs of the external user system.
type User struct {
	ID     string
	Status UserStatus
}

// Session is a live login bound to a User.
type Session struct {
	Key    string
	UserID string
}
