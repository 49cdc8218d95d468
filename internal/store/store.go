// Package store is the Record Store (RS, spec §2.1/§3/§6): durable
// transactional storage for the scheduler's entities, with single-row
// optimistic "if current value equals X" updates and foreign-key cascade
// deletes. Grounded on the teacher's pkg/storage bucket-per-entity BoltDB
// wrapper, extended with CAS and cascading delete.
package store

import (
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fgouget/wine-tools-sub001/internal/types"
)

// ErrNotFound is returned by Get-style lookups that miss.
var ErrNotFound = errors.New("store: not found")

// ErrCASConflict names a compare-and-swap predicate mismatch. The Store CAS
// methods do not return it: they report a mismatch as (false, nil) and leave
// the row byte-for-byte unchanged.
var ErrCASConflict = errors.New("store: compare-and-swap conflict")

// Store is the interface every core component talks to RS through (§6).
type Store interface {
	// Jobs
	CreateJob(job *types.Job) error
	GetJob(id int64) (*types.Job, error)
	ListJobs() ([]*types.Job, error)
	SaveJob(job *types.Job) error
	DeleteJob(id int64) error // cascades Steps and Tasks

	// Steps
	CreateStep(step *types.Step) error
	GetStep(jobID int64, no int) (*types.Step, error)
	ListSteps(jobID int64) ([]*types.Step, error)

	// Tasks
	CreateTask(task *types.Task) error
	GetTask(key types.TaskKey) (*types.Task, error)
	ListTasks(jobID int64, stepNo int) ([]*types.Task, error)
	ListAllTasks() ([]*types.Task, error)
	SaveTask(task *types.Task) error
	CASTaskStatus(key types.TaskKey, from, to types.TaskStatus) (bool, error)

	// VMs
	CreateVM(vm *types.VM) error
	GetVM(name string) (*types.VM, error)
	ListVMs() ([]*types.VM, error)
	SaveVM(vm *types.VM) error
	DeleteVM(name string) error
	CASVMStatus(name string, from, to types.VMStatus) (bool, error)
	// CASVMOwner atomically reassigns ChildPid/ChildDeadline, requiring the
	// current ChildPid to equal expectedPid (nil means "must be unowned").
	CASVMOwner(name string, expectedPid *int32, newPid *int32, deadline *time.Time) (bool, error)

	// RecordGroups
	AppendRecordGroup(rg *types.RecordGroup) error
	ListRecordGroups() ([]*types.RecordGroup, error)
	DeleteRecordGroupsBefore(cutoff time.Time) (int, error)

	// Patches
	CreatePatch(p *types.Patch) error
	GetPatch(id int64) (*types.Patch, error)
	ListPatches() ([]*types.Patch, error)
	DeletePatch(id int64) error

	// Pending patch sets
	SavePendingPatchSet(s *types.PendingPatchSet) error
	GetPendingPatchSet(msgID string) (*types.PendingPatchSet, error)
	ListPendingPatchSets() ([]*types.PendingPatchSet, error)
	DeletePendingPatchSet(msgID string) error

	// Users / Sessions (minimal, for janitor cascade only, §4.6.5)
	ListUsers() ([]*types.User, error)
	DeleteUser(id string) error
	ListSessions() ([]*types.Session, error)
	DeleteSession(key string) error
	DeleteSessionsByUser(userID string) error

	// Transaction exposes a raw bbolt transaction for multi-row operations
	// that must be atomic (e.g. the janitor's bulk purges).
	Transaction(fn func(tx *bolt.Tx) error) error

	Close() error
}
