package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fgouget/wine-tools-sub001/internal/types"
)

var (
	bucketJobs               = []byte("jobs")
	bucketSteps              = []byte("steps")
	bucketTasks              = []byte("tasks")
	bucketVMs                = []byte("vms")
	bucketRecordGroups       = []byte("record_groups")
	bucketPatches            = []byte("patches")
	bucketPendingPatchSets   = []byte("pending_patch_sets")
	bucketUsers              = []byte("users")
	bucketSessions           = []byte("sessions")
)

var allBuckets = [][]byte{
	bucketJobs, bucketSteps, bucketTasks, bucketVMs, bucketRecordGroups,
	bucketPatches, bucketPendingPatchSets, bucketUsers, bucketSessions,
}

// BoltStore implements Store using go.etcd.io/bbolt as a single-file,
// single-writer transactional KV store. One process-wide *bolt.DB file lock
// gives the "if current value equals X" CAS semantics §2.1 asks for without
// needing per-row application locks: CAS is just a read-check-write inside
// one db.Update.
type BoltStore struct {
	db *bolt.DB
}

// Open creates or opens the scheduler's BoltDB file under dataDir.
func Open(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "winetestbot.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) Transaction(fn func(tx *bolt.Tx) error) error {
	return s.db.Update(fn)
}

// --- Jobs ---

func jobKey(id int64) []byte { return []byte(fmt.Sprintf("%020d", id)) }

func (s *BoltStore) CreateJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		if job.ID == 0 {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			job.ID = int64(seq)
		}
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put(jobKey(job.ID), data)
	})
}

func (s *BoltStore) GetJob(id int64) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get(jobKey(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) ListJobs() ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) SaveJob(job *types.Job) error { return s.CreateJob(job) }

func (s *BoltStore) DeleteJob(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		steps := tx.Bucket(bucketSteps)
		tasks := tx.Bucket(bucketTasks)
		prefix := []byte(fmt.Sprintf("%020d/", id))

		c := tasks.Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			if err := tasks.Delete(k); err != nil {
				return err
			}
		}
		c = steps.Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			if err := steps.Delete(k); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketJobs).Delete(jobKey(id))
	})
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}

// --- Steps ---

func stepKey(jobID int64, no int) []byte {
	return []byte(fmt.Sprintf("%020d/%010d", jobID, no))
}

func (s *BoltStore) CreateStep(step *types.Step) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(step)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSteps).Put(stepKey(step.JobID, step.No), data)
	})
}

func (s *BoltStore) GetStep(jobID int64, no int) (*types.Step, error) {
	var step types.Step
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSteps).Get(stepKey(jobID, no))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &step)
	})
	if err != nil {
		return nil, err
	}
	return &step, nil
}

func (s *BoltStore) ListSteps(jobID int64) ([]*types.Step, error) {
	var steps []*types.Step
	prefix := []byte(fmt.Sprintf("%020d/", jobID))
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSteps).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var step types.Step
			if err := json.Unmarshal(v, &step); err != nil {
				return err
			}
			steps = append(steps, &step)
		}
		return nil
	})
	return steps, err
}

// --- Tasks ---

func taskKey(k types.TaskKey) []byte {
	return []byte(fmt.Sprintf("%020d/%010d/%010d", k.JobID, k.StepNo, k.No))
}

func (s *BoltStore) CreateTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTasks).Put(taskKey(task.Key()), data)
	})
}

func (s *BoltStore) GetTask(key types.TaskKey) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get(taskKey(key))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) ListTasks(jobID int64, stepNo int) ([]*types.Task, error) {
	var tasks []*types.Task
	prefix := []byte(fmt.Sprintf("%020d/%010d/", jobID, stepNo))
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTasks).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			tasks = append(tasks, &task)
		}
		return nil
	})
	return tasks, err
}

func (s *BoltStore) ListAllTasks() ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	return tasks, err
}

func (s *BoltStore) SaveTask(task *types.Task) error { return s.CreateTask(task) }

func (s *BoltStore) CASTaskStatus(key types.TaskKey, from, to types.TaskStatus) (bool, error) {
	swapped := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get(taskKey(key))
		if data == nil {
			return ErrNotFound
		}
		var task types.Task
		if err := json.Unmarshal(data, &task); err != nil {
			return err
		}
		if task.Status != from {
			return nil // leave swapped=false, row unchanged
		}
		task.Status = to
		out, err := json.Marshal(&task)
		if err != nil {
			return err
		}
		if err := b.Put(taskKey(key), out); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	return swapped, err
}

// --- VMs ---

func (s *BoltStore) CreateVM(vm *types.VM) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(vm)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketVMs).Put([]byte(vm.Name), data)
	})
}

func (s *BoltStore) GetVM(name string) (*types.VM, error) {
	var vm types.VM
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketVMs).Get([]byte(name))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &vm)
	})
	if err != nil {
		return nil, err
	}
	return &vm, nil
}

func (s *BoltStore) ListVMs() ([]*types.VM, error) {
	var vms []*types.VM
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVMs).ForEach(func(k, v []byte) error {
			var vm types.VM
			if err := json.Unmarshal(v, &vm); err != nil {
				return err
			}
			vms = append(vms, &vm)
			return nil
		})
	})
	return vms, err
}

func (s *BoltStore) SaveVM(vm *types.VM) error { return s.CreateVM(vm) }

func (s *BoltStore) DeleteVM(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVMs).Delete([]byte(name))
	})
}

func (s *BoltStore) CASVMStatus(name string, from, to types.VMStatus) (bool, error) {
	swapped := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVMs)
		data := b.Get([]byte(name))
		if data == nil {
			return ErrNotFound
		}
		var vm types.VM
		if err := json.Unmarshal(data, &vm); err != nil {
			return err
		}
		if vm.Status != from {
			return nil
		}
		vm.Status = to
		out, err := json.Marshal(&vm)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(name), out); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	return swapped, err
}

func (s *BoltStore) CASVMOwner(name string, expectedPid *int32, newPid *int32, deadline *time.Time) (bool, error) {
	swapped := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVMs)
		data := b.Get([]byte(name))
		if data == nil {
			return ErrNotFound
		}
		var vm types.VM
		if err := json.Unmarshal(data, &vm); err != nil {
			return err
		}
		if !pidsEqual(vm.ChildPid, expectedPid) {
			return nil
		}
		vm.ChildPid = newPid
		vm.ChildDeadline = deadline
		out, err := json.Marshal(&vm)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(name), out); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	return swapped, err
}

func pidsEqual(a, b *int32) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// --- RecordGroups ---

func (s *BoltStore) AppendRecordGroup(rg *types.RecordGroup) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rg)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRecordGroups).Put([]byte(fmt.Sprintf("%020d_%s", rg.Timestamp.UnixNano(), rg.ID)), data)
	})
}

func (s *BoltStore) ListRecordGroups() ([]*types.RecordGroup, error) {
	var groups []*types.RecordGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecordGroups).ForEach(func(k, v []byte) error {
			var rg types.RecordGroup
			if err := json.Unmarshal(v, &rg); err != nil {
				return err
			}
			groups = append(groups, &rg)
			return nil
		})
	})
	return groups, err
}

func (s *BoltStore) DeleteRecordGroupsBefore(cutoff time.Time) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecordGroups)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rg types.RecordGroup
			if err := json.Unmarshal(v, &rg); err != nil {
				return err
			}
			if rg.Timestamp.Before(cutoff) {
				if err := b.Delete(k); err != nil {
					return err
				}
				deleted++
			}
		}
		return nil
	})
	return deleted, err
}

// --- Patches ---

func (s *BoltStore) CreatePatch(p *types.Patch) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPatches)
		if p.ID == 0 {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			p.ID = int64(seq)
		}
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put(jobKey(p.ID), data)
	})
}

func (s *BoltStore) GetPatch(id int64) (*types.Patch, error) {
	var p types.Patch
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPatches).Get(jobKey(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) ListPatches() ([]*types.Patch, error) {
	var patches []*types.Patch
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPatches).ForEach(func(k, v []byte) error {
			var p types.Patch
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			patches = append(patches, &p)
			return nil
		})
	})
	return patches, err
}

func (s *BoltStore) DeletePatch(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPatches).Delete(jobKey(id))
	})
}

// --- Pending patch sets ---

func (s *BoltStore) SavePendingPatchSet(set *types.PendingPatchSet) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(set)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPendingPatchSets).Put([]byte(set.MsgID), data)
	})
}

func (s *BoltStore) GetPendingPatchSet(msgID string) (*types.PendingPatchSet, error) {
	var set types.PendingPatchSet
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPendingPatchSets).Get([]byte(msgID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &set)
	})
	if err != nil {
		return nil, err
	}
	return &set, nil
}

func (s *BoltStore) ListPendingPatchSets() ([]*types.PendingPatchSet, error) {
	var sets []*types.PendingPatchSet
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPendingPatchSets).ForEach(func(k, v []byte) error {
			var set types.PendingPatchSet
			if err := json.Unmarshal(v, &set); err != nil {
				return err
			}
			sets = append(sets, &set)
			return nil
		})
	})
	return sets, err
}

func (s *BoltStore) DeletePendingPatchSet(msgID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPendingPatchSets).Delete([]byte(msgID))
	})
}

// --- Users / Sessions ---

func (s *BoltStore) ListUsers() ([]*types.User, error) {
	var users []*types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var u types.User
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
			users = append(users, &u)
			return nil
		})
	})
	return users, err
}

func (s *BoltStore) DeleteUser(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).Delete([]byte(id))
	})
}

func (s *BoltStore) ListSessions() ([]*types.Session, error) {
	var sessions []*types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var sess types.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
			sessions = append(sessions, &sess)
			return nil
		})
	})
	return sessions, err
}

func (s *BoltStore) DeleteSession(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(key))
	})
}

func (s *BoltStore) DeleteSessionsByUser(userID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var sess types.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
			if sess.UserID == userID {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
