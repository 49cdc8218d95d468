package janitor

import (
	"context"
	"fmt"

	"github.com/fgouget/wine-tools-sub001/internal/types"
)

// purgeDeletedUsersAndVMs drops Users in UserDeleted and VMs in RoleDeleted
// once nothing still points at them: a Job.User for Users, any Task.VM for
// VMs. Neither status is ever set by this package; an operator or the web
// submission frontend marks rows deleted, janitor just reaps them once safe.
func (j *Janitor) purgeDeletedUsersAndVMs(ctx context.Context) error {
	jobs, err := j.Store.ListJobs()
	if err != nil {
		return err
	}
	usersReferenced := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		if job.User != "" {
			usersReferenced[job.User] = true
		}
	}

	tasks, err := j.Store.ListAllTasks()
	if err != nil {
		return err
	}
	vmsReferenced := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		vmsReferenced[t.VM] = true
	}

	users, err := j.Store.ListUsers()
	if err != nil {
		return err
	}
	for _, u := range users {
		if u.Status != types.UserDeleted || usersReferenced[u.ID] {
			continue
		}
		if err := j.Store.DeleteSessionsByUser(u.ID); err != nil {
			return fmt.Errorf("purge user %s sessions: %w", u.ID, err)
		}
		if err := j.Store.DeleteUser(u.ID); err != nil {
			return fmt.Errorf("purge user %s: %w", u.ID, err)
		}
	}

	vms, err := j.Store.ListVMs()
	if err != nil {
		return err
	}
	for _, vm := range vms {
		if vm.Role != types.RoleDeleted || vmsReferenced[vm.Name] {
			continue
		}
		if err := j.Store.DeleteVM(vm.Name); err != nil {
			return fmt.Errorf("purge vm %s: %w", vm.Name, err)
		}
	}
	return nil
}
