package engine

import (
	"fmt"
	"time"

	"github.com/fgouget/wine-tools-sub001/internal/events"
	"github.com/fgouget/wine-tools-sub001/internal/types"
)

// updateJobStatus recomputes a Job's Status from its Steps' Tasks once a
// Task worker exits or a Task is canceled (§3 "status derived from its
// Steps; terminal when all Steps terminal"). It is a no-op once the Job is
// already terminal, so calling it redundantly from several call sites costs
// nothing.
func (e *Engine) updateJobStatus(jobID int64) error {
	job, err := e.Store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	steps, err := e.Store.ListSteps(jobID)
	if err != nil {
		return err
	}

	allTerminal := true
	anyBotError := false
	anyCompleted := false
	for _, step := range steps {
		tasks, err := e.Store.ListTasks(jobID, step.No)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if !t.Status.Terminal() {
				allTerminal = false
				continue
			}
			switch t.Status {
			case types.TaskBotError:
				anyBotError = true
			case types.TaskCanceled:
				// neither a failure nor a completion on its own
			default:
				// TaskCompleted, TaskBadPatch and TaskBadBuild are all
				// domain-level terminal outcomes, not bot errors (§7/§8 E2:
				// a patch that fails to apply ends the Job completed, not
				// boterror).
				anyCompleted = true
			}
		}
	}
	if !allTerminal {
		return nil
	}

	switch {
	case anyBotError:
		job.Status = types.JobBotError
	case !anyCompleted:
		job.Status = types.JobCanceled
	default:
		job.Status = types.JobCompleted
	}
	job.Ended = time.Now()
	if err := e.Store.SaveJob(job); err != nil {
		return fmt.Errorf("save job %d: %w", jobID, err)
	}

	evType := events.JobCompleted
	switch job.Status {
	case types.JobCanceled:
		evType = events.JobCanceled
	case types.JobBotError:
		evType = events.JobBotError
	}
	if e.Broker != nil {
		e.Broker.Publish(&events.Event{
			Type:     evType,
			Message:  fmt.Sprintf("job %d reached %s", jobID, job.Status),
			Metadata: map[string]string{"job": fmt.Sprintf("%d", jobID)},
		})
	}
	return nil
}
