package notify

import (
	"fmt"
	"strconv"
	"time"
)

// sendPatchStatusEmail implements the per-patch author notification: a Job
// reaching a terminal status, when it carries a Patch, gets mailed back to
// whoever submitted that patch (§6 "per-patch author status changes").
// jobIDStr arrives as event Metadata, which only carries strings.
func (n *Notifier) sendPatchStatusEmail(jobIDStr string) error {
	jobID, err := strconv.ParseInt(jobIDStr, 10, 64)
	if err != nil {
		return fmt.Errorf("notify: bad job id %q: %w", jobIDStr, err)
	}

	job, err := n.Store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.Patch == nil {
		return nil
	}

	patch, err := n.Store.GetPatch(*job.Patch)
	if err != nil {
		return err
	}
	if patch.AuthorEmail == "" {
		return nil
	}

	subject := fmt.Sprintf("Re: %s", patch.Subject)
	if patch.Subject == "" {
		subject = fmt.Sprintf("winetestbot: job %d %s", job.ID, job.Status)
	}
	patchURL := ""
	if n.Config.PatchURLBase != "" {
		patchURL = fmt.Sprintf("%s/%d", n.Config.PatchURLBase, patch.ID)
	}
	reference := fmt.Sprintf("<%s>", patch.MsgID)

	body := fmt.Sprintf("Job %d for your patch finished with status: %s\n", job.ID, job.Status)
	if patchURL != "" {
		body += fmt.Sprintf("\nDetails: %s\n", patchURL)
	}

	msg := composeMessage(map[string]string{
		"From":           n.Config.FromAddress,
		"To":             patch.AuthorEmail,
		"Subject":        subject,
		"Date":           rfc2822Date(time.Now()),
		"In-Reply-To":    reference,
		"References":     reference,
		"Reply-To":       n.Config.OperatorEmail,
		"X-Patch-Status": string(job.Status),
		"X-Patch-URL":    patchURL,
	}, body)

	return n.sendMail(patch.AuthorEmail, msg)
}
