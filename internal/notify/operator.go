package notify

import (
	"fmt"
	"time"
)

// sendOperatorEmail implements §4.2's "entering offline triggers NT to
// email the operator... leaving offline on its own triggers a recovered
// email." cause is the VLW/ED-supplied reason string carried on the
// triggering event.
func (n *Notifier) sendOperatorEmail(vmName, cause string, recovered bool) error {
	if n.Config.OperatorEmail == "" {
		return nil
	}

	subject := fmt.Sprintf("[winetestbot] VM %s quarantined", vmName)
	body := fmt.Sprintf("VM %s was taken offline.\n\nCause: %s\n", vmName, cause)
	if recovered {
		subject = fmt.Sprintf("[winetestbot] VM %s recovered", vmName)
		body = fmt.Sprintf("VM %s is reachable again and has returned to service.\n", vmName)
	}

	msg := composeMessage(map[string]string{
		"From":    n.Config.FromAddress,
		"To":      n.Config.OperatorEmail,
		"Subject": subject,
		"Date":    rfc2822Date(time.Now()),
	}, body)

	return n.sendMail(n.Config.OperatorEmail, msg)
}
