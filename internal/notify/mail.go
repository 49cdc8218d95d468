package notify

import (
	"bytes"
	"fmt"
	"net/smtp"
	"sort"
	"time"
)

// headerOrder fixes the header sequence §6 specifies; net/mail has no
// writer half (it only parses), so headers are composed by hand in the
// order a reader would expect a mail client to have written them.
var headerOrder = []string{
	"From", "To", "Subject", "Date", "Message-Id",
	"In-Reply-To", "References", "Reply-To",
	"X-Patch-Status", "X-Patch-URL",
}

// composeMessage builds an RFC-2822 message from an ordered header set plus
// a plain-text body. Headers absent from the map are omitted entirely
// rather than written empty.
func composeMessage(headers map[string]string, body string) []byte {
	var buf bytes.Buffer
	for _, key := range headerOrder {
		if v, ok := headers[key]; ok && v != "" {
			fmt.Fprintf(&buf, "%s: %s\r\n", key, v)
		}
	}
	// Any header outside the fixed set (there are none today, but a future
	// caller adding one shouldn't have it silently dropped) is appended in a
	// stable order.
	var extra []string
	known := make(map[string]bool, len(headerOrder))
	for _, k := range headerOrder {
		known[k] = true
	}
	for k := range headers {
		if !known[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, headers[k])
	}

	buf.WriteString("\r\n")
	buf.WriteString(body)
	return buf.Bytes()
}

func (n *Notifier) deliverSMTP(to string, msg []byte) error {
	addr := fmt.Sprintf("%s:%d", n.Config.SMTPHost, n.Config.SMTPPort)
	return smtp.SendMail(addr, nil, n.Config.FromAddress, []string{to}, msg)
}

func rfc2822Date(t time.Time) string {
	return t.Format(time.RFC1123Z)
}
