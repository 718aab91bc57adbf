package email

import (
	"fmt"

	"github.com/vigil-app/vigil-server/internal/hub"
)

// SendHubStatus notifies a hub owner that their hub changed status. The
// status must be one of the hub lifecycle statuses; unknown statuses are
// rejected so a typo cannot silently produce a blank email.
func (c *Client) SendHubStatus(to, hubName, status string) error {
	subject, body, ok := statusMail(hubName, status)
	if !ok {
		return fmt.Errorf("no mail template for hub status %q", status)
	}
	return c.Send(to, subject, body)
}

func statusMail(hubName, status string) (subject, body string, ok bool) {
	switch status {
	case hub.StatusApproved:
		subject = fmt.Sprintf("Your hub %q has been approved", hubName)
		body = fmt.Sprintf(
			"Good news!\r\n\r\n"+
				"Your hub %q has been approved and scripts can now connect to it.\r\n"+
				"Keep your API key secret; anyone holding it can open sessions under your hub.\r\n",
			hubName)
	case hub.StatusRejected:
		subject = fmt.Sprintf("Your hub %q has been rejected", hubName)
		body = fmt.Sprintf(
			"Your hub registration for %q was rejected.\r\n\r\n"+
				"If you believe this is a mistake, reply to this email with details\r\n"+
				"about your hub and we will take another look.\r\n",
			hubName)
	case hub.StatusSuspended:
		subject = fmt.Sprintf("Your hub %q has been suspended", hubName)
		body = fmt.Sprintf(
			"Your hub %q has been suspended and all of its active sessions were closed.\r\n\r\n"+
				"New connections with your API key will be refused until the suspension\r\n"+
				"is lifted. Contact support if you need more information.\r\n",
			hubName)
	default:
		return "", "", false
	}
	return subject, body, true
}
