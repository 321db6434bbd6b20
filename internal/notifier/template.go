// Copyright 2025 James Ross
package notifier

import (
	"fmt"
	"strings"
)

// formatWrappedEmail renders the subject/text/html body for one user's
// ready Wrapped. frontendURL is trimmed of any trailing slash; an empty
// value falls back to a relative link.
func formatWrappedEmail(appUserID, frontendURL string) (subject, textBody, htmlBody string) {
	link := "/wrapped/" + appUserID
	if frontendURL != "" {
		link = strings.TrimRight(frontendURL, "/") + "/wrapped/" + appUserID
	}

	subject = "Your 2025 TikTok Wrapped is ready"
	textBody = fmt.Sprintf("Your wrapped is ready.\n\nView it here: %s\n\nThanks for trying TikTok Wrapped!", link)
	htmlBody = fmt.Sprintf(`<html><body><p>Your wrapped is ready.</p><p><a href="%s">View it here</a></p><p>Thanks for trying TikTok Wrapped!</p></body></html>`, link)
	return subject, textBody, htmlBody
}
