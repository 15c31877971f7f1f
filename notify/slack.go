package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/capstan-io/capstan"
)

type SlackMsg struct {
	Username    string            `json:"username"`
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

type SlackAttachment struct {
	Fallback string `json:"fallback,omitempty"`
	Text     string `json:"text"`
	Color    string `json:"color,omitempty"`
}

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Slack posts transition events to a Slack incoming webhook.
type Slack struct {
	d          Doer
	webhookURL string
	username   string
}

func NewSlackNotifier(d Doer, webhookURL, username string) *Slack {
	return &Slack{d: d, webhookURL: webhookURL, username: username}
}

func (s *Slack) Notify(e Event) error {
	text := fmt.Sprintf("%s/%s: %s %s -> %s",
		e.Deployment.ServiceName, e.Deployment.EnvironmentName,
		e.Deployment.Artifact.Version, e.FromState, e.ToState)

	var attachments []SlackAttachment
	if e.Reason != "" {
		attachments = append(attachments, SlackAttachment{
			Fallback: e.Reason,
			Text:     e.Reason,
			Color:    colorFor(e),
		})
	}

	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(SlackMsg{
		Username:    s.username,
		Text:        text,
		Attachments: attachments,
	}); err != nil {
		return errors.Wrap(err, "encoding Slack POST request")
	}

	req, err := http.NewRequest("POST", s.webhookURL, buf)
	if err != nil {
		return errors.Wrap(err, "constructing Slack HTTP request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.d.Do(req)
	if err != nil {
		return errors.Wrap(err, "executing HTTP POST to Slack")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
		return fmt.Errorf("%s from Slack (%s)", resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}

func colorFor(e Event) string {
	switch {
	case e.Severity == SeverityCritical:
		return "danger"
	case e.ToState == capstan.StateSucceeded:
		return "good"
	default:
		return "warning"
	}
}
