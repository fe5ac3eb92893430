// Package alert turns Alertmanager webhook notifications into agent chat
// requests.
package alert

import (
	"fmt"
	"strings"
)

// Payload is the body Alertmanager POSTs to webhook receivers.
type Payload struct {
	Version     string            `json:"version"`
	Status      string            `json:"status"`
	Receiver    string            `json:"receiver"`
	GroupLabels map[string]string `json:"groupLabels"`
	Alerts      []Alert           `json:"alerts"`
}

// Alert is a single alert of a Payload.
type Alert struct {
	Status      string            `json:"status"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	StartsAt    string            `json:"startsAt"`
	EndsAt      string            `json:"endsAt"`
	Fingerprint string            `json:"fingerprint"`
}

const messagePrefix = "Urgent alert notification, please investigate:\n"

// Format renders every alert of p as one line the agent can act on.
func Format(p Payload) string {
	if len(p.Alerts) == 0 {
		return "Received an empty alert notification."
	}

	lines := make([]string, 0, len(p.Alerts))
	for _, a := range p.Alerts {
		status := "[RESOLVED]"
		if a.Status == "firing" {
			status = "[FIRING]"
		}
		lines = append(lines, fmt.Sprintf(
			"%s Severity: %s Alert: %s. Target: %s. Summary: %s. Started at: %s.",
			status,
			label(a.Labels, "severity", "unknown"),
			label(a.Labels, "alertname", "unknown alert"),
			label(a.Labels, "instance", "unknown node"),
			label(a.Annotations, "summary", "no summary"),
			a.StartsAt,
		))
	}
	return strings.Join(lines, "\n")
}

// Message returns the chat message submitted for p.
func Message(p Payload) string {
	return messagePrefix + Format(p)
}

func label(m map[string]string, key, def string) string {
	if v, ok := m[key]; ok && v != "" {
		return v
	}
	return def
}
