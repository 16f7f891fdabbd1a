package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/opskit/inquest/pkg/models"
)

// CapabilityProposer is the dependency-free Proposer: it proposes one task
// per registered worker capability, seeded with the unresolved gaps on
// follow-up rounds. Deployments normally replace it with a model-backed
// proposer; this one keeps local development and tests self-contained.
type CapabilityProposer struct{}

func (CapabilityProposer) ProposeTasks(_ context.Context, in Input) (*Proposal, error) {
	if len(in.Capabilities) == 0 {
		return nil, fmt.Errorf("no worker capabilities registered")
	}

	proposal := &Proposal{Alarm: in.Alarm}
	if in.InvestigationID == "" {
		proposal.Alarm = parseAlarm(in.AlarmText)
	}

	subject := proposal.Alarm.ResourceName
	if subject == "" {
		subject = "the affected resource"
	}

	for _, cap := range in.Capabilities {
		task := ProposedTask{
			Description:    fmt.Sprintf("Collect and analyze %s evidence for %s", cap.AgentType, subject),
			AgentType:      cap.AgentType,
			ExpectedOutput: fmt.Sprintf("%s findings relevant to the alarm", cap.AgentType),
			RequiredData:   in.Gaps,
		}
		proposal.Tasks = append(proposal.Tasks, task)
	}
	return proposal, nil
}

// parseAlarm extracts an AlarmSummary from the raw alarm text. JSON payloads
// with the well-known field names are honored; anything else becomes the
// resource name verbatim.
func parseAlarm(text string) models.AlarmSummary {
	alarm := models.AlarmSummary{DetectedAt: time.Now().UTC()}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(text), &payload); err == nil {
		if v, ok := payload["resource_name"].(string); ok {
			alarm.ResourceName = v
		}
		if v, ok := payload["metric"].(string); ok {
			alarm.Metric = v
		}
		if v, ok := payload["namespace"].(string); ok {
			alarm.Namespace = v
		}
		if v, ok := payload["resource_id"].(string); ok {
			alarm.ResourceID = v
		}
		if v, ok := payload["detected_at"].(string); ok {
			if ts, err := time.Parse(time.RFC3339, v); err == nil {
				alarm.DetectedAt = ts
			}
		}
		if alarm.ResourceName != "" {
			return alarm
		}
	}

	alarm.ResourceName = strings.TrimSpace(text)
	return alarm
}
