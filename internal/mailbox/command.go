package mailbox

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Command type tags as written by the executor into its inbox.
const (
	CmdMessage       = "message"
	CmdScheduleTask  = "schedule_task"
	CmdPauseTask     = "pause_task"
	CmdResumeTask    = "resume_task"
	CmdCancelTask    = "cancel_task"
	CmdRefreshGroups = "refresh_groups"
	CmdRegisterGroup = "register_group"
)

// Command is one decoded command file. Field names are the wire contract
// with the executor; the issuing group is NEVER taken from here.
type Command struct {
	Type string `json:"type"`

	// message
	ChatTarget string `json:"chatTarget,omitempty"`
	Text       string `json:"text,omitempty"`

	// schedule_task
	Prompt        string `json:"prompt,omitempty"`
	ScheduleType  string `json:"schedule_type,omitempty"`
	ScheduleValue string `json:"schedule_value,omitempty"`
	TargetGroup   string `json:"targetTenant,omitempty"`
	ContextMode   string `json:"context_mode,omitempty"`

	// pause_task / resume_task / cancel_task
	TaskID string `json:"taskId,omitempty"`

	// register_group
	GroupJID string `json:"tenantAddress,omitempty"`
	Name     string `json:"name,omitempty"`
	Folder   string `json:"folder,omitempty"`
	Trigger  string `json:"trigger,omitempty"`
}

// ParseCommand decodes and structurally validates one command file.
// Authorization is separate; this only rejects malformed input.
func ParseCommand(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	c.Type = strings.TrimSpace(c.Type)

	switch c.Type {
	case CmdMessage:
		if strings.TrimSpace(c.ChatTarget) == "" {
			return Command{}, fmt.Errorf("message: chatTarget required")
		}
		if c.Text == "" {
			return Command{}, fmt.Errorf("message: text required")
		}
	case CmdScheduleTask:
		if strings.TrimSpace(c.Prompt) == "" {
			return Command{}, fmt.Errorf("schedule_task: prompt required")
		}
		switch c.ScheduleType {
		case "cron", "interval", "once":
		default:
			return Command{}, fmt.Errorf("schedule_task: invalid schedule_type %q", c.ScheduleType)
		}
		if strings.TrimSpace(c.ScheduleValue) == "" {
			return Command{}, fmt.Errorf("schedule_task: schedule_value required")
		}
	case CmdPauseTask, CmdResumeTask, CmdCancelTask:
		if strings.TrimSpace(c.TaskID) == "" {
			return Command{}, fmt.Errorf("%s: taskId required", c.Type)
		}
	case CmdRefreshGroups:
	case CmdRegisterGroup:
		if strings.TrimSpace(c.GroupJID) == "" {
			return Command{}, fmt.Errorf("register_group: tenantAddress required")
		}
		if strings.TrimSpace(c.Folder) == "" {
			return Command{}, fmt.Errorf("register_group: folder required")
		}
		if !validFolder(c.Folder) {
			return Command{}, fmt.Errorf("register_group: folder %q is not filesystem-safe", c.Folder)
		}
	case "":
		return Command{}, fmt.Errorf("missing command type")
	default:
		return Command{}, fmt.Errorf("unknown command type %q", c.Type)
	}
	return c, nil
}

// validFolder accepts lowercase slug-style names only. The folder doubles as
// the authorization principal, so path separators and dot tricks are fatal.
func validFolder(s string) bool {
	if s == "" || s == "." || s == ".." || len(s) > 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}
