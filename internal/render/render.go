// Package render turns notification requests into message bodies.
//
// Layouts are fixed text/templates keyed by Kind. Optional fields that are
// missing render a placeholder instead of failing.
package render

import (
	"errors"
	"fmt"
	"strings"
	"text/template"
)

// ErrUnknownKind is returned by Render for kinds without a layout.
var ErrUnknownKind = errors.New("unknown template kind")

type Kind string

const (
	TaskAssigned      Kind = "task-assigned"
	Reminder          Kind = "reminder"
	AdminBroadcast    Kind = "admin-broadcast"
	StatusChanged     Kind = "status-changed"
	TaskCompleted     Kind = "task-completed"
	CompletionRevoked Kind = "completion-revoked"
	// Raw passes the message field through untouched.
	Raw Kind = "raw"
)

// Fields are the request fields keyed by their JSON names.
type Fields map[string]string

type layout struct {
	required []string
	tmpl     *template.Template
}

var funcs = template.FuncMap{
	// fallback returns def when v is blank.
	"fallback": func(def, v string) string {
		if strings.TrimSpace(v) == "" {
			return def
		}
		return strings.TrimSpace(v)
	},
}

func mustLayout(kind Kind, required []string, text string) layout {
	t := template.Must(template.New(string(kind)).Funcs(funcs).Option("missingkey=zero").Parse(text))
	return layout{required: required, tmpl: t}
}

var layouts = map[Kind]layout{
	TaskAssigned: mustLayout(TaskAssigned, []string{"phone", "taskTitle"}, `*New Task Assigned*

Hello {{fallback "there" .assigneeName}},

{{fallback "An administrator" .assignerName}} has assigned you a new task.

*Task:* {{fallback "Untitled task" .taskTitle}}
*Description:* {{fallback "No description provided" .taskDescription}}
*Due date:* {{fallback "No due date" .dueDate}}

Please open the task manager for details.`),

	Reminder: mustLayout(Reminder, []string{"phone", "taskTitle"}, `*Task Reminder*

Hello {{fallback "there" .assigneeName}},

This is a reminder about your pending task.

*Task:* {{fallback "Untitled task" .taskTitle}}
*Time remaining:* {{fallback "Due soon" .timeRemaining}}

Please complete it before the deadline.`),

	AdminBroadcast: mustLayout(AdminBroadcast, []string{"phone", "message"}, `*Message from Admin*

{{fallback "(no message)" .message}}`),

	StatusChanged: mustLayout(StatusChanged, []string{"phone", "taskTitle", "previousStatus", "newStatus"}, `*Task Status Updated*

Hello {{fallback "there" .userName}},

The status of your task has changed.

*Task:* {{fallback "Untitled task" .taskTitle}}
*Previous status:* {{fallback "Unknown" .previousStatus}}
*New status:* {{fallback "Unknown" .newStatus}}`),

	TaskCompleted: mustLayout(TaskCompleted, []string{"phone", "taskTitle"}, `*Task Completed*

Hello {{fallback "there" .userName}},

*Task:* {{fallback "Untitled task" .taskTitle}}
*Completed by:* {{fallback "A team member" .completedBy}}
*Completed on:* {{fallback "Recently" .completedDate}}

Great work!`),

	CompletionRevoked: mustLayout(CompletionRevoked, []string{"phone", "taskTitle"}, `*Task Completion Revoked*

Hello {{fallback "there" .userName}},

The completion of your task has been revoked and it is open again.

*Task:* {{fallback "Untitled task" .taskTitle}}
*Revoked by:* {{fallback "An administrator" .revokedBy}}
*Reason:* {{fallback "No reason provided" .reason}}`),
}

// Kinds lists the templated kinds.
func Kinds() []Kind {
	return []Kind{TaskAssigned, Reminder, AdminBroadcast, StatusChanged, TaskCompleted, CompletionRevoked}
}

// Required returns the request fields that must be present for kind.
func Required(kind Kind) ([]string, error) {
	if kind == Raw {
		return []string{"to", "message"}, nil
	}
	l, ok := layouts[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return append([]string(nil), l.required...), nil
}

// Missing returns the required fields of kind that are blank in f.
func Missing(kind Kind, f Fields) ([]string, error) {
	req, err := Required(kind)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range req {
		if strings.TrimSpace(f[k]) == "" {
			out = append(out, k)
		}
	}
	return out, nil
}

// Render produces the message body. It fails only for unknown kinds.
func Render(kind Kind, f Fields) (string, error) {
	if kind == Raw {
		return f["message"], nil
	}
	l, ok := layouts[kind]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if f == nil {
		f = Fields{}
	}
	var b strings.Builder
	if err := l.tmpl.Execute(&b, map[string]string(f)); err != nil {
		return "", fmt.Errorf("render %s: %w", kind, err)
	}
	return b.String(), nil
}
