package projector

import "dispatch-tracker/internal/dispatch"

const DefaultIcon = "default"

var taskIcons = map[dispatch.TaskStatus]string{
	dispatch.StatusUnassigned: "gray",
	dispatch.StatusAssigned:   "blue",
	dispatch.StatusInTransit:  "orange",
	dispatch.StatusSucceeded:  "green",
	dispatch.StatusFailed:     "red",
}

var technicianIcons = map[dispatch.TechnicianStatus]string{
	dispatch.TechAvailable: "tech-available",
	dispatch.TechBusy:      "tech-busy",
	dispatch.TechOffline:   "tech-offline",
}

// TaskIcon returns the icon key for a task status, accepting wire aliases.
func TaskIcon(status dispatch.TaskStatus) string {
	if s, ok := dispatch.ParseTaskStatus(string(status)); ok {
		return taskIcons[s]
	}
	return DefaultIcon
}

func TechnicianIcon(status dispatch.TechnicianStatus) string {
	if icon, ok := technicianIcons[status]; ok {
		return icon
	}
	return DefaultIcon
}

// PriorityBadge maps a priority to the badge class used in task lists.
func PriorityBadge(p dispatch.Priority) string {
	switch p {
	case dispatch.PriorityHigh:
		return "danger"
	case dispatch.PriorityMedium:
		return "warning"
	case dispatch.PriorityLow:
		return "info"
	default:
		return "secondary"
	}
}
