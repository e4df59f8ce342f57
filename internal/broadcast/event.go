package broadcast

import (
	"encoding/json"

	"github.com/tanq16/vidq/internal/progress"
	"github.com/tanq16/vidq/internal/utils"
)

type EventType string

const (
	TypeProgress EventType = "progress"
	TypeStatus   EventType = "status"
	TypeDetailed EventType = "detailed_progress"
)

type Event struct {
	Type     EventType
	TaskID   string
	Progress int
	Status   utils.TaskStatus
	Detail   *progress.Detailed
}

type progressMsg struct {
	Type     EventType `json:"type"`
	TaskID   string    `json:"taskId"`
	Progress int       `json:"progress"`
}

type statusMsg struct {
	Type       EventType        `json:"type"`
	TaskID     string           `json:"taskId"`
	Status     utils.TaskStatus `json:"status"`
	StatusCode int              `json:"statusCode"`
}

type detailedMsg struct {
	Type            EventType        `json:"type"`
	TaskID          string           `json:"taskId"`
	Progress        int              `json:"progress"`
	DownloadedBytes int64            `json:"downloadedBytes"`
	TotalBytes      int64            `json:"totalBytes"`
	SpeedBps        float64          `json:"speedBps"`
	RemainingTimeMs int64            `json:"remainingTimeMs"`
	Status          utils.TaskStatus `json:"status"`
	PartCount       int              `json:"partCount"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case TypeStatus:
		return json.Marshal(statusMsg{Type: e.Type, TaskID: e.TaskID, Status: e.Status, StatusCode: e.Status.Code()})
	case TypeDetailed:
		var d progress.Detailed
		if e.Detail != nil {
			d = *e.Detail
		}
		return json.Marshal(detailedMsg{
			Type:            e.Type,
			TaskID:          e.TaskID,
			Progress:        e.Progress,
			DownloadedBytes: d.Downloaded,
			TotalBytes:      d.Total,
			SpeedBps:        d.SpeedBps,
			RemainingTimeMs: d.Remaining.Milliseconds(),
			Status:          e.Status,
			PartCount:       d.PartCount(),
		})
	default:
		return json.Marshal(progressMsg{Type: TypeProgress, TaskID: e.TaskID, Progress: e.Progress})
	}
}

func ProgressEvent(taskID string, progress int) Event {
	return Event{Type: TypeProgress, TaskID: taskID, Progress: progress}
}

func StatusEvent(taskID string, status utils.TaskStatus) Event {
	return Event{Type: TypeStatus, TaskID: taskID, Status: status}
}

func DetailedEvent(d progress.Detailed) Event {
	return Event{Type: TypeDetailed, TaskID: d.TaskID, Progress: d.Percent, Status: d.Status, Detail: &d}
}
