package domain

import "time"

// TaskStatus is the lifecycle state of a share or download task.
type TaskStatus string

const (
	StatusStarting    TaskStatus = "starting"
	StatusDownloading TaskStatus = "downloading"
	StatusSharing     TaskStatus = "sharing"
	StatusCompleted   TaskStatus = "completed"
	StatusFailed      TaskStatus = "failed"
	StatusCanceled    TaskStatus = "canceled"
	StatusPaused      TaskStatus = "paused"
	StatusStalled     TaskStatus = "stalled"
	StatusTimeout     TaskStatus = "timeout"
	StatusResumable   TaskStatus = "resumable"
)

// Terminal reports whether no further progress is expected without user action.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled, StatusTimeout:
		return true
	}
	return false
}

// Active reports whether the task is expected to make progress.
func (s TaskStatus) Active() bool {
	return s == StatusStarting || s == StatusDownloading || s == StatusSharing
}

type TaskType string

const (
	TaskDownload TaskType = "download"
	TaskShare    TaskType = "share"
)

// Task is the progress record served by /api/progress.
type Task struct {
	ID               string     `json:"id"`
	Type             TaskType   `json:"taskType"`
	Status           TaskStatus `json:"status"`
	FileName         string     `json:"fileName"`
	FileHash         string     `json:"fileHash,omitempty"`
	SavePath         string     `json:"savePath,omitempty"`
	BytesTransferred int64      `json:"bytesTransferred"`
	TotalBytes       int64      `json:"totalBytes"`
	Percent          int        `json:"progressPercentage"`
	TotalChunks      int        `json:"totalChunks"`
	DownloadedChunks int        `json:"downloadedChunksCount"`
	FailedChunks     int        `json:"failedChunksCount"`
	Resumable        bool       `json:"resumable"`
	PartFile         string     `json:"partFilePath,omitempty"`
	MetaFile         string     `json:"metaFilePath,omitempty"`
	LastProgress     time.Time  `json:"lastProgressUpdateTime"`
	Error            string     `json:"error,omitempty"`
}

// CanResume reports whether a resume request may restart the task.
func (t Task) CanResume() bool {
	return t.Resumable && t.Status != StatusCompleted && t.Status != StatusCanceled
}

// Percentage computes done*100/total clamped to 0..100.
func Percentage(done, total int64) int {
	if total <= 0 {
		return 0
	}
	p := int(done * 100 / total)
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
