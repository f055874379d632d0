package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/schollz/progressbar/v3"

	"p2pshare/internal/apiclient"
	"p2pshare/internal/domain"
	"p2pshare/internal/monitor"
)

var errTaskGone = errors.New("task disappeared from the daemon")

func newBar(w io.Writer, desc string, total int64) *progressbar.ProgressBar {
	bytes := total > 0
	if !bytes {
		total = 100
	}
	return progressbar.NewOptions64(
		total,
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowBytes(bytes),
		progressbar.OptionSetWidth(10),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(w, "\n")
		}),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
	)
}

// follow draws a progress bar for task id until it reaches a terminal
// status. Anything but completed is returned as an error.
func follow(ctx context.Context, c *apiclient.Client, w io.Writer, id, desc string) error {
	var (
		bar   *progressbar.ProgressBar
		last  domain.Task
		seen  bool
		gone  bool
		start = time.Now()
	)
	err := c.WatchProgress(ctx, func(snap map[string]domain.Task) bool {
		t, ok := snap[id]
		if !ok {
			gone = seen
			return !seen
		}
		seen, last = true, t
		if bar == nil {
			bar = newBar(w, desc+" "+t.FileName, t.TotalBytes)
		}
		if t.TotalBytes > 0 {
			_ = bar.Set64(t.BytesTransferred)
		} else {
			_ = bar.Set(t.Percent)
		}
		return !t.Status.Terminal()
	})
	if err != nil {
		return err
	}
	if gone {
		return errTaskGone
	}
	switch last.Status {
	case domain.StatusCompleted:
		if bar != nil {
			_ = bar.Finish()
		}
		if last.SavePath != "" {
			fmt.Fprintf(w, "saved %s in %s\n", last.SavePath, monitor.FormatDuration(time.Since(start)))
		}
		return nil
	case domain.StatusTimeout:
		return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("task %s timed out; resume it with 'p2pshare resume %s'", id, id)}
	}
	msg := fmt.Sprintf("task %s ended %s", id, last.Status)
	if last.Error != "" {
		msg += ": " + last.Error
	}
	return &ExitError{Code: ExitFailure, Message: msg}
}
