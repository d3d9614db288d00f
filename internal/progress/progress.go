// Package progress renders progress of CLI batch operations.
package progress

import (
	"io"

	"github.com/schollz/progressbar/v3"
)

// New returns a bar counting up to total. A hidden bar counts without
// rendering anything.
func New(w io.Writer, total int, description string, visible bool) *progressbar.ProgressBar {
	opts := []progressbar.Option{
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetVisibility(visible),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(false),
	}
	if visible {
		opts = append(opts, progressbar.OptionOnCompletion(func() { _, _ = io.WriteString(w, "\n") }))
	}
	return progressbar.NewOptions(total, opts...)
}
