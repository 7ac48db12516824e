package cli

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bitrise-io/go-chunkupload/chunkuploader"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// progressUI renders one bar per uploaded file.
type progressUI struct {
	progress *mpb.Progress
}

func newProgressUI(out io.Writer) *progressUI {
	return &progressUI{
		progress: mpb.New(
			mpb.WithOutput(out),
			mpb.WithRefreshRate(300*time.Millisecond),
			mpb.WithWidth(64),
		),
	}
}

// fileBar follows the snapshots of one session.
type fileBar struct {
	bar *mpb.Bar

	mu   sync.Mutex
	done bool
}

func (u *progressUI) addFile(index, total int, name string, size int64) *fileBar {
	fb := &fileBar{}
	fb.bar = u.progress.AddBar(size,
		mpb.PrependDecorators(
			decor.Name(fmt.Sprintf("[%d/%d] %s", index, total, name), decor.WCSyncSpaceR),
		),
		mpb.AppendDecorators(
			decor.CountersKibiByte("% .1f / % .1f", decor.WCSyncSpace),
			decor.Percentage(decor.WCSyncSpace),
		),
	)
	return fb
}

// update implements a session subscriber.
func (b *fileBar) update(s chunkuploader.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}

	switch s.Status {
	case chunkuploader.StatusCompleted:
		b.bar.SetCurrent(s.FileSize)
		b.bar.SetTotal(-1, true)
		b.done = true
	case chunkuploader.StatusFailed, chunkuploader.StatusPaused:
		b.bar.Abort(false)
		b.done = true
	default:
		b.bar.SetCurrent(s.UploadedBytes)
	}
}

// finish ends the bar with the final snapshot of the session.
func (b *fileBar) finish(s chunkuploader.Snapshot) {
	b.update(s)

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.done {
		b.bar.Abort(false)
		b.done = true
	}
}

// wait blocks until every bar finished rendering.
func (u *progressUI) wait() {
	u.progress.Wait()
}
