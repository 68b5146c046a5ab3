package fixer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LevelSuccess is the notification kind every completed run reports.
const LevelSuccess = "success"

// Notification is the short message emitted after a run.
type Notification struct {
	Title string    `json:"title"`
	Text  string    `json:"text"`
	Level string    `json:"level"`
	Layer string    `json:"layer"`
	RunID string    `json:"runId"`
	Time  time.Time `json:"time"`
}

// NotificationFor builds the notification describing r.
func NotificationFor(r *Report) Notification {
	return Notification{
		Title: NotificationTitle,
		Text:  r.Summary(),
		Level: LevelSuccess,
		Layer: r.Layer,
		RunID: r.RunID,
		Time:  r.FinishedAt,
	}
}

// Notifier delivers run notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Presenter displays or stores a full report.
type Presenter interface {
	Present(ctx context.Context, r *Report) error
}

// ConsoleNotifier writes notifications as single lines.
type ConsoleNotifier struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsoleNotifier writes to w, or stdout when w is nil.
func NewConsoleNotifier(w io.Writer) *ConsoleNotifier {
	if w == nil {
		w = os.Stdout
	}
	return &ConsoleNotifier{w: w}
}

func (c *ConsoleNotifier) Notify(_ context.Context, n Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.w, "[%s] %s: %s\n", n.Level, n.Title, n.Text)
	return err
}

// Report formats understood by FilePresenter.
const (
	FormatNameHTML = "html"
	FormatNameJSON = "json"
	FormatNameText = "txt"
	FormatNameSVG  = "svg"
	FormatNamePNG  = "png"
)

// FilePresenter writes one file per configured format into Dir, named
// <layer>-<run id>.<format>.
type FilePresenter struct {
	Dir     string
	Formats []string
}

// NewFilePresenter writes HTML and JSON when no formats are given.
func NewFilePresenter(dir string, formats ...string) *FilePresenter {
	if len(formats) == 0 {
		formats = []string{FormatNameHTML, FormatNameJSON}
	}
	return &FilePresenter{Dir: dir, Formats: formats}
}

func (p *FilePresenter) Present(ctx context.Context, r *Report) error {
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}
	for _, format := range p.Formats {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := filepath.Join(p.Dir, fmt.Sprintf("%s-%s.%s", r.Layer, r.RunID, format))
		if err := writeReportFile(name, format, r); err != nil {
			return err
		}
	}
	return nil
}

// Paths lists the files Present writes for r.
func (p *FilePresenter) Paths(r *Report) []string {
	out := make([]string, len(p.Formats))
	for i, format := range p.Formats {
		out[i] = filepath.Join(p.Dir, fmt.Sprintf("%s-%s.%s", r.Layer, r.RunID, format))
	}
	return out
}

func writeReportFile(path, format string, r *Report) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s report: %w", format, err)
	}
	werr := WriteReport(f, format, r)
	cerr := f.Close()
	if werr != nil {
		_ = os.Remove(path)
		// A clean run has no map to draw.
		if errors.Is(werr, ErrNothingToRender) {
			return nil
		}
		return werr
	}
	if cerr != nil {
		return fmt.Errorf("close %s report: %w", format, cerr)
	}
	return nil
}

// WriteReport renders r in the named format.
func WriteReport(w io.Writer, format string, r *Report) error {
	switch strings.ToLower(format) {
	case FormatNameHTML:
		return FormatHTML(w, r)
	case FormatNameJSON:
		return FormatJSON(w, r)
	case FormatNameText:
		return FormatText(w, r)
	case FormatNameSVG:
		return NewPreviewRenderer(r).RenderToSVG(w)
	case FormatNamePNG:
		return NewPreviewRenderer(r).RenderToPNG(w)
	}
	return fmt.Errorf("unknown report format %q", format)
}
