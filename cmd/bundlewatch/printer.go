package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"bundlewatch/internal/watch"

	"github.com/charmbracelet/lipgloss"
)

type printerStyles struct {
	info    lipgloss.Style
	success lipgloss.Style
	failure lipgloss.Style
	change  lipgloss.Style
	muted   lipgloss.Style
}

// printer renders lifecycle events as terminal lines. Colors are dropped
// when out is not a terminal.
type printer struct {
	mu     sync.Mutex
	out    io.Writer
	cwd    string
	now    func() time.Time
	styles printerStyles
}

func newPrinter(out io.Writer, cwd string) *printer {
	renderer := lipgloss.NewRenderer(out)
	return &printer{
		out: out,
		cwd: cwd,
		now: time.Now,
		styles: printerStyles{
			info:    renderer.NewStyle().Foreground(lipgloss.Color("6")),
			success: renderer.NewStyle().Foreground(lipgloss.Color("2")).Bold(true),
			failure: renderer.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
			change:  renderer.NewStyle().Foreground(lipgloss.Color("3")),
			muted:   renderer.NewStyle().Faint(true),
		},
	}
}

func (p *printer) Listener() watch.Listener {
	return func(_ context.Context, ev watch.Event) error {
		return p.Print(ev)
	}
}

func (p *printer) Print(ev watch.Event) error {
	line := p.format(ev)
	if line == "" {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := fmt.Fprintln(p.out, line)
	return err
}

func (p *printer) format(ev watch.Event) string {
	switch ev.Code {
	case watch.CodeBundleStart:
		return p.styles.info.Render("bundling...")
	case watch.CodeBundleEnd:
		return p.styles.success.Render("created "+p.relative(ev.Output)) + " in " + ev.Duration + "ms"
	case watch.CodeError:
		// multi-line messages would be padded to a block by Render
		lines := strings.Split(ev.Message, "\n")
		lines[0] = p.styles.failure.Render("[!] " + lines[0])
		return strings.Join(lines, "\n")
	case watch.CodeChange:
		return p.styles.change.Render(string(ev.ChangeKind)) + " " + p.relative(ev.Path)
	case watch.CodeEnd:
		return p.styles.muted.Render("[" + p.now().Format("15:04:05") + "] waiting for changes...")
	case watch.CodeClose:
		return p.styles.muted.Render("watcher closed")
	}
	return ""
}

func (p *printer) relative(path string) string {
	if path == "" || p.cwd == "" || !filepath.IsAbs(path) {
		return path
	}
	rel, err := filepath.Rel(p.cwd, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return filepath.ToSlash(rel)
}
