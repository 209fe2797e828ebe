package agent

import (
	"fmt"
	"strings"
	"time"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorWhite  = "\033[37m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
)

// Box drawing characters
const (
	boxTopLeft     = "╔"
	boxTopRight    = "╗"
	boxBottomLeft  = "╚"
	boxBottomRight = "╝"
	boxHorizontal  = "═"
	boxVertical    = "║"
	boxMidLeft     = "╠"
	boxMidRight    = "╣"
	boxMidHoriz    = "╟"
	boxMidVert     = "─"
)

// TUI handles terminal rendering of the worker dashboard
type TUI struct {
	width int
}

// NewTUI creates a new TUI renderer
func NewTUI() *TUI {
	return &TUI{
		width: 80, // Default width
	}
}

// EnterFullScreen switches to the alternate screen buffer
func (t *TUI) EnterFullScreen() {
	fmt.Print("\033[?1049h\033[H")
}

// ExitFullScreen restores the normal screen buffer
func (t *TUI) ExitFullScreen() {
	fmt.Print("\033[?1049l")
}

// MoveCursorHome moves the cursor to the top-left corner
func (t *TUI) MoveCursorHome() {
	fmt.Print("\033[H")
}

// ClearToEnd clears from the cursor to the end of the screen
func (t *TUI) ClearToEnd() {
	fmt.Print("\033[J")
}

// Clear clears the terminal screen
func (t *TUI) Clear() {
	fmt.Print("\033[H\033[2J")
}

// Render renders a worker snapshot to a terminal frame
func (t *TUI) Render(snap WorkerSnapshot) string {
	var sb strings.Builder

	// Header line
	sb.WriteString(t.renderLine(boxTopLeft, fmt.Sprintf(" GPUMesh Worker: %s ", shortID(snap.WorkerID)), boxTopRight))

	// Status line
	phaseColor := t.phaseColor(snap.Phase)
	statusLine := fmt.Sprintf(" Phase: %s%s%s │ Status: %s │ Coordinator: %s │ Uptime: %s ",
		phaseColor, snap.Phase, colorReset,
		snap.Status,
		snap.CoordinatorURL,
		t.formatDuration(snap.Uptime()))
	sb.WriteString(t.renderLine(boxVertical, statusLine, boxVertical))

	// GPU line
	gpuLine := fmt.Sprintf(" GPU: %s │ VRAM: %.0f/%.0f MiB │ CUDA: %s ",
		snap.GPU.DeviceName,
		snap.GPU.AllocatedMemory,
		snap.GPU.TotalMemory,
		snap.GPU.CUDAVersion)
	sb.WriteString(t.renderLine(boxVertical, gpuLine, boxVertical))

	// Metrics line
	heartbeatAgo := "never"
	if !snap.LastHeartbeat.IsZero() {
		heartbeatAgo = t.formatDuration(snap.TimeSinceHeartbeat()) + " ago"
	}
	metricsLine := fmt.Sprintf(" CPU: %.1f%% │ Memory: %.1f%% │ Last Heartbeat: %s (%s) ",
		snap.CPUPercent,
		snap.MemoryPercent,
		heartbeatAgo,
		snap.HeartbeatStatus)
	sb.WriteString(t.renderLine(boxVertical, metricsLine, boxVertical))

	// Models line
	models := "none"
	if len(snap.LoadedModels) > 0 {
		models = strings.Join(snap.LoadedModels, ", ")
	}
	sb.WriteString(t.renderLine(boxVertical, fmt.Sprintf(" Models: %s ", truncate(models, 60)), boxVertical))

	// Separator
	sb.WriteString(t.renderLine(boxMidLeft, "", boxMidRight))

	// Jobs header
	sb.WriteString(t.renderLine(boxVertical, " INFERENCE JOBS ", boxVertical))
	sb.WriteString(t.renderLine(boxMidHoriz, "", boxMidHoriz))

	// Jobs list
	if len(snap.Jobs) == 0 {
		sb.WriteString(t.renderLine(boxVertical, fmt.Sprintf(" %sNo jobs yet%s ", colorDim, colorReset), boxVertical))
	} else {
		for i, job := range snap.Jobs {
			if i >= 10 { // Show max 10 jobs
				sb.WriteString(t.renderLine(boxVertical, fmt.Sprintf(" %s... and %d more%s ", colorDim, len(snap.Jobs)-10, colorReset), boxVertical))
				break
			}
			sb.WriteString(t.renderLine(boxVertical, t.formatJob(job), boxVertical))
		}
	}

	// Footer
	sb.WriteString(t.renderLine(boxBottomLeft, "", boxBottomRight))
	sb.WriteString(fmt.Sprintf("%sPress Ctrl+C to quit%s\n", colorDim, colorReset))

	return sb.String()
}

// renderLine renders a single line with box characters
func (t *TUI) renderLine(left, content, right string) string {
	// Strip ANSI codes for length calculation
	cleanContent := stripANSI(content)
	padding := t.width - len(cleanContent) - 2 // -2 for left/right borders

	if padding < 0 {
		padding = 0
	}

	fillChar := " "
	if left == boxMidLeft || left == boxMidHoriz {
		fillChar = boxHorizontal
		if left == boxMidHoriz {
			fillChar = boxMidVert
		}
	}
	if left == boxTopLeft || left == boxBottomLeft {
		fillChar = boxHorizontal
	}

	return left + content + strings.Repeat(fillChar, padding) + right + "\n"
}

// phaseColor returns ANSI color for a lifecycle phase
func (t *TUI) phaseColor(phase string) string {
	switch phase {
	case PhaseUp:
		return colorGreen + colorBold
	case PhaseInit:
		return colorCyan + colorBold
	case PhaseFailed:
		return colorRed + colorBold
	case PhaseStopped:
		return colorYellow + colorBold
	default:
		return colorWhite
	}
}

// formatDuration formats a duration for display
func (t *TUI) formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		mins := int(d.Minutes())
		secs := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	hours := int(d.Hours())
	mins := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh %dm", hours, mins)
}

// formatJob formats a tracked job for display
func (t *TUI) formatJob(job InferenceJob) string {
	statusColor := t.jobStatusColor(job.Status)

	duration := job.Duration
	if duration == 0 && !job.StartTime.IsZero() {
		if job.EndTime.IsZero() {
			duration = time.Since(job.StartTime)
		} else {
			duration = job.EndTime.Sub(job.StartTime)
		}
	}

	age := ""
	if job.Status == JobStatusCompleted || job.Status == JobStatusFailed {
		if !job.EndTime.IsZero() {
			age = fmt.Sprintf(" (%s ago)", t.formatDuration(time.Since(job.EndTime)))
		}
	}

	return fmt.Sprintf(" %-8s %s%-10s%s %-16s %-22s %8s%s ",
		shortID(job.ID),
		statusColor, job.Status, colorReset,
		truncate(job.Model, 16),
		truncate(job.Summary, 22),
		t.formatDuration(duration),
		age)
}

// jobStatusColor returns ANSI color for a job status
func (t *TUI) jobStatusColor(status JobStatus) string {
	switch status {
	case JobStatusRunning:
		return colorGreen
	case JobStatusCompleted:
		return colorBlue
	case JobStatusFailed:
		return colorRed
	default:
		return colorWhite
	}
}

// shortID shows the first UUID segment, enough to tell jobs apart
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return truncate(id, 8)
}

// truncate truncates a string to max length
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// stripANSI removes ANSI escape codes from a string
func stripANSI(s string) string {
	result := s
	for {
		start := strings.Index(result, "\033[")
		if start == -1 {
			break
		}
		end := strings.IndexByte(result[start:], 'm')
		if end == -1 {
			break
		}
		result = result[:start] + result[start+end+1:]
	}
	return result
}
