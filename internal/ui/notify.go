package ui

import (
	"os/exec"
	"runtime"
)

// Notify sends an OS-level notification. Fails silently if unavailable.
func Notify(title, message string) {
	if name, args := notifyCommand(runtime.GOOS, title, message); name != "" {
		_ = exec.Command(name, args...).Run()
	}
}

func notifyCommand(goos, title, message string) (string, []string) {
	switch goos {
	case "darwin":
		script := `display notification "` + escapeAppleScript(message) + `" with title "` + escapeAppleScript(title) + `"`
		return "osascript", []string{"-e", script}
	case "linux":
		if _, err := exec.LookPath("notify-send"); err == nil {
			return "notify-send", []string{title, message}
		}
	}
	return "", nil
}

func escapeAppleScript(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
