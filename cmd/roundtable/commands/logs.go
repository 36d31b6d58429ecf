package commands

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/marcus/roundtable/internal/logging"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View logs",
	Long: `Show recent entries from the roundtable log directory.

Use --follow to stream new entries as they are written, or --export to
collect every retained line into one file.`,
	RunE: runLogs,
}

func init() {
	logsCmd.Flags().IntP("tail", "n", 50, "Number of log lines to show")
	logsCmd.Flags().BoolP("follow", "f", false, "Follow log output")
	logsCmd.Flags().StringP("export", "e", "", "Export logs to file")
	rootCmd.AddCommand(logsCmd)
}

func runLogs(cmd *cobra.Command, args []string) error {
	tail, _ := cmd.Flags().GetInt("tail")
	follow, _ := cmd.Flags().GetBool("follow")
	export, _ := cmd.Flags().GetString("export")

	dir := resolveLogDir(cmd)
	switch {
	case export != "":
		return exportLogs(dir, export)
	case follow:
		return followLogs(dir, tail)
	default:
		return showLogs(dir, tail)
	}
}

// resolveLogDir prefers the configured log directory, falling back to the
// logging default when config is absent or silent.
func resolveLogDir(cmd *cobra.Command) string {
	if cfg, err := loadConfig(cmd); err == nil && cfg.Logging.Path != "" {
		return cfg.Logging.Path
	}
	return logging.DefaultConfig().Path
}

// logEntry is the subset of the JSON line fields the console view shows.
type logEntry struct {
	Level     string    `json:"level"`
	Time      time.Time `json:"time"`
	Message   string    `json:"message"`
	Component string    `json:"component,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func showLogs(logDir string, n int) error {
	files, err := logFiles(logDir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Println("No log files found.")
		return nil
	}
	for _, line := range tailLines(files, n) {
		printLogLine(line)
	}
	return nil
}

func followLogs(logDir string, initialLines int) error {
	files, err := logFiles(logDir)
	if err != nil {
		return err
	}
	for _, line := range tailLines(files, initialLines) {
		printLogLine(line)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(logDir); err != nil {
		return fmt.Errorf("watching log dir: %w", err)
	}

	f := &follower{dir: logDir}
	f.attach()
	defer f.close()

	fmt.Println("--- Following logs (Ctrl+C to exit) ---")

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			f.sync()
			if event.Has(fsnotify.Write) {
				f.drain()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watcher error: %v\n", err)
		}
	}
}

// follower tracks the active day file for --follow, hopping to the next
// file when the date rolls over.
type follower struct {
	dir    string
	path   string
	file   *os.File
	reader *bufio.Reader
}

// attach opens today's file and seeks to the end, so only lines appended
// after this point print.
func (f *follower) attach() {
	path := currentLogFile(f.dir)
	if path == "" {
		return
	}
	file, err := os.Open(path)
	if err != nil {
		return
	}
	file.Seek(0, io.SeekEnd)
	f.path = path
	f.file = file
	f.reader = bufio.NewReader(file)
}

// sync reopens after a date rollover, reading the new file from the
// start. Files that appear mid-follow are picked up the same way.
func (f *follower) sync() {
	path := currentLogFile(f.dir)
	if path == "" || path == f.path {
		return
	}
	f.close()
	file, err := os.Open(path)
	if err != nil {
		return
	}
	f.path = path
	f.file = file
	f.reader = bufio.NewReader(file)
}

// drain prints every complete line appended since the last call.
func (f *follower) drain() {
	if f.reader == nil {
		return
	}
	for {
		line, err := f.reader.ReadString('\n')
		if err != nil {
			return
		}
		printLogLine(strings.TrimSuffix(line, "\n"))
	}
}

func (f *follower) close() {
	if f.file != nil {
		f.file.Close()
	}
	f.path = ""
	f.file = nil
	f.reader = nil
}

func exportLogs(logDir, outFile string) error {
	files, err := logFiles(logDir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no log files found")
	}

	out, err := os.Create(outFile)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	defer out.Close()

	// Oldest first, so the export reads top to bottom in time order.
	slices.Reverse(files)
	total := 0
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			fmt.Fprintln(out, sc.Text())
			total++
		}
		f.Close()
	}

	fmt.Printf("Exported %d log lines to %s\n", total, outFile)
	return nil
}

// logFiles returns the daily log files under dir, newest first. A
// missing directory just means nothing has been logged.
func logFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading log dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && isDailyLog(entry.Name()) {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	// The date stamp sorts lexically, so newest first is reverse order.
	slices.Sort(files)
	slices.Reverse(files)
	return files, nil
}

// isDailyLog matches the date-stamped files the logging package writes.
func isDailyLog(name string) bool {
	return strings.HasPrefix(name, "roundtable-") && strings.HasSuffix(name, ".log")
}

// currentLogFile returns today's log file, or "" before the first write
// of the day.
func currentLogFile(dir string) string {
	path := filepath.Join(dir, "roundtable-"+time.Now().Format("2006-01-02")+".log")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// tailLines gathers the last n lines across the given files (newest
// first) and returns them in the order they were written.
func tailLines(files []string, n int) []string {
	var lines []string
	for _, path := range files {
		if len(lines) >= n {
			break
		}
		part := tailFile(path, n-len(lines))
		lines = append(part, lines...)
	}
	return lines
}

// tailFile returns up to n trailing lines of one file, walking backward
// in blocks from the end instead of scanning the whole file.
func tailFile(path string, n int) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return nil
	}

	const block = 8 * 1024
	var buf []byte
	newlines := 0
	off := info.Size()
	for off > 0 && newlines <= n {
		step := int64(block)
		if step > off {
			step = off
		}
		off -= step
		chunk := make([]byte, step)
		if _, err := f.ReadAt(chunk, off); err != nil {
			return nil
		}
		newlines += bytes.Count(chunk, []byte{'\n'})
		buf = append(chunk, buf...)
	}

	lines := strings.Split(strings.TrimSuffix(string(buf), "\n"), "\n")
	if off > 0 {
		// The read stopped mid-file, so the first element is a partial line.
		lines = lines[1:]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// printLogLine renders a JSON entry in short console form; anything that
// does not parse as one passes through untouched.
func printLogLine(line string) {
	var entry logEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil || entry.Message == "" {
		fmt.Println(line)
		return
	}
	fmt.Println(formatEntry(entry))
}

// formatEntry renders one parsed entry: time, level tag, optional
// component, message, optional error.
func formatEntry(e logEntry) string {
	var b strings.Builder
	b.WriteString(e.Time.Format("15:04:05"))
	b.WriteByte(' ')
	b.WriteString(levelTag(e.Level))
	if e.Component != "" {
		b.WriteString(" [")
		b.WriteString(e.Component)
		b.WriteByte(']')
	}
	b.WriteByte(' ')
	b.WriteString(e.Message)
	if e.Error != "" {
		b.WriteString(" error=")
		b.WriteString(e.Error)
	}
	return b.String()
}

var levelTags = map[string]string{
	"debug": "DBG",
	"info":  "INF",
	"warn":  "WRN",
	"error": "ERR",
	"fatal": "FAT",
}

// levelTag maps a level name to its three-letter console tag.
func levelTag(level string) string {
	if tag, ok := levelTags[level]; ok {
		return tag
	}
	if len(level) > 3 {
		level = level[:3]
	}
	return strings.ToUpper(level)
}
