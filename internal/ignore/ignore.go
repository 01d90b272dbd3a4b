package ignore

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// FileName is the per-replica ignore file at the replica root.
const FileName = ".syftsyncignore"

var defaultIgnoreLines = []string{
	FileName,
	".syftsync-*",
	// VCS
	".git",
	// OS-specific
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
	// editor lock and swap files
	"*.swp",
	".~lock.*#",
}

// List decides which replica paths are left out of synchronization.
type List struct {
	baseDir string
	extra   []string
	ignore  *gitignore.GitIgnore
}

// New returns a list holding the default rules and extra. Load adds the rules of the
// ignore file in baseDir.
func New(baseDir string, extra ...string) *List {
	l := &List{baseDir: baseDir, extra: extra}
	l.ignore = gitignore.CompileIgnoreLines(l.lines()...)
	return l
}

func (l *List) lines() []string {
	lines := append([]string{}, defaultIgnoreLines...)
	return append(lines, l.extra...)
}

func (l *List) Load() {
	ignoreLines := l.lines()

	if l.baseDir != "" {
		ignorePath := filepath.Join(l.baseDir, FileName)
		file, err := os.Open(ignorePath)
		switch {
		case err == nil:
			defer file.Close()

			rules := 0
			scanner := bufio.NewScanner(file)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line != "" && !strings.HasPrefix(line, "#") {
					ignoreLines = append(ignoreLines, line)
					rules++
				}
			}
			if err := scanner.Err(); err != nil {
				slog.Warn("ignore file read", "path", ignorePath, "error", err)
			} else {
				slog.Info("ignore file loaded", "path", ignorePath, "rules", rules)
			}
		case !os.IsNotExist(err):
			slog.Warn("ignore file open", "path", ignorePath, "error", err)
		}
	}

	l.ignore = gitignore.CompileIgnoreLines(ignoreLines...)
}

// ShouldIgnore matches a slash separated path relative to the replica root.
func (l *List) ShouldIgnore(path string, isDir bool) bool {
	if isDir {
		path += "/"
	}
	return l.ignore.MatchesPath(path)
}
