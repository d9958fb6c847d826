package worktree

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Substitutions holds the values templated into copied files and
// setup/cleanup command environments. Branch and repo names are
// git-validated upstream, so they carry no shell metacharacters.
type Substitutions struct {
	WorktreeNum  int
	Branch       string
	Repo         string
	WorktreePath string
}

// arithmeticNum matches {{WORKTREE_NUM + N}} and {{WORKTREE_NUM - N}}
// with integer N.
var arithmeticNum = regexp.MustCompile(`\{\{WORKTREE_NUM\s*([+-])\s*(\d+)\}\}`)

// Expand applies placeholder substitution to template text.
func (s Substitutions) Expand(text string) string {
	out := arithmeticNum.ReplaceAllStringFunc(text, func(m string) string {
		parts := arithmeticNum.FindStringSubmatch(m)
		n, err := strconv.Atoi(parts[2])
		if err != nil {
			return m
		}
		if parts[1] == "-" {
			n = -n
		}
		return strconv.Itoa(s.WorktreeNum + n)
	})
	out = strings.ReplaceAll(out, "{{WORKTREE_NUM}}", strconv.Itoa(s.WorktreeNum))
	out = strings.ReplaceAll(out, "{{BRANCH}}", s.Branch)
	out = strings.ReplaceAll(out, "{{REPO}}", s.Repo)
	out = strings.ReplaceAll(out, "{{WORKTREE_PATH}}", s.WorktreePath)
	return out
}

// Env returns the environment entries for setup/cleanup commands.
func (s Substitutions) Env() []string {
	return []string{
		"WORKTREE_NUM=" + strconv.Itoa(s.WorktreeNum),
		"BRANCH=" + s.Branch,
		"REPO=" + s.Repo,
		"WORKTREE_PATH=" + s.WorktreePath,
	}
}

// copyTemplates copies every file under srcDir into dstDir, expanding
// placeholders in file contents. A missing source directory is not an
// error. Existing destination files are not overwritten, so repository
// files checked out by git always win.
func copyTemplates(srcDir, dstDir string, subs Substitutions) error {
	info, err := os.Stat(srcDir)
	if err != nil || !info.IsDir() {
		return nil
	}
	return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dstDir, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if _, err := os.Stat(target); err == nil {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		expanded := subs.Expand(string(data))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.WriteFile(target, []byte(expanded), 0o644)
	})
}
