package patterns

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exec(raw, name string, args []string, cwd string, exitCode int, stderr string, at time.Time) Execution {
	return Execution{
		Raw: raw, Name: name, Args: args, Cwd: cwd,
		ExitCode: exitCode, Stderr: stderr, At: at,
	}
}

func TestArgumentAnalyzer(t *testing.T) {
	t.Parallel()

	a := NewArgumentAnalyzer()
	now := time.Now()

	a.UpdatePattern(exec("git checkout main", "git", []string{"checkout", "main"}, "", 0, "", now))
	a.UpdatePattern(exec("git checkout main", "git", []string{"checkout", "main"}, "", 0, "", now))
	a.UpdatePattern(exec("git checkout dev", "git", []string{"checkout", "dev"}, "", 1, "", now))

	got := a.Patterns("git")
	require.NotEmpty(t, got)
	assert.Equal(t, "checkout", got[0].Value)
	assert.Equal(t, 3, got[0].Frequency)

	// "main" used twice successfully, "dev" once with failure.
	var mainPat, devPat *ArgumentPattern
	for i := range got {
		switch got[i].Value {
		case "main":
			mainPat = &got[i]
		case "dev":
			devPat = &got[i]
		}
	}
	require.NotNil(t, mainPat)
	require.NotNil(t, devPat)
	assert.Equal(t, 2, mainPat.Frequency)
	assert.InDelta(t, 1.0, mainPat.SuccessRate, 1e-9)
	assert.InDelta(t, 0.0, devPat.SuccessRate, 1e-9)

	assert.Nil(t, a.Patterns("docker"))
}

func TestArgumentAnalyzer_Prune(t *testing.T) {
	t.Parallel()

	a := NewArgumentAnalyzer()
	old := time.Now().Add(-48 * time.Hour)
	a.UpdatePattern(exec("rm tmp", "rm", []string{"tmp"}, "", 0, "", old))

	pruned := a.Prune(24*time.Hour, time.Now())
	assert.Equal(t, 1, pruned)
	assert.Nil(t, a.Patterns("rm"))
}

func TestDirectoryAnalyzer(t *testing.T) {
	t.Parallel()

	a := NewDirectoryAnalyzer()
	now := time.Now()

	for i := 0; i < 3; i++ {
		a.UpdatePattern(exec("make test", "make", []string{"test"}, "/proj", 0, "", now))
	}
	a.UpdatePattern(exec("ls", "ls", nil, "/proj", 0, "", now))
	a.UpdatePattern(exec("ls", "ls", nil, "/other", 0, "", now))

	got := a.Patterns("/proj")
	require.Len(t, got, 2)
	assert.Equal(t, CommandCount{Command: "make test", Count: 3}, got[0])
	assert.Equal(t, 3, a.Frequency("/proj", "make test"))
	assert.Equal(t, 0, a.Frequency("/proj", "make build"))
}

func TestFileTypeAnalyzer(t *testing.T) {
	t.Parallel()

	a := NewFileTypeAnalyzer()
	now := time.Now()

	a.UpdatePattern(exec("vim main.go", "vim", []string{"main.go"}, "", 0, "", now))
	a.UpdatePattern(exec("go build main.go", "go", []string{"build", "main.go"}, "", 0, "", now))
	a.UpdatePattern(exec("vim notes.md", "vim", []string{"notes.md"}, "", 0, "", now))
	a.UpdatePattern(exec("vim util.go", "vim", []string{"util.go"}, "", 0, "", now))

	got := a.Patterns(".go")
	require.NotEmpty(t, got)
	assert.Equal(t, CommandCount{Command: "vim", Count: 2}, got[0])

	t.Run("extension lookup without dot", func(t *testing.T) {
		assert.Equal(t, got, a.Patterns("go"))
	})

	t.Run("version numbers are not extensions", func(t *testing.T) {
		a.UpdatePattern(exec("docker pull redis:7.2", "docker", []string{"pull", "redis:7.2"}, "", 0, "", now))
		assert.Nil(t, a.Patterns(".2"))
	})
}

func TestCorrectionAnalyzer_SpellingFix(t *testing.T) {
	t.Parallel()

	a := NewCorrectionAnalyzer()
	a.AddKnownCommands("git", "grep", "ls")
	now := time.Now()

	a.UpdatePattern(exec("gti status", "gti", []string{"status"}, "", 127, "bash: gti: command not found", now))

	got := a.Corrections("gti status")
	require.Len(t, got, 1)
	assert.Equal(t, "git status", got[0].Corrected)
}

func TestCorrectionAnalyzer_PermissionDenied(t *testing.T) {
	t.Parallel()

	a := NewCorrectionAnalyzer()
	now := time.Now()

	a.UpdatePattern(exec("systemctl restart nginx", "systemctl", []string{"restart", "nginx"}, "", 1, "Permission denied", now))

	got := a.Corrections("systemctl restart nginx")
	require.Len(t, got, 1)
	assert.Equal(t, "sudo systemctl restart nginx", got[0].Corrected)

	t.Run("sudo commands are not re-elevated", func(t *testing.T) {
		a.UpdatePattern(exec("sudo reboot", "sudo", []string{"reboot"}, "", 1, "permission denied", now))
		assert.Empty(t, a.Corrections("sudo reboot"))
	})
}

func TestCorrectionAnalyzer_PathNormalization(t *testing.T) {
	t.Parallel()

	a := NewCorrectionAnalyzer()
	now := time.Now()

	a.UpdatePattern(exec("cat /etc//hosts", "cat", []string{"/etc//hosts"}, "", 1, "cat: /etc//hosts: No such file or directory", now))

	got := a.Corrections("cat /etc//hosts")
	require.Len(t, got, 1)
	assert.Equal(t, "cat /etc/hosts", got[0].Corrected)
}

func TestCorrectionAnalyzer_IgnoresSuccessAndUnknownErrors(t *testing.T) {
	t.Parallel()

	a := NewCorrectionAnalyzer()
	a.AddKnownCommands("git")
	now := time.Now()

	a.UpdatePattern(exec("git status", "git", []string{"status"}, "", 0, "", now))
	a.UpdatePattern(exec("git push", "git", []string{"push"}, "", 1, "remote rejected", now))

	assert.Empty(t, a.Corrections("git status"))
	assert.Empty(t, a.Corrections("git push"))
}

func TestUserPatterns_Chains(t *testing.T) {
	t.Parallel()

	u := NewUserPatterns()
	now := time.Now()

	for i := 0; i < 3; i++ {
		u.Observe("git add .", "git commit -m 'x'", "/proj", now)
	}
	u.Observe("git add .", "git status", "/proj", now)

	next := u.NextAfter("git add .")
	require.Len(t, next, 2)
	assert.Equal(t, "git commit -m 'x'", next[0].Command)
	assert.InDelta(t, 0.75, u.ChainProbability("git add .", "git commit -m 'x'"), 1e-9)
	assert.Zero(t, u.ChainProbability("make test", "anything"))
}

func TestUserPatterns_TimeAndContext(t *testing.T) {
	t.Parallel()

	u := NewUserPatterns()
	at := time.Date(2026, 8, 23, 14, 0, 0, 0, time.UTC)

	u.Observe("", "make test", "/proj", at)
	u.Observe("", "make test", "/proj", at)
	u.Observe("", "ls", "/proj", at)

	assert.InDelta(t, 2.0/3.0, u.TimeAffinity(14, "make test"), 1e-9)
	assert.Zero(t, u.TimeAffinity(9, "make test"))
	assert.InDelta(t, 2.0/3.0, u.ContextAffinity("/proj", "make test"), 1e-9)
	assert.Zero(t, u.ContextAffinity("/elsewhere", "make test"))
}

func TestUserPatterns_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	u := NewUserPatterns()
	now := time.Now()
	var wg sync.WaitGroup

	// One writer, many readers: must not race.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			u.Observe("prev", fmt.Sprintf("cmd-%d", i%10), "/proj", now)
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				u.NextAfter("prev")
				u.TimeAffinity(now.Hour(), "cmd-1")
				u.Snapshot()
			}
		}()
	}
	wg.Wait()

	assert.NotEmpty(t, u.NextAfter("prev"))
}

func TestSimilarity(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1.0, similarity("git", "git"))
	assert.Greater(t, similarity("gti", "git"), 0.6) // transposition is one edit
	assert.Less(t, similarity("git", "docker"), 0.3)
	assert.Equal(t, 0, damerauLevenshtein("", ""))
	assert.Equal(t, 3, damerauLevenshtein("", "abc"))
}
