package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ctfboard/internal/feed"
	"github.com/roach88/ctfboard/internal/testutil"
)

const guildChallenges = `FLAG{x}|Warmup|misc|Say hi|1|50
FLAG{h}|Heap|pwn|Overflow the heap|3|300
`

// workspace lays out challenge and member files plus a config using them.
type workspace struct {
	dir    string
	config string
}

func newWorkspace(t *testing.T, extra string) *workspace {
	t.Helper()
	dir := t.TempDir()
	for _, sub := range []string{"challenges", "members"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, sub), 0o755))
	}
	w := &workspace{dir: dir, config: filepath.Join(dir, "ctfboard.yaml")}
	w.write(t, "challenges/guild", guildChallenges)
	w.write(t, "members/guild", "alice|Alice\nbob|Bob\nhelper|Helper|bot\n")

	cfg := fmt.Sprintf(`challenges_dir: %s
members_dir: %s
ledger:
  dsn: %s
snapshot:
  enabled: true
  path: %s
watch: false
%s`,
		filepath.Join(dir, "challenges"),
		filepath.Join(dir, "members"),
		filepath.Join(dir, "solves.db"),
		filepath.Join(dir, "snapshots"),
		extra)
	w.write(t, "ctfboard.yaml", cfg)
	return w
}

func (w *workspace) write(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(w.dir, name), []byte(content), 0o644))
}

// run executes the CLI with args and returns stdout and the error.
func (w *workspace) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", w.config}, args...))
	err := cmd.Execute()
	return stdout.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "ctfboard", cmd.Use)

	for _, name := range []string{"serve", "reconcile", "submit", "scoreboard", "challenges", "snapshot", "validate", "test"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)

	config := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, config)
	assert.Equal(t, DefaultConfigPath, config.DefValue)

	require.NotNil(t, cmd.PersistentFlags().Lookup("strategy"))
}

func TestRootCommand_RejectsBadFlags(t *testing.T) {
	w := newWorkspace(t, "")

	_, err := w.run(t, "--format", "xml", "reconcile")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")

	_, err = w.run(t, "--strategy", "wipe", "reconcile")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wipe")
}

func TestReconcileCommand(t *testing.T) {
	w := newWorkspace(t, "")

	out, err := w.run(t, "reconcile")
	require.NoError(t, err)
	assert.Contains(t, out, "guild: 2 challenges, 2 participants, 0 solves (preserve)")
	assert.Contains(t, out, "joined: alice, bob")
}

func TestReconcileCommand_JSON(t *testing.T) {
	w := newWorkspace(t, "")

	out, err := w.run(t, "reconcile", "guild", "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string       `json:"status"`
		Data   []ReportView `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "guild", resp.Data[0].CommunityID)
	assert.Equal(t, 2, resp.Data[0].Participants)
}

func TestReconcileCommand_BadConfig(t *testing.T) {
	w := newWorkspace(t, "log_level: loud\n")

	_, err := w.run(t, "reconcile")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSubmitCommand_SolveOnce(t *testing.T) {
	w := newWorkspace(t, "")

	out, err := w.run(t, "submit", "alice", "Warmup:FLAG{x}#guild")
	require.NoError(t, err)
	assert.Equal(t, "Correct! Here are 50 points\n", out)

	// A new process loads the stored solve.
	out, err = w.run(t, "submit", "alice", "warm up:FLAG{x}", "--community", "guild")
	require.NoError(t, err)
	assert.Equal(t, feed.AlreadySolved+"\n", out)

	out, err = w.run(t, "scoreboard", "guild")
	require.NoError(t, err)
	assert.Equal(t, "Alice:  50\nBob:  0\n", out)
}

func TestSubmitCommand_Rejections(t *testing.T) {
	w := newWorkspace(t, "")

	tests := []struct {
		name   string
		args   []string
		output string
	}{
		{"incorrect", []string{"alice", "Warmup:FLAG{no}#guild"}, feed.IncorrectFlag},
		{"unknown community", []string{"alice", "Warmup:FLAG{x}#nowhere"}, feed.UnknownEvent},
		{"not participant", []string{"mallory", "Warmup:FLAG{x}#guild"}, feed.NotParticipant},
		{"bot", []string{"helper", "Warmup:FLAG{x}#guild"}, feed.NotParticipant},
		{"malformed", []string{"alice", "Warmup"}, "<challenge name>:<flag>#COMMUNITY_ID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := w.run(t, append([]string{"submit"}, tt.args...)...)
			require.NoError(t, err)
			assert.Contains(t, out, tt.output)
		})
	}
}

func TestScoreboardCommand_UnknownCommunity(t *testing.T) {
	w := newWorkspace(t, "")

	_, err := w.run(t, "scoreboard", "nowhere")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestChallengesCommand(t *testing.T) {
	w := newWorkspace(t, "")

	out, err := w.run(t, "challenges", "guild")
	require.NoError(t, err)
	assert.Equal(t, "## Warmup [misc]\nSay hi\nDifficulty: 🚩\nReward: 50 points\n\n"+
		"## Heap [pwn]\nOverflow the heap\nDifficulty: 🚩🚩🚩\nReward: 300 points\n", out)

	out, err = w.run(t, "challenges", "guild", "--format", "json")
	require.NoError(t, err)
	assert.NotContains(t, out, "FLAG{x}")
	assert.Contains(t, out, `"reward": 300`)
}

func TestPruneStrategyFlag(t *testing.T) {
	w := newWorkspace(t, "")

	_, err := w.run(t, "submit", "bob", "Heap:FLAG{h}#guild")
	require.NoError(t, err)

	w.write(t, "members/guild", "alice|Alice\n")
	out, err := w.run(t, "reconcile", "--strategy", "prune")
	require.NoError(t, err)
	assert.Contains(t, out, "joined: alice")
	assert.Contains(t, out, "pruned 1 solves")

	// Bob's solve is gone for good.
	w.write(t, "members/guild", "alice|Alice\nbob|Bob\n")
	out, err = w.run(t, "scoreboard", "guild")
	require.NoError(t, err)
	assert.Equal(t, "Alice:  0\nBob:  0\n", out)
}

func TestSnapshotCommands(t *testing.T) {
	w := newWorkspace(t, "")

	_, err := w.run(t, "submit", "alice", "Heap:FLAG{h}#guild")
	require.NoError(t, err)

	out, err := w.run(t, "snapshot", "list")
	require.NoError(t, err)
	assert.Equal(t, "guild\n", out)

	out, err = w.run(t, "snapshot", "show", "guild")
	require.NoError(t, err)
	assert.Equal(t, "guild (schema v1): 2 challenges, 2 participants, 1 solves\nAlice:  300\nBob:  0\n", out)

	out, err = w.run(t, "snapshot", "show", "guild", "--format", "json")
	require.NoError(t, err)
	assert.NotContains(t, out, "FLAG{h}")

	_, err = w.run(t, "snapshot", "show", "nowhere")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestSnapshotPersistence(t *testing.T) {
	w := newWorkspace(t, "persistence: snapshot\n")

	_, err := w.run(t, "submit", "bob", "Warmup:FLAG{x}#guild")
	require.NoError(t, err)

	out, err := w.run(t, "scoreboard", "guild")
	require.NoError(t, err)
	assert.Equal(t, "Bob:  50\nAlice:  0\n", out)

	_, err = os.Stat(filepath.Join(w.dir, "solves.db"))
	assert.True(t, os.IsNotExist(err), "sql store must not be opened")
}

func TestValidateCommand(t *testing.T) {
	w := newWorkspace(t, "")

	out, err := w.run(t, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ guild: 2 challenges, 2 members")
	assert.Contains(t, out, "All definitions valid.")

	w.write(t, "challenges/broken", "FLAG{a}|A|misc|d|1|10\nFLAG{a}|A|misc|d|1|10\nnot a challenge\n")
	out, err = w.run(t, "validate")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ broken: 1 challenges, 0 members")
	assert.Contains(t, out, "duplicate challenge")
	assert.Contains(t, out, "expected 6 fields")
}

func TestTestCommand(t *testing.T) {
	w := newWorkspace(t, "")

	out, err := w.run(t, "test", filepath.Join("..", "harness", "testdata", "scenarios"))
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ submit_basic")
	assert.Contains(t, out, "✓ All scenarios passed")
}

func TestTestCommand_UpdateAndMismatch(t *testing.T) {
	w := newWorkspace(t, "")
	scenarios := filepath.Join(w.dir, "scenarios")
	require.NoError(t, os.MkdirAll(scenarios, 0o755))
	src, err := os.ReadFile(filepath.Join("..", "harness", "testdata", "scenarios", "submit_basic.yaml"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(scenarios, "submit_basic.yaml"), src, 0o644))

	_, err = w.run(t, "test", scenarios, "--update")
	require.NoError(t, err)
	golden := filepath.Join(w.dir, "golden", "submit_basic.golden")
	require.FileExists(t, golden)

	w.write(t, "golden/submit_basic.golden", "{}\n")
	out, err := w.run(t, "test", scenarios)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "trace does not match golden file")

	out, err = w.run(t, "test", scenarios, "--filter", "prune*")
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestTestCommand_MissingDir(t *testing.T) {
	w := newWorkspace(t, "")

	_, err := w.run(t, "test", filepath.Join(w.dir, "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestServe_ProcessesInputUntilEOF(t *testing.T) {
	w := newWorkspace(t, "")

	input := strings.Join([]string{
		`{"type":"submit","participant":"alice","text":"Warmup:FLAG{x}#guild"}`,
		`# comments and junk are skipped`,
		`not json`,
		`{"type":"submit","community":"guild","participant":"alice","text":"Warmup:FLAG{x}","scoped":true}`,
	}, "\n")

	var stdout, stderr bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetIn(strings.NewReader(input))
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetContext(context.Background())

	opts := &ServeOptions{
		RootOptions:   &RootOptions{Format: "text", ConfigPath: w.config},
		FlowGenerator: testutil.NewFixedTokenGenerator("flow-serve"),
	}
	require.NoError(t, runServe(opts, cmd))

	var msgs []feed.Message
	dec := json.NewDecoder(&stdout)
	for dec.More() {
		var m feed.Message
		require.NoError(t, dec.Decode(&m))
		msgs = append(msgs, m)
	}
	require.Len(t, msgs, 3)
	assert.Equal(t, feed.Message{
		Kind:        feed.KindReply,
		CommunityID: "guild",
		Participant: "alice",
		FlowToken:   "flow-serve",
		Text:        "Correct! Here are 50 points",
	}, msgs[0])
	assert.Equal(t, feed.KindScoreboard, msgs[1].Kind)
	assert.Equal(t, "Alice:  50\nBob:  0\n", msgs[1].Text)
	assert.Equal(t, feed.AlreadySolved, msgs[2].Text)

	assert.Contains(t, stderr.String(), "skipping input line")
}
