package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cli struct {
	t      *testing.T
	dir    string
	config string
}

func newCLI(t *testing.T) *cli {
	dir := t.TempDir()
	c := &cli{t: t, dir: dir, config: filepath.Join(dir, "blockci.yaml")}
	cfg := fmt.Sprintf(`
workers:
  - id: local
    tags: [x86_64, docker]
    runtime: shell
acquire_timeout: 5s
logs_dir: %s
store: %s
ledger:
  enabled: true
  path: %s
  keys_dir: %s
`, filepath.Join(dir, "logs"), filepath.Join(dir, "runs.db"), filepath.Join(dir, "ledger.jsonl"), filepath.Join(dir, "keys"))
	require.NoError(t, os.WriteFile(c.config, []byte(cfg), 0o644))
	return c
}

func (c *cli) file(name, content string) string {
	path := filepath.Join(c.dir, name)
	require.NoError(c.t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (c *cli) run(args ...string) (int, string) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	code := execute(root, append([]string{"--config", c.config}, args...))
	return code, out.String()
}

const okPipeline = `
tags: [docker]
build:
  script: [echo compiled]
test:
  needs: [build]
  script: [echo tested]
lint:
  needs: [build]
  script: [echo linted]
`

const failingPipeline = `
tags: [docker]
build:
  script: [echo compiled]
fmt:
  needs: [build]
  script: ["exit 3"]
`

const cyclicPipeline = `
tags: [docker]
a:
  needs: [b]
  script: [echo a]
b:
  needs: [a]
  script: [echo b]
`

func TestRunExitCodes(t *testing.T) {
	c := newCLI(t)

	code, out := c.run("run", c.file("ok.yml", okPipeline))
	assert.Equal(t, exitOK, code, out)
	assert.Contains(t, out, "pipeline ok run")
	assert.Contains(t, out, "succeeded")

	code, out = c.run("run", c.file("failing.yml", failingPipeline))
	assert.Equal(t, exitFailed, code, out)
	assert.Contains(t, out, `script "exit 3" exited 3`)

	code, out = c.run("run", c.file("cyclic.yml", cyclicPipeline))
	assert.Equal(t, exitDefinition, code, out)
	assert.Contains(t, out, "cycle")

	code, _ = c.run("run", filepath.Join(c.dir, "missing.yml"))
	assert.Equal(t, exitDefinition, code)
}

func TestValidateAndGraph(t *testing.T) {
	c := newCLI(t)
	path := c.file("ok.yml", okPipeline)

	code, out := c.run("validate", path)
	assert.Equal(t, exitOK, code, out)
	assert.Contains(t, out, "pipeline ok: 3 jobs, ok")

	code, out = c.run("graph", path)
	assert.Equal(t, exitOK, code, out)
	assert.Equal(t, "pipeline: ok\n└── build\n    ├── test\n    └── lint\n", out)

	code, _ = c.run("validate", c.file("cyclic.yml", cyclicPipeline))
	assert.Equal(t, exitDefinition, code)
}

func TestRunsHistory(t *testing.T) {
	c := newCLI(t)
	code, _ := c.run("run", c.file("ok.yml", okPipeline))
	require.Equal(t, exitOK, code)
	code, _ = c.run("run", c.file("failing.yml", failingPipeline))
	require.Equal(t, exitFailed, code)

	code, out := c.run("runs", "list")
	assert.Equal(t, exitOK, code, out)
	assert.Contains(t, out, "failing")
	assert.Contains(t, out, "ok")

	code, out = c.run("runs", "show", "nope")
	assert.NotEqual(t, exitOK, code, out)
}

func TestLedgerCommands(t *testing.T) {
	c := newCLI(t)

	code, out := c.run("ledger", "verify")
	assert.Equal(t, exitDefinition, code, out, "no keys yet")

	code, _ = c.run("run", c.file("ok.yml", okPipeline))
	require.Equal(t, exitOK, code)

	code, out = c.run("ledger", "verify")
	assert.Equal(t, exitOK, code, out)
	// 3 steps + 3 jobs
	assert.Contains(t, out, "verified: 6 blocks")

	code, out = c.run("ledger", "inspect")
	assert.Equal(t, exitOK, code, out)
	assert.Contains(t, out, `"echo tested" exit=0`)

	code, _ = c.run("ledger", "keygen")
	assert.Equal(t, exitDefinition, code)

	code, _ = c.run("ledger", "tamper", "2")
	require.Equal(t, exitOK, code)
	code, out = c.run("ledger", "verify")
	assert.Equal(t, exitFailed, code, out)
	assert.Contains(t, out, "hash mismatch at index 2")
}
