package command

import (
	"bytes"
	"context"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/joeycumines/remock/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, src := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(src), 0o644))
	}
	return dir
}

func executeRun(t *testing.T, cfg *config.Config, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	cmd := NewRunCommand(cfg)
	fs := flag.NewFlagSet(cmd.Name(), flag.ContinueOnError)
	cmd.SetupFlags(fs)
	require.NoError(t, fs.Parse(args))

	var out, errOut bytes.Buffer
	err = cmd.Execute(context.Background(), fs.Args(), &out, &errOut)
	return out.String(), errOut.String(), err
}

func TestRunCommand_IsolatesFiles(t *testing.T) {
	t.Parallel()
	dir := writeFiles(t, map[string]string{
		"helper.json": `{"count": 0}`,
		"a_leak.js": `
			globalThis.leaked = true;
			require('./helper.json').count++;
			module.exports = function() {};
		`,
		"b_check.js": `
			if (typeof leaked !== 'undefined') throw new Error('global leaked');
			if (require('./helper.json').count !== 0) throw new Error('module cache leaked');
		`,
		"c_async.js": `module.exports = () => new Promise(resolve => setTimeout(resolve, 5));`,
		"d_mock.js": `
			const mock = require('remock')(require);
			module.exports = () => mock({'./helper.json': {count: 42}}, () => {
				if (require('./helper.json').count !== 42) throw new Error('substitute not visible');
			}).then(() => {
				if (require('./helper.json').count !== 0) throw new Error('substitute not removed');
			});
		`,
		"node_modules/ignored.js": `throw new Error('node_modules must be skipped');`,
		".hidden/ignored.js":      `throw new Error('hidden directories must be skipped');`,
	})

	stdout, stderr, err := executeRun(t, nil, dir)
	require.NoError(t, err, stdout)
	assert.Contains(t, stdout, "ok   "+filepath.Join(dir, "a_leak.js"))
	assert.Contains(t, stdout, "ok   "+filepath.Join(dir, "b_check.js"))
	assert.Contains(t, stdout, "ok   "+filepath.Join(dir, "c_async.js"))
	assert.Contains(t, stdout, "ok   "+filepath.Join(dir, "d_mock.js"))
	assert.Contains(t, stdout, "4 passed, 0 failed\n")
	assert.Regexp(t, `run=[0-9a-f-]{36}`, stderr)
	assert.Contains(t, stderr, "remock run started")
}

func TestRunCommand_ReportsFailures(t *testing.T) {
	t.Parallel()
	dir := writeFiles(t, map[string]string{
		"fail_async.js": `module.exports = async () => { throw new Error('async boom'); };`,
		"fail_sync.js":  `throw new TypeError('sync boom');`,
		"ok.js":         `module.exports = 1;`,
		"missing.js":    `require('./not-there');`,
	})

	stdout, _, err := executeRun(t, nil, dir)
	require.ErrorIs(t, err, ErrTestsFailed)
	assert.EqualError(t, err, "tests failed: 3 of 4")
	assert.Contains(t, stdout, "FAIL "+filepath.Join(dir, "fail_async.js"))
	assert.Contains(t, stdout, "async boom")
	assert.Contains(t, stdout, "TypeError: sync boom")
	assert.Contains(t, stdout, "FAIL "+filepath.Join(dir, "missing.js"))
	assert.Contains(t, stdout, "ok   "+filepath.Join(dir, "ok.js"))
	assert.Contains(t, stdout, "1 passed, 3 failed\n")
}

func TestRunCommand_Filter(t *testing.T) {
	t.Parallel()
	dir := writeFiles(t, map[string]string{
		"keep.js":     `module.exports = 1;`,
		"skip.js":     `throw new Error('filtered files must not run');`,
		"other.cjs":   `module.exports = 1;`,
		"notes.txt":   `not a script`,
		"sub/deep.js": `module.exports = 1;`,
	})

	stdout, _, err := executeRun(t, nil, "-filter", `base != "skip.js" && ext == ".js"`, dir)
	require.NoError(t, err)
	assert.Contains(t, stdout, filepath.Join(dir, "keep.js"))
	assert.Contains(t, stdout, filepath.Join(dir, "sub", "deep.js"))
	assert.NotContains(t, stdout, "skip.js")
	assert.NotContains(t, stdout, "other.cjs")
	assert.Contains(t, stdout, "2 passed, 0 failed\n")

	cfg := config.NewConfig()
	cfg.SetCommandOption("run", config.KeyRunFilter, `base == "nothing.js"`)
	stdout, _, err = executeRun(t, cfg, dir)
	require.NoError(t, err)
	assert.Equal(t, "no test files matched\n", stdout)

	_, _, err = executeRun(t, nil, "-filter", `base +`, dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid filter")
}

func TestRunCommand_TimeoutAbortsRun(t *testing.T) {
	t.Parallel()
	dir := writeFiles(t, map[string]string{
		"a_hang.js":  `module.exports = () => new Promise(() => {});`,
		"b_later.js": `module.exports = 1;`,
	})

	stdout, _, err := executeRun(t, nil, "-timeout", "50ms", dir)
	require.ErrorIs(t, err, ErrTestsFailed)
	assert.Contains(t, stdout, "timed out after 50ms")
	assert.Contains(t, stdout, "aborting run\n")
	assert.NotContains(t, stdout, "b_later.js")
	assert.Contains(t, stdout, "0 passed, 1 failed\n")
}

func TestRunCommand_ModulePath(t *testing.T) {
	t.Parallel()
	shared := writeFiles(t, map[string]string{"util.js": `module.exports = 'shared';`})
	dir := writeFiles(t, map[string]string{
		"uses_util.js": `if (require('util') !== 'shared') throw new Error('wrong util');`,
	})

	stdout, _, err := executeRun(t, nil, "-module-path", shared, dir)
	require.NoError(t, err, stdout)
	assert.Contains(t, stdout, "1 passed, 0 failed\n")
}

func TestRunCommand_ArgumentErrors(t *testing.T) {
	t.Parallel()
	_, stderr, err := executeRun(t, nil)
	require.Error(t, err)
	assert.Equal(t, "no test files given\n", stderr)

	_, _, err = executeRun(t, nil, "-log-level", "loud", "x.js")
	assert.EqualError(t, err, "invalid log level: loud")

	_, _, err = executeRun(t, nil, filepath.Join(t.TempDir(), "missing.js"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
