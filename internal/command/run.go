package command

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"
	"github.com/google/uuid"
	"github.com/joeycumines/remock"
	"github.com/joeycumines/remock/internal/config"
	"github.com/joeycumines/remock/internal/jsruntime"
	"github.com/joeycumines/remock/loader"
)

// ErrTestsFailed is returned by RunCommand when at least one file failed.
var ErrTestsFailed = errors.New("tests failed")

// scriptExtensions are picked up when a directory is given to run.
var scriptExtensions = map[string]bool{".js": true, ".cjs": true}

// RunCommand runs JavaScript test files, each inside its own remock scope.
//
// A file passes if requiring it succeeds and, when it exports a function,
// calling that function succeeds (awaiting a returned promise).
type RunCommand struct {
	*BaseCommand
	config *config.Config

	filter      string
	timeout     time.Duration
	logLevel    string
	modulePaths string
}

// NewRunCommand creates a new run command. Flag defaults come from cfg.
func NewRunCommand(cfg *config.Config) *RunCommand {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	return &RunCommand{
		BaseCommand: NewBaseCommand(
			"run",
			"Run JavaScript test files in isolated scopes",
			"run [options] <file|dir>...",
		),
		config: cfg,
	}
}

// SetupFlags configures the flags for the run command.
func (c *RunCommand) SetupFlags(fs *flag.FlagSet) {
	schema := config.DefaultSchema()
	timeout, err := config.ParseDuration(schema.Resolve(c.config, c.Name(), config.KeyRunTimeout))
	if err != nil {
		timeout = 0
	}
	fs.StringVar(&c.filter, "filter", schema.Resolve(c.config, c.Name(), config.KeyRunFilter),
		"expr expression over path, base, dir and ext selecting files to run")
	fs.DurationVar(&c.timeout, "timeout", timeout, "Per-file timeout; 0 disables it")
	fs.StringVar(&c.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.StringVar(&c.modulePaths, "module-path", schema.Resolve(c.config, c.Name(), config.KeyModulePaths),
		"Extra folders searched by require(), comma or list separator delimited")
}

// Execute runs every selected file, reporting one line per file to stdout.
func (c *RunCommand) Execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "no test files given")
		return fmt.Errorf("missing arguments")
	}

	level, err := resolveLogLevel(c.logLevel, c.config)
	if err != nil {
		return err
	}
	runID := uuid.NewString()
	logger := newLogger(stderr, level, runID)

	filter, err := compileFilter(c.filter)
	if err != nil {
		return err
	}
	files, err := collectFiles(args, filter)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		_, _ = fmt.Fprintln(stdout, "no test files matched")
		return nil
	}

	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	rt, err := jsruntime.NewRuntime(ctx,
		jsruntime.WithLogger(logger),
		jsruntime.WithLoaderOptions(
			loader.WithBasePath(wd),
			loader.WithGlobalFolders(config.ParsePathList(c.modulePaths)...),
		),
	)
	if err != nil {
		return err
	}
	defer rt.Close()

	var runner *remock.Runner
	if err := rt.RunOnLoopSync(func(vm *goja.Runtime) (err error) {
		runner, err = rt.NewRunner(vm)
		return err
	}); err != nil {
		return err
	}

	logger.Info("remock run started", slog.Int("files", len(files)))
	var passed, failed int
	for _, file := range files {
		start := time.Now()
		err := c.runFile(ctx, rt, runner, file)
		elapsed := time.Since(start).Round(time.Millisecond)
		if err == nil {
			passed++
			_, _ = fmt.Fprintf(stdout, "ok   %s (%s)\n", file, elapsed)
			continue
		}
		failed++
		_, _ = fmt.Fprintf(stdout, "FAIL %s (%s): %v\n", file, elapsed, err)
		logger.Debug("remock file failed", slog.String("file", file), slog.Any("error", err))

		// a timed out file leaves its scope armed, so nothing after it can
		// run isolated
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			_, _ = fmt.Fprintln(stdout, "aborting run")
			break
		}
	}

	_, _ = fmt.Fprintf(stdout, "%d passed, %d failed\n", passed, failed)
	logger.Info("remock run finished", slog.Int("passed", passed), slog.Int("failed", failed))
	if passed < len(files) {
		return fmt.Errorf("%w: %d of %d", ErrTestsFailed, len(files)-passed, len(files))
	}
	return nil
}

func (c *RunCommand) runFile(ctx context.Context, rt *jsruntime.Runtime, runner *remock.Runner, file string) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	id := filepath.ToSlash(file)
	_, err := rt.Await(ctx, func(vm *goja.Runtime) (goja.Value, error) {
		work := vm.ToValue(func(call goja.FunctionCall) goja.Value {
			exports, err := rt.Loader().Require(id)
			if err != nil {
				panic(throwable(vm, err))
			}
			fn, ok := goja.AssertFunction(exports)
			if !ok {
				return goja.Undefined()
			}
			v, err := fn(goja.Undefined())
			if err != nil {
				panic(throwable(vm, err))
			}
			return v
		})
		return vm.ToValue(runner.RunAsync(goja.Undefined(), work)), nil
	})
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("timed out after %v: %w", c.timeout, err)
	}
	return err
}

func throwable(vm *goja.Runtime, err error) goja.Value {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return exc.Value()
	}
	return vm.NewGoError(err)
}

// fileEnv is the filter expression environment for one file.
func fileEnv(file string) map[string]any {
	return map[string]any{
		"path": filepath.ToSlash(file),
		"base": filepath.Base(file),
		"dir":  filepath.ToSlash(filepath.Dir(file)),
		"ext":  filepath.Ext(file),
	}
}

// compileFilter compiles a boolean file filter; "" selects everything.
func compileFilter(expression string) (*exprvm.Program, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, nil
	}
	program, err := expr.Compile(expression, expr.Env(fileEnv("")), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", expression, err)
	}
	return program, nil
}

// collectFiles expands directories into the script files beneath them,
// skipping node_modules and hidden directories, and applies filter. Paths
// are made absolute.
func collectFiles(args []string, filter *exprvm.Program) ([]string, error) {
	var files []string
	add := func(file string) error {
		if filter != nil {
			out, err := expr.Run(filter, fileEnv(file))
			if err != nil {
				return fmt.Errorf("filter failed for %s: %w", file, err)
			}
			if matched, _ := out.(bool); !matched {
				return nil
			}
		}
		files = append(files, file)
		return nil
	}

	for _, arg := range args {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			if err := add(abs); err != nil {
				return nil, err
			}
			continue
		}
		err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if p != abs && (d.Name() == "node_modules" || strings.HasPrefix(d.Name(), ".")) {
					return filepath.SkipDir
				}
				return nil
			}
			if !scriptExtensions[filepath.Ext(p)] {
				return nil
			}
			return add(p)
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}
