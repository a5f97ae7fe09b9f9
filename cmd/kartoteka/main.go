package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ergochat/readline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/kartoteka/kartoteka"
	"github.com/kartoteka/kartoteka/utils"
	"github.com/kartoteka/kartoteka/vfs"
)

type Config struct {
	Root          string        `yaml:"root"`
	SizeLimit     int64         `yaml:"size_limit"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	LogLevel      string        `yaml:"log_level"`
	MetricsAddr   string        `yaml:"metrics_addr"`
}

func loadConfig(path string) (cfg Config, err error) {
	cfg.Root = "kartoteka-root"
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	err = yaml.Unmarshal(data, &cfg)
	return cfg, err
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("scan"),
	readline.PcItem("update"),
	readline.PcItem("keys"),
	readline.PcItem("values"),
	readline.PcItem("files"),
	readline.PcItem("filekeys"),
	readline.PcItem("status"),
	readline.PcItem("rebuild"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

const usage = `commands:
  scan <dir>          load a directory tree into the index
  update              drain the pending update queue
  keys <index>        list all keys of an index
  values <key>        word counts per file for a key
  files <k1> [k2...]  files containing all of the words
  filekeys <path>     keys recorded for one file
  status              per-index rebuild status
  rebuild <index>     force a rebuild
  exit
`

type app struct {
	ix *kartoteka.Kartoteka
	fs *vfs.MemFS
}

// scan walks an OS directory and mirrors its regular files into the
// virtual tree; the collector picks them up through created events.
func (a *app) scan(ctx context.Context, dir string) (int, error) {
	var paths []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || !info.Mode().IsRegular() {
			return err
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return 0, err
	}
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, path := range paths {
		path := path
		g.Go(func() error {
			content, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			_, err = a.fs.Create("/"+filepath.ToSlash(rel), content)
			return err
		})
	}
	return len(paths), g.Wait()
}

func (a *app) run(line string) error {
	ctx := kartoteka.WithWaitingAllowed(context.Background())
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "help":
		fmt.Print(usage)
	case "scan":
		if len(fields) != 2 {
			return fmt.Errorf("usage: scan <dir>")
		}
		n, err := a.scan(ctx, fields[1])
		if err != nil {
			return err
		}
		fmt.Printf("scanned %d files\n", n)
	case "update":
		if err := a.ix.Collector().ForceUpdate(ctx, nil, nil, false); err != nil {
			return err
		}
		fmt.Println("up to date")
	case "keys":
		if len(fields) != 2 {
			return fmt.Errorf("usage: keys <index>")
		}
		var keys []string
		var err error
		switch fields[1] {
		case kartoteka.WordIndexName:
			keys, err = kartoteka.GetAllKeys[string, int32](ctx, a.ix, fields[1])
		case kartoteka.FileTypeIndexName:
			keys, err = kartoteka.GetAllKeys[string, struct{}](ctx, a.ix, fields[1])
		default:
			err = fmt.Errorf("unknown index %q", fields[1])
		}
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Println(k)
		}
	case "values":
		if len(fields) != 2 {
			return fmt.Errorf("usage: values <key>")
		}
		_, err := kartoteka.ProcessValues[string, int32](ctx, a.ix, kartoteka.WordIndexName,
			fields[1], nil, nil, func(f vfs.File, count int32) bool {
				fmt.Printf("%s\t%d\n", f.Path(), count)
				return true
			})
		return err
	case "files":
		if len(fields) < 2 {
			return fmt.Errorf("usage: files <k1> [k2...]")
		}
		_, err := kartoteka.ProcessFilesContainingAllKeys[string, int32](ctx, a.ix,
			kartoteka.WordIndexName, fields[1:], nil, nil, func(f vfs.File) bool {
				fmt.Println(f.Path())
				return true
			})
		return err
	case "filekeys":
		if len(fields) != 2 {
			return fmt.Errorf("usage: filekeys <path>")
		}
		f := a.fs.Lookup(fields[1])
		if f == nil {
			return fmt.Errorf("no such file %q", fields[1])
		}
		keys, err := a.ix.FileIndexedKeys(kartoteka.WordIndexName, f)
		if err != nil {
			return err
		}
		fmt.Println(strings.Join(keys, " "))
	case "status":
		for name, st := range a.ix.Statuses() {
			fmt.Printf("%s\t%v\n", name, st)
		}
	case "rebuild":
		if len(fields) != 2 {
			return fmt.Errorf("usage: rebuild <index>")
		}
		return a.ix.RequestRebuild(fields[1])
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
	return nil
}

func main() {
	configPath := flag.String("config", "", "path to the yaml config")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	log := utils.NewDefaultLogger(utils.ParseLevel(cfg.LogLevel))
	fs := vfs.NewMemFS()
	ix, err := kartoteka.Open(cfg.Root, fs, kartoteka.Options{
		SizeLimit:     cfg.SizeLimit,
		FlushInterval: cfg.FlushInterval,
		Logger:        log,
	}, kartoteka.WordIndex(), kartoteka.FileTypeIndex())
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	defer ix.Close()
	fs.AddListener(ix.Collector())

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		if err := ix.RegisterMetrics(reg); err != nil {
			log.Warn("metrics registration failed", "error", err)
		}
		go func() {
			http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			_ = http.ListenAndServe(cfg.MetricsAddr, nil)
		}()
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:              "kartoteka> ",
		InterruptPrompt:     "^C",
		EOFPrompt:           "exit",
		AutoComplete:        completer,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	defer rl.Close()
	rl.CaptureExitSignal()

	a := &app{ix: ix, fs: fs}
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return
		}
		line = strings.TrimSpace(line)
		if line == "exit" || line == "quit" {
			return
		}
		if err := a.run(line); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err.Error())
		}
	}
}
