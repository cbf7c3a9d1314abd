// Command robotdump loads a robot description through the viewer pipeline
// and prints the unified model with its diagnostics.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robot-viewer/backend/internal/fileset"
	"github.com/robot-viewer/backend/internal/logging"
	"github.com/robot-viewer/backend/internal/models"
	"github.com/robot-viewer/backend/internal/parser"
	"github.com/robot-viewer/backend/internal/resolver"
	"github.com/robot-viewer/backend/internal/session"
)

func main() {
	os.Exit(runWithArgs(os.Args[1:], os.Stdout, os.Stderr))
}

type dump struct {
	Load        *models.LoadSession       `json:"load"`
	Model       *models.UnifiedRobotModel `json:"model,omitempty"`
	Warnings    []models.Warning          `json:"warnings"`
	WarningsBy  map[string]int            `json:"warningCounts"`
	SourceBytes int                       `json:"sourceBytes"`
}

func runWithArgs(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("robotdump", flag.ContinueOnError)
	fs.SetOutput(stderr)
	in := fs.String("in", "", "robot file, directory or .zip archive")
	entry := fs.String("entry", "", "entry document inside a directory or archive")
	format := fs.String("format", "json", "output format: json or msgpack")
	as := fs.String("as", "", "force the source format: urdf, mjcf or usd")
	out := fs.String("out", "", "write output to file instead of stdout")
	packages := fs.String("packages", "", "optional YAML package map")
	timeout := fs.Duration("timeout", time.Minute, "give up after this long")
	verbose := fs.Bool("v", false, "log pipeline details to stderr")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: robotdump -in <file|dir|zip> [-entry path] [-as urdf|mjcf|usd] [-format json|msgpack] [-out file]\n\n")
		fmt.Fprintln(stderr, "Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *in == "" {
		fmt.Fprintln(stderr, "error: -in is required")
		fs.Usage()
		return 2
	}
	if *format != "json" && *format != "msgpack" {
		fmt.Fprintf(stderr, "error: unknown format %q\n", *format)
		return 2
	}
	if *as != "" {
		if _, err := parser.GetGlobalRegistry().ForFormat(models.SourceFormat(*as)); err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 2
		}
	}

	files, entryPath, err := openInput(*in, *entry)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	log := logging.NewFromEnv("error", stderr)
	if *verbose {
		log = logging.New(logging.Config{Level: "debug", Output: stderr})
	}
	opts := session.Options{Logger: log}
	if *packages != "" {
		pm, err := resolver.LoadPackageMap(*packages)
		if err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		opts.Packages = pm
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	req := session.LoadRequest{Files: files, Entry: entryPath, Format: models.SourceFormat(*as)}
	result, err := load(ctx, session.NewManager(opts), req, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	var data []byte
	if *format == "msgpack" {
		data, err = models.MarshalMsgpack(result)
	} else {
		data, err = json.MarshalIndent(result, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		fmt.Fprintf(stderr, "error: encode %s: %v\n", *format, err)
		return 1
	}

	if *out != "" {
		if err := os.WriteFile(*out, data, 0644); err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
	} else if _, err := stdout.Write(data); err != nil {
		return 1
	}

	if result.Load.Status != models.LoadStatusComplete {
		return 1
	}
	return 0
}

// load runs one load and prints bracketed progress lines while it runs.
func load(ctx context.Context, mgr *session.Manager, req session.LoadRequest, progress io.Writer) (*dump, error) {
	updates, unsubscribe := mgr.Subscribe()
	defer unsubscribe()

	started, err := mgr.StartLoad(ctx, req)
	if err != nil {
		return nil, err
	}
	tag := started.ID
	if len(tag) > 8 {
		tag = tag[:8]
	}
	fmt.Fprintf(progress, "[Load %s] %s (%d files)\n", tag, req.Entry, req.Files.Len())

	poll := time.NewTicker(250 * time.Millisecond)
	defer poll.Stop()
	last := models.LoadStatus("")
	lastProgress := -1.0
	for {
		var s models.LoadSession
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("[Load %s] %w", tag, ctx.Err())
		case u, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if u.ID != started.ID {
				continue
			}
			s = u
		case <-poll.C:
			// Subscribers may miss updates; the stored state is authoritative.
			cur, ok := mgr.GetLoad(started.ID)
			if !ok {
				return nil, fmt.Errorf("[Load %s] disappeared", tag)
			}
			s = *cur
		}

		switch s.Status {
		case models.LoadStatusComplete:
			fmt.Fprintf(progress, "[Load %s] complete: %d links, %d joints (%d controllable) in %dms\n",
				tag, s.LinkCount, s.JointCount, s.Controllable, s.ProcessingTimeMs)
			return collect(mgr, started.ID)
		case models.LoadStatusError:
			fmt.Fprintf(progress, "[Load %s] failed: %s\n", tag, s.Error)
			final, _ := mgr.GetLoad(started.ID)
			return &dump{Load: final, Warnings: []models.Warning{}, WarningsBy: map[string]int{}}, nil
		default:
			if s.Status != last || s.Progress != lastProgress {
				fmt.Fprintf(progress, "[Load %s] %s %.0f%%\n", tag, s.Status, s.Progress)
				last, lastProgress = s.Status, s.Progress
			}
		}
	}
}

func collect(mgr *session.Manager, id string) (*dump, error) {
	final, _ := mgr.GetLoad(id)
	d := &dump{Load: final}
	// The manager is private to this run, so the model can be kept.
	if err := mgr.WithModel(id, func(m *models.UnifiedRobotModel) error {
		d.Model = m
		return nil
	}); err != nil {
		return nil, err
	}
	diags, err := mgr.Diagnostics(id)
	if err != nil {
		return nil, err
	}
	d.Warnings = diags.Warnings()
	d.WarningsBy = diags.Counts()
	if text, _, err := mgr.SourceText(id); err == nil {
		d.SourceBytes = len(text)
	}
	// Warnings are reported once, at the top level.
	final.Warnings = nil
	return d, nil
}

// openInput builds the file set for in and picks the entry document.
func openInput(in, entry string) (*fileset.FileSet, string, error) {
	info, err := os.Stat(in)
	if err != nil {
		return nil, "", err
	}

	var files *fileset.FileSet
	switch {
	case info.IsDir():
		files, err = fileset.FromDirectory(in)
	case strings.EqualFold(filepath.Ext(in), ".zip"):
		var data []byte
		if data, err = os.ReadFile(in); err == nil {
			files, err = fileset.FromZip(bytes.NewReader(data), int64(len(data)))
		}
	default:
		// A single document resolves its resources next to itself.
		files, err = fileset.FromDirectory(filepath.Dir(in))
		if entry == "" {
			entry = filepath.Base(in)
		}
	}
	if err != nil {
		return nil, "", err
	}

	if entry == "" {
		entry, err = findEntry(files)
		if err != nil {
			return nil, "", err
		}
	}
	return files, fileset.CleanKey(entry), nil
}

// findEntry returns the first robot document in files whose content a
// parser accepts.
func findEntry(files *fileset.FileSet) (string, error) {
	reg := parser.GetGlobalRegistry()
	for _, p := range files.Paths() {
		if !parser.IsRobotDocument(p) {
			continue
		}
		h, _ := files.Get(p)
		data, err := fileset.ReadAll(h)
		if err != nil {
			continue
		}
		if _, err := reg.Detect(p, parser.Head(data)); err == nil {
			return p, nil
		}
	}
	return "", errors.New("no robot document found; pass -entry")
}
