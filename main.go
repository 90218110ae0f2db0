// Command quixand is the CLI entry point: sandbox/files/templates
// subcommands plus a hidden __watchdog entrypoint the Spawn helper
// re-execs into. Grounded on the teacher's main.go, keeping its
// version-stamping-via-debug.BuildInfo trick and flaggy setup, replaced
// with the sandbox-oriented subcommand tree §6 describes.
package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	stdruntime "runtime"
	"runtime/debug"
	"time"

	"github.com/fatih/color"
	"github.com/imdario/mergo"
	"github.com/integrii/flaggy"
	"github.com/jesseduffield/yaml"
	"github.com/mgutz/str"
	"github.com/samber/lo"

	"github.com/unconst/quixand/pkg/adapter"
	"github.com/unconst/quixand/pkg/config"
	qlog "github.com/unconst/quixand/pkg/log"
	"github.com/unconst/quixand/pkg/runtime"
	"github.com/unconst/quixand/pkg/sandbox"
	"github.com/unconst/quixand/pkg/state"
	"github.com/unconst/quixand/pkg/templates"
	"github.com/unconst/quixand/pkg/utils"
	"github.com/unconst/quixand/pkg/watchdog"
)

const defaultVersion = "unversioned"

var (
	commit  string
	version = defaultVersion
	date    string

	configFlag bool

	sandboxImage   string
	sandboxID      string
	sandboxTimeout int
	execCmd        string
	runCodeFile    string
	runCodeLang    string

	filesSrc string
	filesDst string

	templateName string
	templateDir  string

	configKey   string
	configValue string
)

func main() {
	updateBuildInfo()

	if len(os.Args) == 3 && os.Args[1] == "__watchdog" {
		runWatchdog(os.Args[2])
		return
	}

	info := fmt.Sprintf("%s\nDate: %s\nCommit: %s\nOS: %s\nArch: %s", version, date, commit, stdruntime.GOOS, stdruntime.GOARCH)

	flaggy.SetName("quixand")
	flaggy.SetDescription("ephemeral, reproducible execution sandboxes over Docker/Podman")
	flaggy.SetVersion(info)
	flaggy.Bool(&configFlag, "c", "config", "print the current default config")

	sandboxCmd := flaggy.NewSubcommand("sandbox")
	createCmd := flaggy.NewSubcommand("create")
	createCmd.String(&sandboxImage, "i", "image", "image to run")
	createCmd.Int(&sandboxTimeout, "t", "timeout", "idle timeout in seconds")
	sandboxCmd.AttachSubcommand(createCmd, 1)

	connectCmd := flaggy.NewSubcommand("connect")
	connectCmd.String(&sandboxID, "s", "sandbox", "sandbox id")
	sandboxCmd.AttachSubcommand(connectCmd, 1)

	execSubCmd := flaggy.NewSubcommand("exec")
	execSubCmd.String(&sandboxID, "s", "sandbox", "sandbox id")
	execSubCmd.String(&execCmd, "x", "cmd", "command to run")
	sandboxCmd.AttachSubcommand(execSubCmd, 1)

	runCodeCmd := flaggy.NewSubcommand("run-code")
	runCodeCmd.String(&sandboxID, "s", "sandbox", "sandbox id")
	runCodeCmd.String(&runCodeFile, "f", "file", "source file to run")
	runCodeCmd.String(&runCodeLang, "l", "lang", "interpreter, e.g. python3")
	sandboxCmd.AttachSubcommand(runCodeCmd, 1)

	lsCmd := flaggy.NewSubcommand("ls")
	sandboxCmd.AttachSubcommand(lsCmd, 1)

	killCmd := flaggy.NewSubcommand("kill")
	killCmd.String(&sandboxID, "s", "sandbox", "sandbox id")
	sandboxCmd.AttachSubcommand(killCmd, 1)

	refreshCmd := flaggy.NewSubcommand("refresh-timeout")
	refreshCmd.String(&sandboxID, "s", "sandbox", "sandbox id")
	refreshCmd.Int(&sandboxTimeout, "t", "timeout", "new idle timeout in seconds")
	sandboxCmd.AttachSubcommand(refreshCmd, 1)

	flaggy.AttachSubcommand(sandboxCmd, 1)

	filesCmd := flaggy.NewSubcommand("files")
	putCmd := flaggy.NewSubcommand("put")
	putCmd.String(&sandboxID, "s", "sandbox", "sandbox id")
	putCmd.String(&filesSrc, "src", "src", "host path")
	putCmd.String(&filesDst, "dst", "dst", "sandbox path")
	filesCmd.AttachSubcommand(putCmd, 1)

	getCmd := flaggy.NewSubcommand("get")
	getCmd.String(&sandboxID, "s", "sandbox", "sandbox id")
	getCmd.String(&filesSrc, "src", "src", "sandbox path")
	getCmd.String(&filesDst, "dst", "dst", "host path")
	filesCmd.AttachSubcommand(getCmd, 1)

	filesLsCmd := flaggy.NewSubcommand("ls")
	filesLsCmd.String(&sandboxID, "s", "sandbox", "sandbox id")
	filesLsCmd.String(&filesSrc, "p", "path", "path to list")
	filesCmd.AttachSubcommand(filesLsCmd, 1)

	filesMkdirCmd := flaggy.NewSubcommand("mkdir")
	filesMkdirCmd.String(&sandboxID, "s", "sandbox", "sandbox id")
	filesMkdirCmd.String(&filesSrc, "p", "path", "path to create")
	filesCmd.AttachSubcommand(filesMkdirCmd, 1)

	filesRmCmd := flaggy.NewSubcommand("rm")
	filesRmCmd.String(&sandboxID, "s", "sandbox", "sandbox id")
	filesRmCmd.String(&filesSrc, "p", "path", "path to remove")
	filesCmd.AttachSubcommand(filesRmCmd, 1)
	flaggy.AttachSubcommand(filesCmd, 1)

	templatesCmd := flaggy.NewSubcommand("templates")
	buildCmd := flaggy.NewSubcommand("build")
	buildCmd.String(&templateName, "n", "name", "template name")
	buildCmd.String(&templateDir, "d", "dir", "template directory")
	templatesCmd.AttachSubcommand(buildCmd, 1)

	templatesLsCmd := flaggy.NewSubcommand("ls")
	templatesCmd.AttachSubcommand(templatesLsCmd, 1)

	templatesRmCmd := flaggy.NewSubcommand("rm")
	templatesRmCmd.String(&templateName, "n", "name", "template name")
	templatesCmd.AttachSubcommand(templatesRmCmd, 1)
	flaggy.AttachSubcommand(templatesCmd, 1)

	doctorCmd := flaggy.NewSubcommand("doctor")
	flaggy.AttachSubcommand(doctorCmd, 1)

	gcCmd := flaggy.NewSubcommand("gc")
	flaggy.AttachSubcommand(gcCmd, 1)

	configCmd := flaggy.NewSubcommand("config")
	configSetCmd := flaggy.NewSubcommand("set")
	configSetCmd.String(&configKey, "k", "key", "config key, e.g. workdir, resources.memory")
	configSetCmd.String(&configValue, "v", "value", "new value")
	configCmd.AttachSubcommand(configSetCmd, 1)
	flaggy.AttachSubcommand(configCmd, 1)

	flaggy.Parse()

	if configFlag {
		var buf bytes.Buffer
		if err := yaml.NewEncoder(&buf).Encode(config.GetDefaultConfig()); err != nil {
			log.Fatal(err.Error())
		}
		fmt.Println(buf.String())
		os.Exit(0)
	}

	cfg, err := config.NewAppConfigWithVersion(version, commit, date)
	if err != nil {
		log.Fatal(err.Error())
	}
	logEntry := qlog.NewLogger(cfg)

	rt, err := runtime.Select(logEntry)
	if err != nil {
		log.Fatal(err.Error())
	}
	defer rt.Close()

	store, err := state.Open(filepath.Join(cfg.Root, "state.json"))
	if err != nil {
		log.Fatal(err.Error())
	}

	ad := adapter.New(rt, store, cfg.Root, logEntry, watchdog.Spawn)

	ctx := context.Background()

	switch {
	case doctorCmd.Used:
		runDoctor(ctx, rt, cfg)
	case createCmd.Used:
		sbxCfg := sandbox.Config{Image: sandboxImage, TimeoutSeconds: sandboxTimeout}
		defaults := sandbox.Config{Image: cfg.Image, TimeoutSeconds: cfg.TimeoutDefault, DisableWatchdog: cfg.DisableWatchdog, Metadata: cfg.Metadata}
		if err := mergo.Merge(&sbxCfg, defaults); err != nil {
			log.Fatal(err.Error())
		}
		sbx, err := sandbox.New(ctx, ad, rt, logEntry, sbxCfg)
		if err != nil {
			log.Fatal(err.Error())
		}
		fmt.Println(sbx.ID())
	case connectCmd.Used:
		sbx, err := sandbox.Connect(ctx, ad, rt, logEntry, sandboxID)
		if err != nil {
			log.Fatal(err.Error())
		}
		fmt.Println(sbx.ID())
	case execSubCmd.Used:
		res, err := ad.Run(ctx, sandboxID, str.ToArgv(execCmd), nil, 60*time.Second)
		if err != nil {
			log.Fatal(err.Error())
		}
		fmt.Print(string(res.Stdout))
		os.Exit(res.ExitCode)
	case runCodeCmd.Used:
		source, err := os.ReadFile(runCodeFile)
		if err != nil {
			log.Fatal(err.Error())
		}
		lang := runCodeLang
		if lang == "" {
			lang = "python3"
		}
		scratch := filepath.Join(cfg.Root, "scratch", sandboxID, "run-code.tmp")
		if err := ad.Write(ctx, sandboxID, scratch, source); err != nil {
			log.Fatal(err.Error())
		}
		res, err := ad.Run(ctx, sandboxID, []string{lang, scratch}, nil, 60*time.Second)
		if err != nil {
			log.Fatal(err.Error())
		}
		fmt.Print(string(res.Stdout))
		os.Exit(res.ExitCode)
	case killCmd.Used:
		if err := ad.Shutdown(ctx, sandboxID); err != nil {
			log.Fatal(err.Error())
		}
	case refreshCmd.Used:
		if err := ad.RefreshTimeout(sandboxID, sandboxTimeout); err != nil {
			log.Fatal(err.Error())
		}
	case lsCmd.Used:
		records, err := store.List()
		if err != nil {
			log.Fatal(err.Error())
		}
		rows := [][]string{{"ID", "IMAGE", "STATUS"}}
		for _, r := range records {
			status := r.Status
			if status == "running" {
				status = utils.ColoredString(status, color.FgGreen)
			}
			rows = append(rows, []string{r.ID, r.Image, status})
		}
		table, err := utils.RenderTable(rows)
		if err != nil {
			log.Fatal(err.Error())
		}
		fmt.Println(table)
	case putCmd.Used:
		if err := ad.Put(ctx, sandboxID, filesSrc, filesDst); err != nil {
			log.Fatal(err.Error())
		}
	case getCmd.Used:
		if err := ad.Get(ctx, sandboxID, filesSrc, filesDst); err != nil {
			log.Fatal(err.Error())
		}
	case filesLsCmd.Used:
		infos, err := ad.Ls(ctx, sandboxID, filesSrc)
		if err != nil {
			log.Fatal(err.Error())
		}
		rows := [][]string{{"PATH", "SIZE", "DIR"}}
		for _, fi := range infos {
			rows = append(rows, []string{fi.Path, fmt.Sprintf("%d", fi.Size), fmt.Sprintf("%t", fi.IsDir)})
		}
		table, err := utils.RenderTable(rows)
		if err != nil {
			log.Fatal(err.Error())
		}
		fmt.Println(table)
	case filesMkdirCmd.Used:
		if err := ad.Mkdir(ctx, sandboxID, filesSrc); err != nil {
			log.Fatal(err.Error())
		}
	case filesRmCmd.Used:
		if err := ad.Rm(ctx, sandboxID, filesSrc); err != nil {
			log.Fatal(err.Error())
		}
	case gcCmd.Used:
		removed, err := ad.GC(ctx)
		if err != nil {
			log.Fatal(err.Error())
		}
		fmt.Printf("removed %d orphaned entries\n", removed)
	case configSetCmd.Used:
		if err := cfg.WriteToUserConfig(func(uc *config.UserConfig) error {
			return config.ApplyKeyValue(uc, configKey, configValue)
		}); err != nil {
			log.Fatal(err.Error())
		}
	case buildCmd.Used:
		cache, err := templates.Open(rt, filepath.Join(cfg.Root, "templates.json"))
		if err != nil {
			log.Fatal(err.Error())
		}
		entry, err := cache.Build(ctx, templateName, templateDir, nil, os.Stdout)
		if err != nil {
			log.Fatal(err.Error())
		}
		fmt.Println(entry.Image)
	case templatesLsCmd.Used:
		cache, err := templates.Open(rt, filepath.Join(cfg.Root, "templates.json"))
		if err != nil {
			log.Fatal(err.Error())
		}
		list, err := cache.List()
		if err != nil {
			log.Fatal(err.Error())
		}
		rows := [][]string{{"NAME", "IMAGE", "DIGEST"}}
		for _, e := range list {
			rows = append(rows, []string{e.Name, e.Image, e.Digest[:12]})
		}
		table, err := utils.RenderTable(rows)
		if err != nil {
			log.Fatal(err.Error())
		}
		fmt.Println(table)
	case templatesRmCmd.Used:
		cache, err := templates.Open(rt, filepath.Join(cfg.Root, "templates.json"))
		if err != nil {
			log.Fatal(err.Error())
		}
		if err := cache.Remove(ctx, templateName); err != nil {
			log.Fatal(err.Error())
		}
	default:
		flaggy.ShowHelp("")
	}
}

func runDoctor(ctx context.Context, rt runtime.Runtime, cfg *config.AppConfig) {
	fmt.Printf("runtime: %s\n", rt.Name())
	fmt.Printf("root: %s\n", cfg.Root)
	ids, err := rt.List(ctx)
	if err != nil {
		fmt.Printf("list containers: %s\n", err)
		return
	}
	fmt.Printf("containers visible to backend: %d\n", len(ids))
}

func runWatchdog(id string) {
	cfg, err := config.NewAppConfigWithVersion(version, commit, date)
	if err != nil {
		log.Fatal(err.Error())
	}
	logEntry := qlog.NewLogger(cfg)

	rt, err := runtime.Select(logEntry)
	if err != nil {
		log.Fatal(err.Error())
	}
	defer rt.Close()

	store, err := state.Open(filepath.Join(cfg.Root, "state.json"))
	if err != nil {
		log.Fatal(err.Error())
	}

	watchdog.Run(context.Background(), logEntry, store, rt, cfg.Root, id)
}

func updateBuildInfo() {
	if version == defaultVersion {
		if buildInfo, ok := debug.ReadBuildInfo(); ok {
			if revision, ok := lo.Find(buildInfo.Settings, func(s debug.BuildSetting) bool { return s.Key == "vcs.revision" }); ok {
				commit = revision.Value
				version = utils.SafeTruncate(revision.Value, 7)
			}
			if t, ok := lo.Find(buildInfo.Settings, func(s debug.BuildSetting) bool { return s.Key == "vcs.time" }); ok {
				date = t.Value
			}
		}
	}
}
