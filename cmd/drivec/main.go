package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/InsulaLabs/drive/client"
	"github.com/InsulaLabs/drive/config"
	"github.com/InsulaLabs/drive/db/models"
	"github.com/fatih/color"
)

var (
	logger     *slog.Logger
	configPath string
	targetNode string
	timeout    time.Duration
	verbose    bool
)

func init() {
	flag.StringVar(&configPath, "config", "drive.yaml", "Path to the node configuration file")
	flag.StringVar(&targetNode, "target", "", "host:port of the node. Defaults to httpBinding in config.")
	flag.DurationVar(&timeout, "timeout", 10*time.Second, "Per request timeout")
	flag.BoolVar(&verbose, "v", false, "Log client activity to stderr")
}

func getClient(cfg *config.Node) (*client.Client, error) {
	hostPort := cfg.HttpBinding
	if targetNode != "" {
		hostPort = targetNode
	}
	c, err := client.NewClient(&client.Config{
		Endpoint: client.Endpoint{
			HostPort:     hostPort,
			ClientDomain: cfg.ClientDomain,
		},
		SkipVerify: cfg.SkipVerify,
		PlainHTTP:  cfg.TLS.Cert == "",
		Timeout:    timeout,
		Logger:     logger.WithGroup("client"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", hostPort, err)
	}
	return c, nil
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fail(fmt.Errorf("failed to load configuration from %s: %w", configPath, err))
	}

	cli, err := getClient(cfg)
	if err != nil {
		fail(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	command, cmdArgs := args[0], args[1:]
	switch command {
	case "file":
		handleFile(ctx, cli, cmdArgs)
	case "folder":
		handleFolder(ctx, cli, cmdArgs)
	case "status":
		requireArgs("status", cmdArgs, 0, "")
		printResult(cli.Status(ctx))
	case "watch":
		requireArgs("watch", cmdArgs, 0, "")
		handleWatch(ctx, cli)
	default:
		fmt.Fprintf(os.Stderr, "%s unknown command %q\n", color.RedString("Error:"), command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: drivec [flags] <command> [args...]\n")
	fmt.Fprintf(os.Stderr, "\n%s\n", color.YellowString("Flags:"))
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\n%s\n", color.YellowString("Commands:"))
	fmt.Fprintf(os.Stderr, "  file get <id>\n")
	fmt.Fprintf(os.Stderr, "  file list\n")
	fmt.Fprintf(os.Stderr, "  file by-folder-id <folder_id>\n")
	fmt.Fprintf(os.Stderr, "  file by-folder-name <folder_name>\n")
	fmt.Fprintf(os.Stderr, "  file create <folder_id> <file_name> <mime_type> <content|@path>\n")
	fmt.Fprintf(os.Stderr, "  file update <id> <folder_id> <file_name> <mime_type> <content|@path>\n")
	fmt.Fprintf(os.Stderr, "  file rename <id> <file_name>\n")
	fmt.Fprintf(os.Stderr, "  file delete <id>\n")
	fmt.Fprintf(os.Stderr, "  folder get <id>\n")
	fmt.Fprintf(os.Stderr, "  folder by-name <folder_name>\n")
	fmt.Fprintf(os.Stderr, "  folder list\n")
	fmt.Fprintf(os.Stderr, "  folder create <folder_name>\n")
	fmt.Fprintf(os.Stderr, "  folder update <id> <folder_name>\n")
	fmt.Fprintf(os.Stderr, "  status\n")
	fmt.Fprintf(os.Stderr, "  watch\n")
}

func fail(err error) {
	var re models.RegistryError
	if errors.As(err, &re) {
		fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("%s:", re.Kind()), re.Error())
	} else {
		fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
	}
	os.Exit(1)
}

func requireArgs(command string, args []string, n int, usage string) {
	if len(args) != n {
		fmt.Fprintf(os.Stderr, "%s %s requires %s\n", color.RedString("Error:"), command, usageOrNone(usage))
		printUsage()
		os.Exit(1)
	}
}

func usageOrNone(usage string) string {
	if usage == "" {
		return "no arguments"
	}
	return usage
}

func parseID(name, raw string) uint64 {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		fail(fmt.Errorf("invalid %s %q: %w", name, raw, err))
	}
	return id
}

// readContent treats a leading @ as a path to read the content from.
func readContent(arg string) string {
	if !strings.HasPrefix(arg, "@") {
		return arg
	}
	data, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
	if err != nil {
		fail(fmt.Errorf("failed to read content file: %w", err))
	}
	return string(data)
}

func printResult[T any](v T, err error) {
	if err != nil {
		fail(err)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fail(err)
	}
	fmt.Println(string(out))
}

func handleFile(ctx context.Context, c *client.Client, args []string) {
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "get":
		requireArgs("file get", rest, 1, "<id>")
		printResult(c.GetFile(ctx, parseID("id", rest[0])))
	case "list":
		requireArgs("file list", rest, 0, "")
		printResult(c.GetAllFiles(ctx))
	case "by-folder-id":
		requireArgs("file by-folder-id", rest, 1, "<folder_id>")
		printResult(c.GetAllFilesByFolderID(ctx, parseID("folder_id", rest[0])))
	case "by-folder-name":
		requireArgs("file by-folder-name", rest, 1, "<folder_name>")
		printResult(c.GetAllFilesByFolderName(ctx, rest[0]))
	case "create":
		requireArgs("file create", rest, 4, "<folder_id> <file_name> <mime_type> <content|@path>")
		printResult(c.CreateFile(ctx, models.FilePayload{
			FolderID: parseID("folder_id", rest[0]),
			FileName: rest[1],
			MimeType: rest[2],
			Content:  readContent(rest[3]),
		}))
	case "update":
		requireArgs("file update", rest, 5, "<id> <folder_id> <file_name> <mime_type> <content|@path>")
		printResult(c.UpdateFile(ctx, parseID("id", rest[0]), models.FilePayload{
			FolderID: parseID("folder_id", rest[1]),
			FileName: rest[2],
			MimeType: rest[3],
			Content:  readContent(rest[4]),
		}))
	case "rename":
		requireArgs("file rename", rest, 2, "<id> <file_name>")
		printResult(c.UpdateFileName(ctx, parseID("id", rest[0]), rest[1]))
	case "delete":
		requireArgs("file delete", rest, 1, "<id>")
		printResult(c.DeleteFile(ctx, parseID("id", rest[0])))
	default:
		fmt.Fprintf(os.Stderr, "%s unknown file command %q\n", color.RedString("Error:"), sub)
		printUsage()
		os.Exit(1)
	}
}

func handleFolder(ctx context.Context, c *client.Client, args []string) {
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "get":
		requireArgs("folder get", rest, 1, "<id>")
		printResult(c.GetFolder(ctx, parseID("id", rest[0])))
	case "by-name":
		requireArgs("folder by-name", rest, 1, "<folder_name>")
		printResult(c.GetFolderByName(ctx, rest[0]))
	case "list":
		requireArgs("folder list", rest, 0, "")
		printResult(c.GetAllFolders(ctx))
	case "create":
		requireArgs("folder create", rest, 1, "<folder_name>")
		printResult(c.CreateFolder(ctx, models.FolderPayload{FolderName: rest[0]}))
	case "update":
		requireArgs("folder update", rest, 2, "<id> <folder_name>")
		printResult(c.UpdateFolder(ctx, parseID("id", rest[0]), models.FolderPayload{FolderName: rest[1]}))
	default:
		fmt.Fprintf(os.Stderr, "%s unknown folder command %q\n", color.RedString("Error:"), sub)
		printUsage()
		os.Exit(1)
	}
}

func handleWatch(ctx context.Context, c *client.Client) {
	fmt.Fprintln(os.Stderr, color.CyanString("Watching for changes, Ctrl+C to stop"))
	err := c.SubscribeToEvents(ctx, func(e models.Event) {
		opColor := color.New(color.FgHiGreen)
		switch e.Op {
		case models.OpUpdated:
			opColor = color.New(color.FgHiYellow)
		case models.OpDeleted:
			opColor = color.New(color.FgHiRed)
		}
		fmt.Printf("%s %s %s id=%d\n",
			e.EmittedAt.Local().Format(time.TimeOnly),
			opColor.Sprint(e.Op),
			e.Kind,
			e.RecordID,
		)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		fail(err)
	}
}
