package main

import (
	"log/slog"
	"os"

	"github.com/InsulaLabs/drive/runtime"
)

func main() {
	rt, err := runtime.New(os.Args[1:], "drive.yaml")
	if err != nil {
		slog.Error("Failed to initialize runtime", "error", err)
		os.Exit(1)
	}

	if err := rt.Run(); err != nil {
		slog.Error("Runtime exited with error", "error", err)
		os.Exit(1)
	}

	rt.Wait()
	slog.Info("Application exiting.")
}
